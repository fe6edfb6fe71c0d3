package coord

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// The hub wire protocol: CBOR-encoded frames over a local WebSocket.
//
// Three frame kinds flow between a client and the hub:
//   - request/response pairs for lock operations, correlated by frame ID;
//   - broadcast frames relayed to every other connected client;
//   - schedule frames asking the daemon for a deferred or immediate run
//     (the page-teardown handoff path).

// frameKind discriminates hub frames.
type frameKind string

const (
	frameRequest   frameKind = "request"
	frameResponse  frameKind = "response"
	frameBroadcast frameKind = "broadcast"
	frameSchedule  frameKind = "schedule"
)

// lockOp identifies a lock operation within a request frame.
type lockOp string

const (
	opAcquire   lockOp = "acquire"
	opRelease   lockOp = "release"
	opQuery     lockOp = "query"
	opWait      lockOp = "wait"
	opEmergency lockOp = "emergency"
)

// frame is the single wire envelope. Only the fields for its kind are set.
type frame struct {
	Kind frameKind `cbor:"kind"`

	// request/response correlation.
	ID string `cbor:"id,omitempty"`

	// request
	Op        lockOp `cbor:"op,omitempty"`
	Name      string `cbor:"name,omitempty"`
	TimeoutMS int64  `cbor:"timeout_ms,omitempty"`

	// response
	OK        bool   `cbor:"ok,omitempty"`
	Available bool   `cbor:"available,omitempty"`
	Err       string `cbor:"err,omitempty"`

	// broadcast
	Msg *Message `cbor:"msg,omitempty"`

	// schedule
	Full    bool  `cbor:"full,omitempty"`
	DelayMS int64 `cbor:"delay_ms,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Kind, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}

func (f frame) timeout() time.Duration {
	return time.Duration(f.TimeoutMS) * time.Millisecond
}
