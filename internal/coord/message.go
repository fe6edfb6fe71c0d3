// Package coord provides cross-context coordination for linkmirror.
//
// Every process that may run a sync connects to the coordination hub hosted
// by the daemon. The hub owns two things: the named-mutex table that makes
// sure at most one sync run executes anywhere, and the broadcast channel
// that fans status/progress messages out to every connected process.
//
// Messages between processes are informational except where a component
// explicitly opts in (the orchestrator reacts only to interrupted-status
// broadcasts); authoritative progress always comes from the run a process
// itself initiated.
package coord

import "time"

// MessageType identifies a broadcast message.
type MessageType string

const (
	// MessageStatus carries a coarse run status transition.
	MessageStatus MessageType = "status"

	// MessageProgress carries per-item progress for the active run.
	MessageProgress MessageType = "progress"

	// MessageComplete signals the end of a run, successful or not.
	MessageComplete MessageType = "complete"

	// MessageError carries a run failure with its retry classification.
	MessageError MessageType = "error"

	// MessageLog carries a free-form log line from the background runtime.
	MessageLog MessageType = "log"

	// MessageForeground signals that a foreground process became visible.
	MessageForeground MessageType = "foreground"

	// MessageBackground signals that a foreground process was hidden.
	MessageBackground MessageType = "background"
)

// Status values carried by MessageStatus broadcasts.
const (
	StatusStarting    = "starting"
	StatusSyncing     = "syncing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
	StatusInterrupted = "interrupted"
)

// Message is a cross-context broadcast message.
type Message struct {
	Type      MessageType `cbor:"type"`
	Timestamp time.Time   `cbor:"ts"`

	// status
	Status string `cbor:"status,omitempty"`

	// progress
	Current int    `cbor:"current,omitempty"`
	Total   int    `cbor:"total,omitempty"`
	Phase   string `cbor:"phase,omitempty"`

	// complete
	Success    bool          `cbor:"success,omitempty"`
	Processed  int           `cbor:"processed,omitempty"`
	Duration   time.Duration `cbor:"duration,omitempty"`

	// error (also reused by complete for the failure message)
	Error       string `cbor:"error,omitempty"`
	Recoverable bool   `cbor:"recoverable,omitempty"`

	// log
	Text string `cbor:"text,omitempty"`
}

// StatusMessage builds a status broadcast.
func StatusMessage(status string) Message {
	return Message{Type: MessageStatus, Status: status, Timestamp: time.Now()}
}

// ProgressMessage builds a progress broadcast.
func ProgressMessage(current, total int, phase string) Message {
	return Message{
		Type: MessageProgress, Current: current, Total: total,
		Phase: phase, Timestamp: time.Now(),
	}
}

// CompleteMessage builds a completion broadcast.
func CompleteMessage(success bool, processed int, duration time.Duration, errMsg string) Message {
	return Message{
		Type: MessageComplete, Success: success, Processed: processed,
		Duration: duration, Error: errMsg, Timestamp: time.Now(),
	}
}

// ErrorMessage builds an error broadcast.
func ErrorMessage(msg string, recoverable bool) Message {
	return Message{
		Type: MessageError, Error: msg, Recoverable: recoverable,
		Timestamp: time.Now(),
	}
}
