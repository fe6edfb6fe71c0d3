package coord

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// requestTimeout bounds a single non-waiting lock request round trip.
const requestTimeout = 10 * time.Second

// Subscriber receives broadcast messages relayed by the hub.
type Subscriber func(Message)

// Client is a foreground process's connection to the coordination hub.
// It implements Lock over the hub protocol and exposes publish/subscribe
// for cross-context broadcasts.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	subsMu sync.Mutex
	subs   map[int]Subscriber
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Dial connects to the hub at addr (host:port).
func Dial(ctx context.Context, addr string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[coord] ", log.LstdFlags)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub at %s: %w", addr, err)
	}
	conn.SetReadLimit(1 << 20)

	clientCtx, clientCancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan frame),
		subs:    make(map[int]Subscriber),
		ctx:     clientCtx,
		cancel:  clientCancel,
		logger:  logger,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Close disconnects from the hub.
func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
	return err
}

// readLoop routes responses to pending requests and broadcasts to
// subscribers until the connection closes.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.failPending()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Printf("Bad frame from hub: %v", err)
			continue
		}

		switch f.Kind {
		case frameResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case frameBroadcast:
			if f.Msg != nil {
				c.dispatch(*f.Msg)
			}
		}
	}
}

// failPending unblocks outstanding requests after a disconnect.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func (c *Client) dispatch(msg Message) {
	c.subsMu.Lock()
	subs := make([]Subscriber, 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// Subscribe registers a broadcast subscriber and returns an unsubscribe
// function.
func (c *Client) Subscribe(fn Subscriber) func() {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// Publish sends a broadcast message through the hub to every other client.
// Fire and forget: delivery is not awaited.
func (c *Client) Publish(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return c.send(frame{Kind: frameBroadcast, Msg: &msg})
}

// RequestSyncRun asks the daemon to run a sync after delay. Used by the
// page-teardown handoff and by the resume check.
func (c *Client) RequestSyncRun(full bool, delay time.Duration) error {
	return c.send(frame{Kind: frameSchedule, Full: full, DelayMS: delay.Milliseconds()})
}

// send writes one frame, serializing writes on the connection.
func (c *Client) send(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("failed to write to hub: %w", err)
	}
	return nil
}

// request performs a request/response round trip with the hub.
func (c *Client) request(ctx context.Context, f frame, timeout time.Duration) (frame, error) {
	f.Kind = frameRequest
	f.ID = uuid.NewString()

	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[f.ID] = ch
	c.pendingMu.Unlock()

	if err := c.send(f); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		return frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("hub connection lost")
		}
		return resp, nil
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		return frame{}, fmt.Errorf("hub request timed out")
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		return frame{}, ctx.Err()
	}
}

// TryAcquire implements Lock.
func (c *Client) TryAcquire(ctx context.Context, name string) (Releaser, error) {
	resp, err := c.request(ctx, frame{Op: opAcquire, Name: name}, requestTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("lock acquire failed: %s", resp.Err)
	}
	if !resp.OK {
		return nil, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, err := c.request(context.Background(), frame{Op: opRelease, Name: name}, requestTimeout)
			if err != nil {
				c.logger.Printf("Failed to release lock %s: %v", name, err)
			}
		})
	}, nil
}

// IsAvailable implements Lock.
func (c *Client) IsAvailable(ctx context.Context, name string) (bool, error) {
	resp, err := c.request(ctx, frame{Op: opQuery, Name: name}, requestTimeout)
	if err != nil {
		return false, err
	}
	return resp.Available, nil
}

// WaitForRelease implements Lock.
func (c *Client) WaitForRelease(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	resp, err := c.request(ctx, frame{Op: opWait, Name: name, TimeoutMS: timeout.Milliseconds()},
		timeout+requestTimeout)
	if err != nil {
		return err
	}
	switch resp.Err {
	case "":
		return nil
	case ErrLockTimeout.Error():
		return ErrLockTimeout
	default:
		// A hub-side failure (e.g. shutdown cancelling the wait) is not a
		// timeout.
		return fmt.Errorf("lock wait failed: %s", resp.Err)
	}
}

// EmergencyRelease implements Lock.
func (c *Client) EmergencyRelease(ctx context.Context, name string) error {
	_, err := c.request(ctx, frame{Op: opEmergency, Name: name}, requestTimeout)
	return err
}
