// Package visibility tracks whether this foreground process is currently
// visible to the user and fans the transitions out to subscribers. The
// daemon pauses periodic syncing while any foreground is visible, so every
// transition is also signalled to the coordination hub.
package visibility

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/linkmirror/linkmirror/internal/coord"
)

// Listener is invoked with the current visibility on subscribe and again
// on every transition.
type Listener func(visible bool)

// Unsubscribe removes a previously-registered listener. Safe to call more
// than once.
type Unsubscribe func()

// Coordinator is the per-process visibility service. One instance per
// foreground process.
type Coordinator struct {
	mu          sync.Mutex
	visible     bool
	listeners   map[int]Listener
	nextID      int
	initialized bool

	publish func(coord.Message)
	logger  *log.Logger
}

// New creates a coordinator that publishes foreground/background signals
// through publish (typically the hub client). publish may be nil when no
// daemon is reachable.
func New(publish func(coord.Message), logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[visibility] ", log.LstdFlags)
	}
	return &Coordinator{
		listeners: make(map[int]Listener),
		publish:   publish,
		logger:    logger,
	}
}

// Initialize marks the process visible and announces it. Idempotent.
func (c *Coordinator) Initialize() {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	c.mu.Unlock()

	c.SetVisible(true)
}

// Cleanup announces the process gone and drops all listeners. Idempotent.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	c.mu.Unlock()

	c.SetVisible(false)

	c.mu.Lock()
	c.listeners = make(map[int]Listener)
	c.mu.Unlock()
}

// IsVisible reports the current visibility.
func (c *Coordinator) IsVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// SetVisible records a visibility transition, notifies every subscriber,
// and signals the hub. Setting the current value is a no-op.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	if c.visible == visible {
		c.mu.Unlock()
		return
	}
	c.visible = visible
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(visible)
	}

	// The hub signal is independent of any subscriber.
	if c.publish != nil {
		msgType := coord.MessageBackground
		if visible {
			msgType = coord.MessageForeground
		}
		c.publish(coord.Message{Type: msgType, Timestamp: time.Now()})
	}
}

// Subscribe registers a listener and immediately delivers the current
// visibility to it.
func (c *Coordinator) Subscribe(l Listener) Unsubscribe {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	visible := c.visible
	c.mu.Unlock()

	l(visible)

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}
