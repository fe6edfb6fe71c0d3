package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// HubConfig holds hub configuration.
type HubConfig struct {
	// Addr to listen on, e.g. "127.0.0.1:7337".
	Addr string

	// Locks is the named-mutex table the hub serves. Required.
	Locks *Manager

	// OnSchedule is invoked when a client requests a deferred or
	// immediate sync run (the teardown handoff path). Optional.
	OnSchedule func(full bool, delay time.Duration)

	// OnVisibility is invoked with the number of visible foreground
	// clients after every foreground/background transition. Optional.
	OnVisibility func(visible int)

	// Logger for hub activity (default: stderr logger).
	Logger *log.Logger
}

// hubClient tracks one connected process.
type hubClient struct {
	id      string
	visible bool
	writeMu sync.Mutex
}

// Hub is the daemon-side coordination service: it serves lock operations
// against the shared Manager and relays broadcast messages between every
// connected process.
type Hub struct {
	cfg      HubConfig
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]*hubClient
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a hub serving cfg.Locks on cfg.Addr.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Locks == nil {
		return nil, fmt.Errorf("lock manager cannot be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7337"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[hub] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       cfg,
		clients:   make(map[*websocket.Conn]*hubClient),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}, nil
}

// Start begins listening and serving hub connections.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.Addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)

	h.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go h.broadcastLoop()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Coordination hub listening on %s", ln.Addr())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("Hub server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the hub.
func (h *Hub) Stop() error {
	h.logger.Println("Stopping coordination hub")
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	h.wg.Wait()
	return nil
}

// Addr returns the hub's listening address.
func (h *Hub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.cfg.Addr
}

// Broadcast relays a message to every connected client. Used by the
// background scheduler to publish its status/progress.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// VisibleClients returns the number of foreground clients currently
// reporting themselves visible.
func (h *Hub) VisibleClients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.visible {
			n++
		}
	}
	return n
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// broadcastLoop fans queued messages out to every connected client.
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.broadcast:
			h.fanOut(msg, nil)
		}
	}
}

// fanOut sends a broadcast frame to every client except origin.
func (h *Hub) fanOut(msg Message, origin *websocket.Conn) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := encodeFrame(frame{Kind: frameBroadcast, Msg: &msg})
	if err != nil {
		h.logger.Printf("Failed to encode broadcast: %v", err)
		return
	}

	h.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		if conn != origin {
			conns = append(conns, conn)
		}
	}
	h.clientsMu.RUnlock()

	for _, conn := range conns {
		if err := h.write(conn, data); err != nil {
			h.logger.Printf("Failed to send to client: %v", err)
			h.removeClient(conn)
		}
	}
}

// write sends one frame to a client, serializing writes per connection.
func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	h.clientsMu.RLock()
	client := h.clients[conn]
	h.clientsMu.RUnlock()
	if client == nil {
		return fmt.Errorf("client gone")
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

// handleWebSocket upgrades a connection and starts its read loop.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local-only listener
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	client := &hubClient{id: uuid.NewString()}

	h.clientsMu.Lock()
	h.clients[conn] = client
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Client %s connected (total: %d)", shortID(client.id), count)

	go h.readLoop(conn, client)
}

// readLoop processes frames from one client until it disconnects.
func (h *Hub) readLoop(conn *websocket.Conn, client *hubClient) {
	defer func() {
		h.removeClient(conn)
		// A client that vanished mid-run must not wedge the lock table.
		h.cfg.Locks.ReleaseAllHeldBy(client.id)
		h.notifyVisibility()
	}()

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			h.logger.Printf("Bad frame from client %s: %v", shortID(client.id), err)
			continue
		}

		switch f.Kind {
		case frameRequest:
			h.handleRequest(conn, client, f)
		case frameBroadcast:
			if f.Msg != nil {
				h.handleClientBroadcast(conn, client, *f.Msg)
			}
		case frameSchedule:
			if h.cfg.OnSchedule != nil {
				h.cfg.OnSchedule(f.Full, time.Duration(f.DelayMS)*time.Millisecond)
			}
		default:
			h.logger.Printf("Unknown frame kind %q from client %s", f.Kind, shortID(client.id))
		}
	}
}

// handleRequest applies one lock operation and responds on the same
// connection. Wait operations block, so they run in their own goroutine.
func (h *Hub) handleRequest(conn *websocket.Conn, client *hubClient, f frame) {
	respond := func(resp frame) {
		resp.Kind = frameResponse
		resp.ID = f.ID
		data, err := encodeFrame(resp)
		if err != nil {
			h.logger.Printf("Failed to encode response: %v", err)
			return
		}
		if err := h.write(conn, data); err != nil {
			h.removeClient(conn)
		}
	}

	switch f.Op {
	case opAcquire:
		respond(frame{OK: h.cfg.Locks.TryAcquire(f.Name, client.id)})
	case opRelease:
		h.cfg.Locks.Release(f.Name, client.id)
		respond(frame{OK: true})
	case opQuery:
		respond(frame{OK: true, Available: h.cfg.Locks.IsAvailable(f.Name)})
	case opEmergency:
		h.cfg.Locks.EmergencyRelease(f.Name)
		respond(frame{OK: true})
	case opWait:
		go func() {
			err := h.cfg.Locks.AwaitRelease(h.ctx, f.Name, f.timeout())
			if err != nil {
				respond(frame{Err: err.Error()})
				return
			}
			respond(frame{OK: true})
		}()
	default:
		respond(frame{Err: fmt.Sprintf("unknown lock op %q", f.Op)})
	}
}

// handleClientBroadcast relays a client's broadcast and tracks visibility
// transitions.
func (h *Hub) handleClientBroadcast(origin *websocket.Conn, client *hubClient, msg Message) {
	switch msg.Type {
	case MessageForeground:
		client.visible = true
		h.notifyVisibility()
	case MessageBackground:
		client.visible = false
		h.notifyVisibility()
	}

	h.fanOut(msg, origin)
}

func (h *Hub) notifyVisibility() {
	if h.cfg.OnVisibility != nil {
		h.cfg.OnVisibility(h.VisibleClients())
	}
}

// removeClient safely removes a client connection.
func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	client, exists := h.clients[conn]
	if exists {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client %s disconnected (total: %d)", shortID(client.id), count)
	}
}

// handleHealth returns hub health status.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": h.ClientCount(),
		"visible": h.VisibleClients(),
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
