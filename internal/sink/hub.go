package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/blecentral/internal/ble"
)

// HubOptions configures a Hub.
type HubOptions struct {
	Path         string        // HTTP path clients connect to (default "/events")
	WriteTimeout time.Duration // per-client write deadline (default 100ms)
	PingInterval time.Duration // keepalive ping period (default 30s)
}

// DefaultHubOptions returns sensible defaults.
func DefaultHubOptions() HubOptions {
	return HubOptions{
		Path:         "/events",
		WriteTimeout: 100 * time.Millisecond,
		PingInterval: 30 * time.Second,
	}
}

// Hub broadcasts encoded events to every connected WebSocket client.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader

	// sendMu keeps one writer per connection.
	sendMu sync.Mutex

	mu      sync.Mutex
	clients map[*websocket.Conn]chan struct{}
}

var _ Sink = (*Hub)(nil)

// NewHub creates a Hub with no clients.
func NewHub(opts HubOptions) *Hub {
	def := DefaultHubOptions()
	if opts.Path == "" {
		opts.Path = def.Path
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[BLE] websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.AddClient(conn)
}

// AddClient registers conn and starts its keepalive and read loops.
func (h *Hub) AddClient(conn *websocket.Conn) {
	done := make(chan struct{})
	h.mu.Lock()
	h.clients[conn] = done
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("[BLE] websocket client connected", "remote", conn.RemoteAddr().String(), "clients", n)

	go h.readLoop(conn)
	go h.pingLoop(conn, done)
}

// RemoveClient unregisters and closes conn.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	done, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	close(done)
	conn.Close()
	slog.Info("[BLE] websocket client disconnected", "remote", conn.RemoteAddr().String())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// readLoop discards client messages so control frames are processed, and
// removes the client once the connection fails.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.RemoveClient(conn)
			return
		}
	}
}

func (h *Hub) pingLoop(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(h.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.RemoveClient(conn)
				return
			}
		}
	}
}

// Broadcast writes msg to every client concurrently. Clients that fail the
// write are dropped.
func (h *Hub) Broadcast(msg []byte) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, c := range failed {
		h.RemoveClient(c)
	}
}

// Send encodes ev and broadcasts it.
func (h *Hub) Send(ev ble.Event) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	h.Broadcast(b)
	return nil
}

// Serve listens on addr until ctx is done, then closes every client.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(h.opts.Path, h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("[BLE] websocket hub listening", "addr", addr, "path", h.opts.Path)

	select {
	case err := <-errCh:
		return fmt.Errorf("sink: serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.closeAll()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("sink: shutdown: %w", err)
	}
	return nil
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.RemoveClient(c)
	}
}
