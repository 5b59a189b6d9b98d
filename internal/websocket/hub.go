package websocket

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/samber/lo"

	"chatrelay/internal/bus"
	"chatrelay/internal/identity"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ratelimit"
)

type Options struct {
	// SendBuffer bounds the frames queued per connection; a connection
	// that falls this far behind is closed.
	SendBuffer int
	// VerifyToken resolves the handshake token and requires it to belong
	// to the claimed userId.
	VerifyToken    bool
	AllowedOrigins []string
	Limiter        *ratelimit.KeyLimiter
}

// Hub terminates realtime connections and attaches each one to its
// owner's topic on the bus.
type Hub struct {
	bus      bus.Bus
	resolver identity.Resolver
	opts     Options
	upgrader gorilla.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics

	nextID atomic.Uint64

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

func NewHub(b bus.Bus, resolver identity.Resolver, opts Options, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	h := &Hub{
		bus:      b,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With("component", "gateway"),
		metrics:  m,
		clients:  make(map[*Client]struct{}),
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(h.opts.AllowedOrigins, origin)
}

// ServeWS performs the handshake. Every rejection happens before the
// upgrade, so a refused connection never touches the bus.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.opts.Limiter.Allow(clientIP(r), time.Now()) {
		h.reject(w, r, http.StatusTooManyRequests, "rate_limited")
		return
	}

	token := r.URL.Query().Get("token")
	userID := r.URL.Query().Get("userId")
	if token == "" || userID == "" {
		h.reject(w, r, http.StatusUnauthorized, "missing_credentials")
		return
	}

	var username string
	if h.opts.VerifyToken {
		user, err := h.resolver.Resolve(r.Context(), token)
		if err != nil {
			h.reject(w, r, http.StatusUnauthorized, "invalid_token")
			return
		}
		if user.ID != userID {
			h.reject(w, r, http.StatusForbidden, "identity_mismatch")
			return
		}
		username = user.Username
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		h.reject(w, r, http.StatusServiceUnavailable, "shutting_down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		h.metrics.HandshakeRejected("upgrade_failed")
		return
	}

	client := NewClient(h, conn, userID, username, h.opts.SendBuffer)
	if err := h.Register(client); err != nil {
		h.logger.Error("register failed", "user_id", userID, "error", err)
		client.shutdown()
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Hub) reject(w http.ResponseWriter, r *http.Request, status int, reason string) {
	h.metrics.HandshakeRejected(reason)
	h.logger.Info("handshake rejected", "remote", r.RemoteAddr, "reason", reason)
	http.Error(w, http.StatusText(status), status)
}

// Register subscribes client to its user topic.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("gateway closed")
	}
	if err := h.bus.Subscribe(client.topic, client); err != nil {
		return err
	}
	h.clients[client] = struct{}{}
	h.metrics.ConnectionOpened()
	h.logger.Info("client connected",
		"client_id", client.id,
		"user_id", client.userID,
		"username", client.username,
		"total", len(h.clients))
	return nil
}

// Unregister removes client from its topic. Calling it for a client that
// is not registered does nothing.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.bus.Unsubscribe(client.topic, client)
	delete(h.clients, client)
	h.metrics.ConnectionClosed()
	h.logger.Info("client disconnected",
		"client_id", client.id,
		"user_id", client.userID,
		"remaining", len(h.clients))
}

func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops accepting connections and closes the open ones. Each
// connection unregisters itself as its read loop exits.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := lo.Keys(h.clients)
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

func (h *Hub) newClientID() string {
	return fmt.Sprintf("c%d", h.nextID.Add(1))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
