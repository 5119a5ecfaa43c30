package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/service/admission"
	"github.com/krobus00/stream-gateway/internal/service/streaming"
	"github.com/sirupsen/logrus"
)

type Mode string

const (
	// ModeLegacy writes straight to the socket from the calling goroutine.
	ModeLegacy Mode = "legacy"
	// ModeGateway queues writes to a per-client writer goroutine.
	ModeGateway Mode = "gateway"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultSendBuffer   = 256
	maxMessageSize      = 64 << 10
)

type Protocol interface {
	Connect(ctx context.Context, connID string, handshake streaming.Handshake) admission.Decision
	Subscribe(ctx context.Context, connID string, req streaming.SubscribeRequest) streaming.Ack
	PushSnapshot(connID string, req streaming.SubscribeRequest)
	Unsubscribe(connID string, req streaming.UnsubscribeRequest) streaming.Ack
	Disconnect(connID string)
}

// RoomIndex answers room membership from the client state.
type RoomIndex interface {
	Subscribers(topic string) []string
	Get(connID string) (*entity.ClientConnection, bool)
}

// Router reports the mount path of the server currently receiving traffic.
type Router interface {
	ActivePath() (string, bool)
}

// Option configures a Server.
type Option func(*Server)

// WithRouter makes the server refuse handshakes while another path is active.
func WithRouter(router Router) Option {
	return func(s *Server) {
		s.router = router
	}
}

type Config struct {
	Path           string
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Server is a websocket stream server. It satisfies entity.StreamServer.
type Server struct {
	mode     Mode
	cfg      Config
	protocol Protocol
	rooms    RoomIndex
	router   Router
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[string]*client
	initialized atomic.Bool
}

func NewLegacyServer(cfg Config, protocol Protocol, rooms RoomIndex, opts ...Option) *Server {
	return newServer(ModeLegacy, cfg, protocol, rooms, opts...)
}

func NewGatewayServer(cfg Config, protocol Protocol, rooms RoomIndex, opts ...Option) *Server {
	return newServer(ModeGateway, cfg, protocol, rooms, opts...)
}

func newServer(mode Mode, cfg Config, protocol Protocol, rooms RoomIndex, opts ...Option) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	s := &Server{
		mode:     mode,
		cfg:      cfg,
		protocol: protocol,
		rooms:    rooms,
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount registers the server on mux and marks it initialized.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle(s.cfg.Path, s)
	s.initialized.Store(true)
	logrus.WithFields(logrus.Fields{
		"mode": s.mode,
		"path": s.cfg.Path,
	}).Info("stream server mounted")
}

func (s *Server) Mode() Mode {
	return s.mode
}

func (s *Server) Path() string {
	return s.cfg.Path
}

func (s *Server) Initialized() bool {
	return s.initialized.Load()
}

func (s *Server) ConnectedClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Topics lists the rooms joined by clients attached to this server.
func (s *Server) Topics() ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, id := range ids {
		conn, ok := s.rooms.Get(id)
		if !ok {
			continue
		}
		for _, topic := range conn.Topics() {
			set[topic] = struct{}{}
		}
	}

	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics, nil
}

func (s *Server) IsConnected(clientID string) bool {
	c, ok := s.client(clientID)
	return ok && !c.closed()
}

func (s *Server) SendToClient(clientID, event string, payload any) error {
	c, ok := s.client(clientID)
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, errClientClosed)
	}

	message, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return s.write(c, message)
}

// SendToRoom delivers to every local subscriber of room. Failed recipients
// are reported together.
func (s *Server) SendToRoom(room, event string, payload any) error {
	message, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range s.rooms.Subscribers(room) {
		c, ok := s.client(id)
		if !ok {
			continue
		}
		if err := s.write(c, message); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) write(c *client, message []byte) error {
	if s.mode == ModeGateway {
		return c.enqueue(message)
	}
	return c.writeDirect(message, s.cfg.WriteTimeout)
}

func (s *Server) client(id string) (*client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	handshake := streaming.Handshake{
		Headers:  r.Header.Clone(),
		Query:    r.URL.Query(),
		RemoteIP: infrastructure.ClientIPFromRequest(r),
		Path:     s.cfg.Path,
	}

	logger := logrus.WithFields(logrus.Fields{
		"mode":      s.mode,
		"conn_id":   connID,
		"remote_ip": handshake.RemoteIP,
	})

	if activePath, ok := s.inactive(); ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":       streaming.ErrServerInactive.Error(),
			"active_path": activePath,
		})
		return
	}

	decision := s.protocol.Connect(r.Context(), connID, handshake)
	if !decision.Allowed {
		writeJSON(w, admissionStatus(decision.Err), map[string]any{"error": errorMessage(decision.Err)})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		s.protocol.Disconnect(connID)
		return
	}

	buffer := 0
	if s.mode == ModeGateway {
		buffer = s.cfg.SendBuffer
	}
	c := newClient(connID, conn, buffer)
	s.attach(c)
	defer func() {
		s.detach(c)
		s.protocol.Disconnect(connID)
		c.close()
	}()

	if s.mode == ModeGateway {
		go c.writePump(s.cfg.WriteTimeout)
	}
	go c.pingLoop(s.cfg.PingInterval, s.cfg.WriteTimeout)

	welcome := map[string]any{"conn_id": connID, "mode": s.mode, "warnings": decision.Warnings}
	if err := s.SendToClient(connID, entity.EventWelcome, welcome); err != nil {
		logger.Warnf("send welcome failed: %v", err)
		return
	}

	s.readLoop(r.Context(), c, logger)
}

// inactive reports whether another server owns the traffic, and its path.
func (s *Server) inactive() (string, bool) {
	if s.router == nil {
		return "", false
	}
	activePath, ok := s.router.ActivePath()
	if !ok || activePath == s.cfg.Path {
		return "", false
	}
	return activePath, true
}

func (s *Server) readLoop(ctx context.Context, c *client, logger *logrus.Entry) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	// the request context ends with the hijacked connection's handler
	ctx = context.WithoutCancel(ctx)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				logger.Debugf("websocket read ended: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		s.handleMessage(ctx, c, message, logger)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *client, message []byte, logger *logrus.Entry) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		_ = s.SendToClient(c.id, entity.EventError, map[string]any{"error": "invalid message"})
		return
	}

	var (
		reply    any
		snapshot *streaming.SubscribeRequest
	)
	switch strings.ToLower(strings.TrimSpace(env.Event)) {
	case entity.EventSubscribe:
		var req streaming.SubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			reply = map[string]any{"error": "invalid subscribe payload"}
			break
		}
		ack := s.protocol.Subscribe(ctx, c.id, req)
		if ack.Accepted {
			snapshot = &req
		}
		reply = ack
	case entity.EventUnsubscribe:
		var req streaming.UnsubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			reply = map[string]any{"error": "invalid unsubscribe payload"}
			break
		}
		reply = s.protocol.Unsubscribe(c.id, req)
	case entity.EventPing:
		if err := s.SendToClient(c.id, entity.EventPong, map[string]any{"timestamp": time.Now().UTC()}); err != nil {
			logger.Debugf("send pong failed: %v", err)
		}
		return
	default:
		_ = s.SendToClient(c.id, entity.EventError, map[string]any{"error": fmt.Sprintf("unknown event %q", env.Event)})
		return
	}

	event := entity.EventAck
	if _, ok := reply.(streaming.Ack); !ok {
		event = entity.EventError
	}
	if err := s.SendToClient(c.id, event, reply); err != nil {
		logger.Debugf("send %s failed: %v", event, err)
		return
	}

	if snapshot != nil {
		s.protocol.PushSnapshot(c.id, *snapshot)
	}
}

func (s *Server) attach(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	infrastructure.ConnectedClients.WithLabelValues(string(s.mode)).Set(float64(count))
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()

	infrastructure.ConnectedClients.WithLabelValues(string(s.mode)).Set(float64(count))
}

// Shutdown closes every attached client.
func (s *Server) Shutdown(_ context.Context) error {
	s.initialized.Store(false)

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		c.close()
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}

	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func admissionStatus(err error) int {
	switch {
	case errors.Is(err, admission.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, admission.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, admission.ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusConflict
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "connection refused"
	}
	return admission.Reason(err)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
