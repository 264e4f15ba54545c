// Package ws handles the live client side of the hub: upgrading HTTP
// connections, multiplexing reads with epoll, tracking channels in the
// Registry and routing inbound frames through the Router.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/metrics"
	"github.com/mentorly/assistant-app/internal/protocol"
	"github.com/mentorly/assistant-app/internal/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusTryAgainLater is the close code sent when a project bucket is full.
const StatusTryAgainLater ws.StatusCode = 1013

// MaxFrameBytes bounds one inbound data frame.
const MaxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for direct replies
	Heartbeat      HeartbeatConfig
	FrameRule      ratelimit.Rule // per-connection inbound frame budget
	ConnectRule    ratelimit.Rule // per-user connect budget
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
		FrameRule:      ratelimit.RuleFrame,
		ConnectRule:    ratelimit.RuleConnect,
	}
}

// PresenceTracker records which connections are live on this server.
type PresenceTracker interface {
	Track(ctx context.Context, connectionID, userID, projectID string, connectedAt time.Time) error
	Untrack(ctx context.Context, connectionID, userID string) error
}

// Limiter decides whether an identifier is within a rule's budget.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// RemovalObserver is told about every connection that leaves the registry.
type RemovalObserver func(meta ConnectionMetadata, reason RemovalReason, at time.Time)

// Option configures optional Server collaborators.
type Option func(*Server)

// WithPresence enables presence tracking.
func WithPresence(p PresenceTracker) Option {
	return func(s *Server) { s.presence = p }
}

// WithLimiter enables inbound rate limiting.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithRemovalObserver adds an observer for registry removals.
func WithRemovalObserver(fn RemovalObserver) Option {
	return func(s *Server) { s.observers = append(s.observers, fn) }
}

// WithRoute mounts an extra HTTP handler next to the built-in routes.
func WithRoute(pattern string, h http.Handler) Option {
	return func(s *Server) { s.routes = append(s.routes, route{pattern, h}) }
}

type route struct {
	pattern string
	handler http.Handler
}

// Server upgrades HTTP connections to WebSocket, registers them with the
// Registry and epoll, and dispatches readable connections to a bounded
// worker pool that reads one frame and routes it.
type Server struct {
	config   ServerConfig
	registry *Registry
	router   *Router
	epoll    *Epoll
	log      *zap.Logger

	presence  PresenceTracker
	limiter   Limiter
	observers []RemovalObserver
	routes    []route

	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	ctx        context.Context // cancelled on Shutdown
	cancel     context.CancelFunc
	done       chan struct{}
	loopDone   chan struct{} // closed when the event loop returns
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server and its epoll instance. The server installs
// itself as the registry's removal hook.
func NewServer(config ServerConfig, registry *Registry, router *Router, log *zap.Logger, opts ...Option) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		registry:   registry,
		router:     router,
		epoll:      ep,
		log:        log.With(zap.String("component", "server")),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	registry.SetOnRemove(s.handleRemoval)
	return s, nil
}

// Handler returns the HTTP routes: /ws, /health, /metrics,
// /stats/users/{user_id} and any added with WithRoute.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /stats/users/{user_id}", s.handleUserStats)
	for _, rt := range s.routes {
		mux.Handle(rt.pattern, rt.handler)
	}
	return mux
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve starts the event loop and heartbeat and serves HTTP on l. It blocks
// until the listener fails or Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	go s.startEventLoop()
	s.startHeartbeat()

	s.log.Info("server listening",
		zap.String("addr", l.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_connections", s.config.MaxConnections))

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade validates the query, applies the global cap and the connect
// budget, upgrades the request and registers the connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	projectID := r.URL.Query().Get("project_id")
	if userID == "" || projectID == "" {
		http.Error(w, "user_id and project_id are required", http.StatusBadRequest)
		return
	}

	if s.registry.Count() >= s.config.MaxConnections {
		metrics.ConnectionsRejected.WithLabelValues("global_limit").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if !s.allow(r.Context(), userID, s.config.ConnectRule) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := NewConnection(uuid.NewString(), userID, projectID, conn)

	if err := s.registry.Connect(c, userID, projectID, c.ID); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			_ = c.Reject(StatusTryAgainLater, "too many connections for project")
		} else {
			_ = c.Close()
		}
		return
	}

	if err := s.epoll.Add(c); err != nil {
		s.log.Error("epoll add failed", zap.String("connection_id", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
		if err := s.presence.Track(ctx, c.ID, userID, projectID, c.CreatedAt); err != nil {
			s.log.Warn("presence track failed", zap.String("connection_id", c.ID), zap.Error(err))
		}
		cancel()
	}

	s.reply(c, protocol.Acknowledgment{
		Content: "connected",
		Data:    map[string]any{"connection_id": c.ID},
	})
}

// handleHealth reports global statistics and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
		GlobalStatistics
	}{
		Status:           "ok",
		Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
		GlobalStatistics: s.registry.GlobalStatistics(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUserStats reports one user's statistics.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.UserStatistics(r.PathValue("user_id")))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// startEventLoop hands every readable connection to a worker, bounded by the
// worker pool semaphore.
func (s *Server) startEventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			s.log.Error("epoll wait error", zap.Error(err))
			continue
		}

		for _, c := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection. Read errors other
// than a timeout remove the connection.
func (s *Server) handleConn(c *Connection) {
	// Level-triggered epoll may report the same fd to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer s.epoll.Resume(c)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// No data after a stale wakeup; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			payload, err := io.ReadAll(reader)
			if err == nil {
				err = c.writeControl(ws.NewPongFrame(payload), s.config.WriteTimeout)
			}
			if err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if header.Length > MaxFrameBytes {
		s.log.Info("frame too large",
			zap.String("connection_id", c.ID), zap.Int64("length", header.Length))
		_ = c.Reject(ws.StatusMessageTooBig, "frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.handleFrame(c, data)
}

// handleFrame applies the frame budget, routes the frame and writes the
// reply, if any.
func (s *Server) handleFrame(c *Connection, data []byte) {
	if !s.allow(s.ctx, c.ID, s.config.FrameRule) {
		s.reply(c, protocol.NewError(protocol.CodeRateLimited,
			"too many messages, slow down", protocol.RecoverRequestID(data)))
		return
	}

	resp := s.router.Handle(s.ctx, data, HandlerContext{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		ProjectID:    c.ProjectID,
	})
	if resp != nil {
		s.reply(c, resp)
	}
}

// reply sends msg to one connection, counting it against that connection's
// metadata. A failed write removes the connection.
func (s *Server) reply(c *Connection, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("reply not serializable", zap.String("connection_id", c.ID), zap.Error(err))
		return
	}

	ctx := s.ctx
	if s.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.config.WriteTimeout)
		defer cancel()
	}
	if err := c.Send(ctx, data); err != nil {
		s.log.Debug("reply failed", zap.String("connection_id", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}
	s.registry.recordSend(c.ID)
}

func (s *Server) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil || rule.Limit <= 0 {
		return true
	}
	ok, err := s.limiter.Allow(ctx, identifier, rule)
	if err != nil {
		s.log.Debug("rate limiter unavailable, allowing",
			zap.String("rule", rule.Key), zap.Error(err))
	}
	return ok
}

// RemoveConnection disconnects c from the registry and closes it. Racing
// callers (read error, heartbeat, failed reply) are safe; only the first
// one triggers the removal hook.
func (s *Server) RemoveConnection(c *Connection) {
	if _, _, err := s.registry.Disconnect(c.ID); err != nil {
		// Already gone; make sure the transport side is released too.
		_ = s.epoll.Remove(c)
	}
	_ = c.Close()
}

// handleRemoval is the registry removal hook. It runs once per removed
// connection, outside the registry lock.
func (s *Server) handleRemoval(ch Channel, meta ConnectionMetadata, reason RemovalReason) {
	if c, ok := ch.(*Connection); ok {
		if err := s.epoll.Remove(c); err != nil {
			s.log.Debug("epoll remove failed", zap.String("connection_id", c.ID), zap.Error(err))
		}
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Untrack(ctx, meta.ConnectionID, meta.UserID); err != nil {
			s.log.Warn("presence untrack failed",
				zap.String("connection_id", meta.ConnectionID), zap.Error(err))
		}
		cancel()
	}

	now := time.Now()
	for _, fn := range s.observers {
		fn(meta, reason, now)
	}
}

// Registry returns the server's connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Shutdown stops the HTTP listener and the event loop, then closes every
// connection through the registry so presence and audit hooks run.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.log.Info("shutting down server")
		close(s.done)
		s.cancel()

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}

		for _, c := range s.epoll.Snapshot() {
			s.RemoveConnection(c)
		}
		_ = s.epoll.Close()

		s.log.Info("server stopped")
	})
	return err
}
