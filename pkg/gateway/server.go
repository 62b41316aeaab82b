package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/session"
)

// Runner executes one conversational turn. *agent.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, ec agent.ExecutionContext, input string) agent.Result
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// StreamDefault applies when the client does not pass ?stream=.
	StreamDefault bool
	// TokenBudget is passed to every run. Zero uses the runner default.
	TokenBudget  int64
	WriteTimeout time.Duration
	Runner       Runner
	Store        session.Store
	Limiter      *RateLimiter
	Logger       zerolog.Logger
}

// Server is the websocket gateway.
type Server struct {
	host          string
	port          int
	streamDefault bool
	tokenBudget   int64
	writeTimeout  time.Duration
	runner        Runner
	store         session.Store
	limiter       *RateLimiter
	auth          *AuthHandler
	coordinator   *Coordinator
	upgrader      websocket.Upgrader
	logger        zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(DefaultRateLimit, DefaultRateWindow)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	return &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		streamDefault: cfg.StreamDefault,
		tokenBudget:   cfg.TokenBudget,
		writeTimeout:  cfg.WriteTimeout,
		runner:        cfg.Runner,
		store:         cfg.Store,
		limiter:       cfg.Limiter,
		auth:          NewAuthHandler(cfg.SharedSecret),
		coordinator:   NewCoordinator(cfg.Logger),
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Coordinator returns the connection coordinator.
func (s *Server) Coordinator() *Coordinator {
	return s.coordinator
}

// Limiter returns the rate limiter.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": s.coordinator.Count(),
		})
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server: new connections are refused, in-flight
// runs get until ctx is done to finish, then every connection is closed.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.coordinator.Broadcast(errorFrame(MsgShuttingDown))

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.coordinator.closeAll()

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket authenticates the handshake, binds a session and serves
// the connection until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, MsgShuttingDown, http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	userID := strings.TrimSpace(q.Get("user_id"))
	if tenantID == "" || userID == "" {
		http.Error(w, "tenant_id and user_id are required", http.StatusBadRequest)
		return
	}
	if !s.auth.Verify(tenantID, userID, q.Get("token")) {
		s.logger.Warn().Str("tenant_id", tenantID).Str("user_id", userID).Msg("Handshake rejected: invalid token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	stream := s.streamDefault
	if v := q.Get("stream"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			stream = b
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate connection id")
		_ = ws.Close()
		return
	}
	conn := NewConnection(connID, ws, tenantID, userID)
	conn.Stream = stream
	conn.IPAddress = r.RemoteAddr
	conn.writeTimeout = s.writeTimeout

	ctx, cancel := context.WithCancel(tracing.WithConnectionID(context.Background(), connID))
	ctx = tracing.WithTenantID(ctx, tenantID)
	ctx = tracing.WithUserID(ctx, userID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	sess, err := s.bindSession(ctx, tenantID, userID, q.Get("session_id"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create session")
		_ = ws.WriteJSON(errorFrame("Failed to start session"))
		_ = ws.Close()
		cancel()
		return
	}
	conn.setSessionID(sess.ID)

	s.coordinator.Register(conn)
	logger.Info().
		Str("session_id", sess.ID).
		Bool("stream", stream).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	_ = s.coordinator.Send(connID, Frame{
		Type:      FrameConnected,
		SessionID: sess.ID,
		TenantID:  tenantID,
		UserID:    userID,
	})

	s.serve(ctx, cancel, conn)
}

// bindSession returns the requested session when it exists and belongs to
// the caller, otherwise a new one.
func (s *Server) bindSession(ctx context.Context, tenantID, userID, requested string) (*session.Session, error) {
	if requested != "" {
		if sess, ok := s.lookupSession(ctx, tenantID, userID, requested); ok {
			return sess, nil
		}
	}
	return s.store.CreateSession(ctx, tenantID, userID)
}

func (s *Server) lookupSession(ctx context.Context, tenantID, userID, id string) (*session.Session, bool) {
	if session.ValidateID(id) != nil {
		return nil, false
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Warn().Err(err).Str("session_id", id).Msg("Session lookup failed")
		}
		return nil, false
	}
	if !sess.OwnedBy(tenantID, userID) {
		return nil, false
	}
	return sess, true
}

// serve is the connection read loop. Runs started from it are awaited
// before the connection is unregistered.
func (s *Server) serve(ctx context.Context, cancel context.CancelFunc, conn *Connection) {
	var runs sync.WaitGroup
	logger := tracing.LoggerFromContext(ctx, s.logger)

	defer func() {
		cancel()
		runs.Wait()
		s.coordinator.Unregister(conn.ID)
		conn.close()
		logger.Info().Msg("Client disconnected")
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		conn.touch()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			observability.RecordFrame("in", "invalid")
			_ = s.coordinator.Send(conn.ID, errorFrame(MsgInvalidFrame))
			continue
		}
		observability.RecordFrame("in", f.Type)

		s.switchSession(ctx, conn, f.SessionID)

		switch f.Type {
		case FramePing:
			_ = s.coordinator.Send(conn.ID, Frame{Type: FramePong})
		case FrameCancel:
			if s.coordinator.Cancel(conn.ID) {
				logger.Info().Msg("Request cancelled by client")
			}
			_ = s.coordinator.Send(conn.ID, errorFrame(MsgCancelled))
		case FrameMessage:
			s.handleMessage(ctx, conn, f, &runs)
		default:
			_ = s.coordinator.Send(conn.ID, errorFrame(MsgUnknownFrame))
		}
	}
}

// switchSession moves the connection to id when it names another session
// the caller owns. Anything else is ignored.
func (s *Server) switchSession(ctx context.Context, conn *Connection, id string) {
	if id == "" || id == conn.SessionID() {
		return
	}
	if _, ok := s.lookupSession(ctx, conn.TenantID, conn.UserID, id); !ok {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Str("session_id", id).Msg("Ignoring switch to unknown session")
		return
	}
	conn.setSessionID(id)
}

func (s *Server) handleMessage(ctx context.Context, conn *Connection, f Frame, runs *sync.WaitGroup) {
	content := strings.TrimSpace(f.Content)
	if content == "" {
		_ = s.coordinator.Send(conn.ID, errorFrame(MsgEmptyMessage))
		return
	}

	if err := s.limiter.Check(conn.Identity()); err != nil {
		observability.RecordRateLimited()
		_ = s.coordinator.Send(conn.ID, errorFrame(MsgRateLimited))
		return
	}

	// Admitted before the next frame is read, so a following cancel always
	// sees this request.
	requestID := tracing.NewRequestID()
	s.coordinator.ResetCancel(conn.ID)
	s.coordinator.Admit(conn.ID, requestID)

	runs.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer runs.Done()
		defer s.inFlight.Done()
		defer s.coordinator.Done(conn.ID, requestID)
		s.run(ctx, conn, content, requestID)
	}()
}

// run executes one admitted message and reports its result.
func (s *Server) run(ctx context.Context, conn *Connection, content, requestID string) {
	sessionID := conn.SessionID()
	cancelled := func() bool { return s.coordinator.IsRequestCancelled(conn.ID, requestID) }

	ctx = tracing.WithRequestID(tracing.NewRequestContext(ctx), requestID)
	ctx, span := tracing.StartSpan(ctx, "parley.gateway", "gateway.message",
		attribute.String("connection_id", conn.ID),
		attribute.String("request_id", requestID),
	)
	defer span.End()

	ec := agent.ExecutionContext{
		TenantID:    conn.TenantID,
		UserID:      conn.UserID,
		SessionID:   sessionID,
		RequestID:   requestID,
		TokenBudget: s.tokenBudget,
		Stream:      conn.Stream,
		Sink:        &connSink{coordinator: s.coordinator, connID: conn.ID},
		Cancelled:   cancelled,
	}

	res := s.runner.Run(ctx, ec, content)

	switch {
	case res.Cancelled() || cancelled():
		// Acknowledged when the cancel frame arrived.
	case res.Err != nil:
		tracing.RecordError(span, res.Err)
		_ = s.coordinator.Send(conn.ID, errorFrame(agent.UserMessage(res.Err)))
	default:
		_ = s.coordinator.Send(conn.ID, Frame{
			Type:      FrameComplete,
			RequestID: requestID,
			SessionID: sessionID,
			Output:    res.Output,
		})
	}
}

// connSink streams run output to one connection.
type connSink struct {
	coordinator *Coordinator
	connID      string
}

func (s *connSink) Delta(requestID, delta string) {
	_ = s.coordinator.Send(s.connID, Frame{Type: FrameStream, Delta: delta, RequestID: requestID})
}

func (s *connSink) ToolUpdate(tool, status string) {
	_ = s.coordinator.Send(s.connID, Frame{Type: FrameToolUpdate, Tool: tool, Status: status})
}
