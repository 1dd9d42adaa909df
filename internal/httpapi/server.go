package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/memory"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/profile"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
)

const (
	setupTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
	writeTimeout = 10 * time.Second
)

type Orchestrator interface {
	RunConnection(ctx context.Context, setup protocol.Setup, inbound <-chan any, outbound chan<- any) error
	Turns(callSID string) ([]convo.Turn, bool)
	Terminate(callSID string) bool
}

type Deps struct {
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Schemas      *memory.Registry
	Profiles     profile.Store
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	schemas      *memory.Registry
	profiles     profile.Store
	metrics      *observability.Metrics
	log          *zap.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		sessions:     deps.Sessions,
		orchestrator: deps.Orchestrator,
		schemas:      deps.Schemas,
		profiles:     deps.Profiles,
		metrics:      deps.Metrics,
		log:          log.With(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// The relay does not send an Origin header.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/relay/ws", s.handleRelayWS)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/turns", s.handleSessionTurns)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	r.Get("/v1/memory/schemas", s.handleListSchemas)
	r.Get("/v1/memory/schemas/{id}", s.handleGetSchema)
	r.Put("/v1/memory/schemas/{id}", s.handlePutSchema)
	r.Delete("/v1/memory/schemas/{id}", s.handleDeleteSchema)
	r.Post("/v1/memory/schemas/{id}/active", s.handleSetSchemaActive)

	r.Get("/v1/profiles/{userID}", s.handleGetProfile)
	r.Get("/v1/profiles/{userID}/events", s.handleProfileEvents)
	r.Get("/v1/profiles/{userID}/turns", s.handleProfileTurns)

	r.Get("/v1/perf/rounds", s.handlePerfRounds)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"mock_provider": s.cfg.MockProvider(),
		"profile_store": storeMode(s.cfg.DatabaseURL),
	})
}

// handleRelayWS serves one ConversationRelay connection. The first text
// frame must be the setup message; it names the call.
func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(2 << 20)
	setup, err := readSetup(conn)
	if err != nil {
		s.log.Warn("relay connection rejected", zap.Error(err))
		s.metrics.ObserveSessionEvent("setup_rejected")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "setup required"),
			time.Now().Add(time.Second))
		return
	}
	s.metrics.ObserveWSMessage("inbound", string(protocol.TypeSetup))

	s.sessions.Create(setup.CallSID, setup.From, setup.To)
	s.metrics.SessionStarted()
	s.metrics.ObserveSessionEvent("ws_connected")
	log := s.log.With(zap.String("call_sid", setup.CallSID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.orchestrator.RunConnection(ctx, setup, inbound, outbound); err != nil {
			log.Error("relay connection failed", zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the socket unblocks the read loop once the call is over.
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-runDone:
				s.drain(conn, outbound)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			case msg := <-outbound:
				if !s.write(conn, msg) {
					cancel()
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			log.Warn("invalid relay message", zap.Error(err))
			s.metrics.ObserveWSMessage("inbound", "invalid")
			continue
		}
		s.metrics.ObserveWSMessage("inbound", messageTypeOf(parsed))
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone

	if _, err := s.sessions.End(setup.CallSID, "hangup"); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn("end session failed", zap.Error(err))
	}
	s.metrics.SessionEnded()
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) write(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.ObserveSessionEvent("ws_write_error")
		return false
	}
	s.metrics.ObserveWSMessage("outbound", messageTypeOf(msg))
	return true
}

// drain flushes queued outbound messages, such as a final end message.
func (s *Server) drain(conn *websocket.Conn, outbound <-chan any) {
	for {
		select {
		case msg := <-outbound:
			if !s.write(conn, msg) {
				return
			}
		default:
			return
		}
	}
}

func readSetup(conn *websocket.Conn) (protocol.Setup, error) {
	_ = conn.SetReadDeadline(time.Now().Add(setupTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Setup{}, err
	}
	if msgType != websocket.TextMessage {
		return protocol.Setup{}, errors.New("setup must be a text frame")
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.Setup{}, err
	}
	setup, ok := parsed.(protocol.Setup)
	if !ok {
		return protocol.Setup{}, errors.New("first message must be setup")
	}
	return setup, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func storeMode(databaseURL string) string {
	switch {
	case databaseURL == "":
		return "in-memory"
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite"
	default:
		return "postgres"
	}
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.Setup:
		return string(m.Type)
	case protocol.Prompt:
		return string(m.Type)
	case protocol.Interrupt:
		return string(m.Type)
	case protocol.DTMF:
		return string(m.Type)
	case protocol.Error:
		return string(m.Type)
	case protocol.Text:
		return string(m.Type)
	case protocol.End:
		return string(m.Type)
	default:
		return "unknown"
	}
}
