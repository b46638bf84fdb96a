package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmarchetti/vela/internal/config"
	"github.com/dmarchetti/vela/internal/observability"
	"github.com/dmarchetti/vela/internal/protocol"
	"github.com/dmarchetti/vela/internal/relay"
)

const secretHeader = "X-Session-Secret"

type Server struct {
	cfg      config.Config
	sessions *relay.Manager
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *relay.Manager, metrics *observability.Metrics, latency *observability.LatencyWindow) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		latency:  latency,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Other websites must
				// not be able to drive a relay session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

	r.Post("/v1/relay/session", s.handleCreateSession)
	r.Post("/v1/relay/session/{id}/close", s.handleCloseSession)
	r.Get("/v1/relay/session/{id}/transcripts", s.handleTranscripts)
	r.Get("/v1/relay/session/ws", s.handleSessionWS)
	r.Get("/v1/relay/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.Count(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.sessions.Create(r.Context(), req.SessionID, req.SystemInstruction)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrConflict):
			respondError(w, http.StatusConflict, "session_conflict", "session id already in use")
		case errors.Is(err, relay.ErrAtCapacity):
			respondError(w, http.StatusServiceUnavailable, "at_capacity", "no session slots available")
		default:
			respondError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	// Close is idempotent, so an already-gone session is a success; a live
	// session still demands the right secret.
	if s.sessions.Has(id) && !s.sessions.ValidateSecret(id, r.Header.Get(secretHeader)) {
		respondError(w, http.StatusUnauthorized, "invalid_secret", "secret mismatch")
		return
	}

	s.sessions.Close(id)
	respondJSON(w, http.StatusOK, map[string]any{"status": "closed", "session_id": id})
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if !s.sessions.ValidateSecret(id, r.Header.Get(secretHeader)) {
		respondError(w, http.StatusUnauthorized, "invalid_secret", "secret mismatch")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.sessions.Transcripts(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "transcripts": records})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if !s.sessions.ValidateSecret(sessionID, r.URL.Query().Get("secret")) {
		respondError(w, http.StatusUnauthorized, "invalid_secret", "secret mismatch")
		return
	}

	events, err := s.sessions.Subscribe(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)

	// Event pump: reframe upstream events for the client. The channel
	// closes on session teardown, which ends the connection.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					cancel()
					return
				}
				msg := protocol.FromUpstreamEvent(sessionID, ev)
				if msg == nil {
					continue
				}
				select {
				case outbound <- msg:
				default:
					s.metrics.DroppedEvents.Inc()
				}
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
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
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		if done := s.dispatch(ctx, sessionID, parsed, outbound); done {
			break readLoop
		}
	}

	cancel()
	<-pumpDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// dispatch forwards one parsed client message to the session manager.
// Returns true when the connection should end.
func (s *Server) dispatch(ctx context.Context, sessionID string, msg any, outbound chan<- any) bool {
	var err error
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		err = s.sessions.SendAudio(ctx, sessionID, m.PCM16Base64, m.MimeType)
	case protocol.ClientText:
		err = s.sessions.SendText(ctx, sessionID, m.Text)
	case protocol.ClientAudioEnd:
		err = s.sessions.SendAudioEnd(ctx, sessionID)
	case protocol.ClientControl:
		if m.Action == "close" {
			s.sessions.Close(sessionID)
			return true
		}
		err = errors.New("unknown control action: " + m.Action)
	}

	if err == nil {
		return false
	}
	if errors.Is(err, relay.ErrNotFound) {
		// Session died underneath the stream; the final closed event (if
		// any) is already on its way through the pump.
		return true
	}
	errEvent := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      "send_failed",
		Detail:    err.Error(),
	}
	select {
	case outbound <- errEvent:
	default:
	}
	return false
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
	respondJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientAudioEnd:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.Transcription:
		return m.Type, true
	case protocol.ToolCall:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
