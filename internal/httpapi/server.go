package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/livegate/internal/config"
	"github.com/ent0n29/livegate/internal/liveness"
	"github.com/ent0n29/livegate/internal/logging"
	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/protocol"
	"github.com/ent0n29/livegate/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive a user's camera
				// session if the service is exposed beyond localhost.
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

	r.Post("/v1/liveness/session", s.handleCreateSession)
	r.Get("/v1/liveness/session/ws", s.handleSessionWS)
	r.Get("/v1/liveness/session/{id}", s.handleGetSession)
	r.Post("/v1/liveness/session/{id}/start", s.handleStart)
	r.Post("/v1/liveness/session/{id}/reset", s.handleReset)
	r.Post("/v1/liveness/session/{id}/end", s.handleEndSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"verifier_provider": s.cfg.VerifierProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"verifier_provider": s.cfg.VerifierProvider,
	})
}

type createSessionResponse struct {
	session.Info
	EngagementDelayMS int64 `json:"engagement_delay_ms"`
	InactivityTTLMS   int64 `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	e := s.sessions.Create()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		Info:              e.Info(),
		EngagementDelayMS: s.cfg.EngagementDelay.Milliseconds(),
		InactivityTTLMS:   s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

type sessionStateResponse struct {
	Session session.Info      `json:"session"`
	State   liveness.Snapshot `json:"state"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sessionStateResponse{Session: e.Info(), State: e.Liveness.Snapshot()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	_ = s.sessions.Touch(e.ID)
	if err := e.Liveness.Start(r.Context()); err != nil {
		respondError(w, http.StatusConflict, startErrorCode(err), err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("started").Inc()
	respondJSON(w, http.StatusOK, sessionStateResponse{Session: e.Info(), State: e.Liveness.Snapshot()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	_ = s.sessions.Touch(e.ID)
	if err := e.Liveness.Reset(); err != nil {
		respondError(w, http.StatusConflict, "verify_in_progress", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("reset").Inc()
	respondJSON(w, http.StatusOK, sessionStateResponse{Session: e.Info(), State: e.Liveness.Snapshot()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, e.Info())
}

func (s *Server) entryFromPath(w http.ResponseWriter, r *http.Request) (*session.Entry, bool) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	e, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return e, true
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	e, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	wsLogger := logging.WithOperation(s.logger, "session_ws", sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLogger.Warn("websocket upgrade failed",
			zap.Error(logging.NewOperationError("ws_upgrade", sessionID, err)))
		return
	}
	defer conn.Close()
	wsLogger.Info("websocket connected")
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	done := make(chan struct{})
	outbound := make(chan any, 64)

	// Push every phase transition to this connection. Dropping on a full
	// queue keeps the state machine from ever blocking on a slow client;
	// the client can always re-sync via GET.
	e.Liveness.SetNotify(func(snap liveness.Snapshot) {
		for _, msg := range outboundForSnapshot(sessionID, snap, s.cfg.EngagementDelay) {
			select {
			case outbound <- msg:
			default:
				s.metrics.WSMessages.WithLabelValues("outbound", "dropped").Inc()
			}
		}
	})
	defer e.Liveness.SetNotify(nil)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-done:
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

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
			s.enqueue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		_ = s.sessions.Touch(sessionID)
		s.dispatch(r.Context(), e, parsed, outbound)
	}

	close(done)
	<-writerDone
	wsLogger.Info("websocket disconnected")
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) dispatch(ctx context.Context, e *session.Entry, parsed any, outbound chan<- any) {
	switch msg := parsed.(type) {
	case protocol.OrientationSample:
		e.Sensors.Publish(liveness.SensorSample{Yaw: msg.Yaw, Tilt: msg.Tilt, Roll: msg.Roll})
	case protocol.CameraFrame:
		data, err := base64.StdEncoding.DecodeString(msg.JPEGBase64)
		if err != nil {
			s.enqueue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: e.ID,
				Code:      "invalid_frame_encoding",
				Detail:    err.Error(),
			})
			return
		}
		mime := msg.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		if err := e.Frames.Push(liveness.EncodedImage{Data: data, MIMEType: mime}); err != nil {
			s.enqueue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: e.ID,
				Code:      "frame_rejected",
				Detail:    err.Error(),
			})
		}
	case protocol.ClientControl:
		switch msg.Action {
		case protocol.ActionStart:
			if err := e.Liveness.Start(ctx); err != nil {
				s.enqueue(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: e.ID,
					Code:      startErrorCode(err),
					Detail:    err.Error(),
				})
			} else {
				s.metrics.SessionEvents.WithLabelValues("started").Inc()
			}
		case protocol.ActionReset:
			if err := e.Liveness.Reset(); err != nil {
				s.enqueue(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: e.ID,
					Code:      "verify_in_progress",
					Detail:    err.Error(),
				})
			} else {
				s.metrics.SessionEvents.WithLabelValues("reset").Inc()
			}
		}
	}
}

func (s *Server) enqueue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		s.metrics.WSMessages.WithLabelValues("outbound", "dropped").Inc()
	}
}

// outboundForSnapshot maps one phase transition to the messages the client
// needs: always a state_changed, plus the richer event for challenge
// issuance, verdicts, and attempt errors.
func outboundForSnapshot(sessionID string, snap liveness.Snapshot, delay time.Duration) []any {
	msgs := []any{protocol.StateChanged{
		Type:      protocol.TypeStateChanged,
		SessionID: sessionID,
		Phase:     snap.Phase,
		Challenge: snap.Challenge,
		Verdict:   snap.Verdict,
		Err:       snap.Err,
	}}
	switch {
	case snap.Phase == liveness.PhaseChallengeIssued && snap.Challenge != nil:
		msgs = append(msgs, protocol.ChallengeIssued{
			Type:        protocol.TypeChallengeIssued,
			SessionID:   sessionID,
			ChallengeID: snap.Challenge.ID,
			Instruction: snap.Challenge.Instruction,
			Movement:    snap.Challenge.ExpectedMovement,
			HoldMS:      delay.Milliseconds(),
		})
	case snap.Phase.Terminal() && snap.Verdict != nil:
		msgs = append(msgs, protocol.VerdictReceived{
			Type:       protocol.TypeVerdictReceived,
			SessionID:  sessionID,
			IsLive:     snap.Verdict.IsLive,
			Confidence: snap.Verdict.Confidence,
			Reasoning:  snap.Verdict.Reasoning,
		})
	case snap.Phase == liveness.PhaseIdle && snap.Err != nil:
		msgs = append(msgs, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      string(snap.Err.Kind),
			Detail:    snap.Err.Message,
		})
	}
	return msgs
}

func startErrorCode(err error) string {
	if errors.Is(err, liveness.ErrAttemptInFlight) || errors.Is(err, liveness.ErrVerifyInProgress) {
		return "attempt_in_flight"
	}
	return "invalid_phase"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.OrientationSample:
		return m.Type, true
	case protocol.CameraFrame:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.ChallengeIssued:
		return m.Type, true
	case protocol.VerdictReceived:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
