// Package server exposes an Enforcer over HTTP.
//
// Callers are identified by the X-User-ID header, and optionally X-User-Plan,
// which an authenticating gateway in front of chatmeterd is expected to set.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/ineyio/chatmeter"
)

const (
	headerUserID = "X-User-ID"
	headerPlan   = "X-User-Plan"

	maxBodyBytes = 1 << 20
)

// Server serves the chat, usage and model endpoints.
type Server struct {
	enforcer     *chatmeter.Enforcer
	catalog      *chatmeter.Catalog
	limiter      *userLimiter
	defaultModel string
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit caps each user at perSec requests per second with the given
// burst, at least 1. A zero rate leaves requests unthrottled.
func WithRateLimit(perSec float64, burst int) Option {
	return func(s *Server) {
		if perSec > 0 {
			s.limiter = newUserLimiter(perSec, max(burst, 1))
		}
	}
}

// WithDefaultModel sets the model used when a chat request names none.
func WithDefaultModel(model string) Option {
	return func(s *Server) { s.defaultModel = model }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(enforcer *chatmeter.Enforcer, catalog *chatmeter.Catalog, opts ...Option) *Server {
	s := &Server{
		enforcer: enforcer,
		catalog:  catalog,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/models", s.handleModels)
		r.Get("/usage", s.handleUsage)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.middleware)
			}
			r.Post("/chat", s.handleChat)
			r.Post("/chat/stream", s.handleChatStream)
		})
	})
	return r
}

type userKey struct{}

type planKey struct{}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// ContextPlans resolves the plan carried by X-User-Plan and defers to
// fallback for requests without one. A nil fallback puts those users on
// FREE.
func ContextPlans(fallback chatmeter.PlanResolver) chatmeter.PlanResolver {
	return chatmeter.PlanResolverFunc(func(ctx context.Context, userID string) (chatmeter.PlanID, error) {
		if p, ok := ctx.Value(planKey{}).(chatmeter.PlanID); ok {
			return p, nil
		}
		if fallback == nil {
			return chatmeter.PlanFree, nil
		}
		return fallback.PlanFor(ctx, userID)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(headerUserID)
		if user == "" {
			writeError(w, http.StatusUnauthorized, errorBody{
				Kind:    "unauthenticated",
				Message: "missing " + headerUserID + " header",
			})
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, user)

		if h := r.Header.Get(headerPlan); h != "" {
			plan, err := chatmeter.ParsePlanID(h)
			if err != nil {
				writeError(w, http.StatusBadRequest, errorBody{
					Kind:    string(chatmeter.KindInvalidRequest),
					Message: fmt.Sprintf("unknown plan %q", h),
				})
				return
			}
			ctx = context.WithValue(ctx, planKey{}, plan)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelView struct {
	ID              string           `json:"id"`
	Provider        string           `json:"provider"`
	ContextWindow   int64            `json:"context_window,omitempty"`
	InputCostPer1K  decimal.Decimal  `json:"input_cost_per_1k"`
	OutputCostPer1K decimal.Decimal  `json:"output_cost_per_1k"`
	MinimumPlan     chatmeter.PlanID `json:"minimum_plan"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	plan := s.enforcer.PlanFor(r.Context(), userFrom(r.Context()))
	models := s.catalog.ModelsForPlan(plan)

	out := make([]modelView, 0, len(models))
	for _, m := range models {
		out = append(out, modelView{
			ID:              m.ID,
			Provider:        m.Provider,
			ContextWindow:   m.ContextWindow,
			InputCostPer1K:  m.InputCostPer1K,
			OutputCostPer1K: m.OutputCostPer1K,
			MinimumPlan:     m.MinimumPlan,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan, "models": out})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(ctx)
	stats, err := s.enforcer.Ledger().GetUsageStats(ctx, user, s.enforcer.PlanFor(ctx, user))
	if err != nil {
		s.logger.Error("usage lookup failed", "user", user, "error", err)
		s.writeErr(w, &chatmeter.Error{Kind: chatmeter.KindInternal, Message: "usage unavailable", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	result, err := s.enforcer.HandleChatRequest(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type streamToken struct {
	Token string `json:"token"`
}

type streamDone struct {
	Done   bool                  `json:"done"`
	Result *chatmeter.ChatResult `json:"result"`
}

type streamError struct {
	Error errorBody `json:"error"`
}

// handleChatStream relays a ChatStream as server-sent events. Rejections
// before the first byte are ordinary JSON errors with the mapped status.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	stream, err := s.enforcer.HandleChatStream(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Request-ID", stream.RequestID)
	h.Set("X-Conversation-ID", stream.ConversationID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for ev := range stream.Events() {
		var payload any
		switch {
		case ev.Err != nil:
			payload = streamError{Error: bodyFor(ev.Err)}
		case ev.Done:
			payload = streamDone{Done: true, Result: ev.Result}
		default:
			payload = streamToken{Token: ev.Delta}
		}
		if err := writeEvent(w, payload); err != nil {
			s.logger.Debug("stream client gone", "request_id", stream.RequestID, "error", err)
			return
		}
		_ = rc.Flush()
	}
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatmeter.ChatRequest, bool) {
	var req chatmeter.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		msg := "invalid request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		} else if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, errorBody{Kind: string(chatmeter.KindInvalidRequest), Message: msg})
		return req, false
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	return req, true
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func bodyFor(err error) errorBody {
	b := errorBody{
		Kind:      string(chatmeter.KindOf(err)),
		Message:   "internal error",
		Retryable: chatmeter.IsRetryable(err),
	}
	var e *chatmeter.Error
	if errors.As(err, &e) && e.Message != "" {
		b.Message = e.Message
	}
	return b
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	kind := chatmeter.KindOf(err)
	if !kind.IsPolicyRejection() && kind != chatmeter.KindInvalidRequest {
		s.logger.Warn("request failed", "kind", kind, "error", err)
	}
	writeError(w, kind.HTTPStatus(), bodyFor(err))
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
