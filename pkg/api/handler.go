package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/store"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
)

const (
	// RequestTimeout bounds every request, including document uploads.
	RequestTimeout = 60 * time.Second

	maxBodyBytes        = 32 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Manager defines the connection manager operations served over HTTP.
type Manager interface {
	Status() bridge.Status
	Connect(ctx context.Context) (bridge.Status, error)
	Disconnect(ctx context.Context) (bridge.Status, error)
	ResetAuth(ctx context.Context) (bridge.Status, error)
	Pair(ctx context.Context, phone string) (bridge.PairResult, error)
	SendText(ctx context.Context, to, text string) (whatsapp.SendResult, error)
	SendDocument(ctx context.Context, to string, doc whatsapp.Document) (whatsapp.SendResult, error)
}

var _ Manager = (*bridge.Manager)(nil)

// Handler serves the bridge endpoints.
type Handler struct {
	manager     Manager
	transitions store.StateRepository
	sent        store.SentRepository
	log         zerolog.Logger
	now         func() time.Time
}

// NewHandler creates a new HTTP handler.
func NewHandler(manager Manager, transitions store.StateRepository, sent store.SentRepository, log zerolog.Logger) *Handler {
	return &Handler{
		manager:     manager,
		transitions: transitions,
		sent:        sent,
		log:         log.With().Str("component", "api").Logger(),
		now:         time.Now,
	}
}

// Routes returns the router with all endpoints and middleware mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(RequestTimeout))

	// Bridge
	r.Get("/status", h.handleStatus)
	r.Get("/health", h.handleHealth)
	r.Get("/qr.png", h.handleQRImage)
	r.Get("/history", h.handleHistory)
	r.Post("/connect", h.handleConnect)
	r.Post("/disconnect", h.handleDisconnect)
	r.Post("/reset-auth", h.handleResetAuth)
	r.Post("/pair", h.handlePair)

	// Messaging
	r.Post("/send", h.handleSend)
	r.Post("/send-document", h.handleSendDocument)
	r.Get("/messages/{id}", h.handleGetMessage)

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := h.log.Debug()
			if status >= http.StatusInternalServerError {
				event = h.log.Warn()
			}
			event.
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to write response")
	}
}

type errorBody struct {
	Success bool `json:"success"`
	*APIError
}

func (h *Handler) writeError(w http.ResponseWriter, err *APIError) {
	if err.StatusCode() >= http.StatusInternalServerError {
		h.log.Error().Str("code", err.Code).Msg(err.Message)
	}
	h.writeJSON(w, err.StatusCode(), errorBody{APIError: err})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) *APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return NewInvalidInputError("invalid JSON body: " + err.Error())
	}
	return nil
}

type statusResponse struct {
	Success bool `json:"success"`
	bridge.Status
}
