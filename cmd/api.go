package cmd

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"smtpmailer/logging"
	"smtpmailer/metrics"
	"smtpmailer/smtptest"
	"smtpmailer/storage"
)

// apiHandler serves the stub server inspection API.
type apiHandler struct {
	server  *smtptest.Server
	mailbox *storage.Mailbox
	logger  logging.Logger
}

type apiError struct {
	Error string `json:"error"`
}

func newRouter(h *apiHandler, gatherer prometheus.Gatherer, collector *metrics.HTTPCollector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(collector.Middleware)

	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	r.Get("/transcripts", h.listTranscripts)

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", h.listMessages)
		r.Delete("/", h.clearMessages)
		r.Get("/{name}", h.getMessage)
		r.Delete("/{name}", h.deleteMessage)
	})
	return r
}

func (h *apiHandler) listTranscripts(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.server.Transcripts())
}

func (h *apiHandler) listMessages(w http.ResponseWriter, _ *http.Request) {
	if !h.requireMailbox(w) {
		return
	}
	entries, err := h.mailbox.ListMessages()
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *apiHandler) getMessage(w http.ResponseWriter, r *http.Request) {
	if !h.requireMailbox(w) {
		return
	}
	data, err := h.mailbox.ReadMessage(chi.URLParam(r, "name"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *apiHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if !h.requireMailbox(w) {
		return
	}
	if err := h.mailbox.DeleteMessage(chi.URLParam(r, "name")); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) clearMessages(w http.ResponseWriter, _ *http.Request) {
	if !h.requireMailbox(w) {
		return
	}
	if err := h.mailbox.Clear(); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) requireMailbox(w http.ResponseWriter) bool {
	if h.mailbox == nil {
		h.writeJSON(w, http.StatusNotFound, apiError{Error: "mailbox storage is disabled"})
		return false
	}
	return true
}

func (h *apiHandler) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	case errors.Is(err, storage.ErrInvalidPath):
		h.writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
	default:
		h.logger.Error("Mailbox request failed", err)
		h.writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
	}
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", logging.F("error", err.Error()))
	}
}
