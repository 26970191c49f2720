package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Davincible/msgbridge/internal/config"
	"github.com/Davincible/msgbridge/internal/message"
)

// DefaultStreamTimeout bounds how long /v1/parse/stream waits for a stream to finish.
const DefaultStreamTimeout = 2 * time.Minute

type ParseRequest struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model,omitempty"`
	Response json.RawMessage `json:"response"`
}

type ParseResponse struct {
	Provider  string            `json:"provider"`
	Formatter string            `json:"formatter"`
	Messages  []message.Message `json:"messages"`
}

type ParseHandler struct {
	service
}

func NewParseHandler(registry RegistryFunc, cfg *config.Manager, logger *slog.Logger) *ParseHandler {
	return &ParseHandler{service: newService(registry, cfg, logger)}
}

func (h *ParseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	f, fctx, ok := h.selectFormatter(w, req.Provider, req.Model)
	if !ok {
		return
	}

	messages := f.ParseResponse(req.Response)
	if messages == nil {
		messages = []message.Message{}
	}

	h.writeJSON(w, http.StatusOK, ParseResponse{Provider: fctx.Provider, Formatter: f.Name(), Messages: messages})
}

// StreamParseHandler aggregates a raw vendor stream posted as the request body.
// The provider and model come from the query string.
type StreamParseHandler struct {
	service
	timeout time.Duration
}

func NewStreamParseHandler(registry RegistryFunc, cfg *config.Manager, logger *slog.Logger) *StreamParseHandler {
	return &StreamParseHandler{service: newService(registry, cfg, logger), timeout: DefaultStreamTimeout}
}

func (h *StreamParseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.httpError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}

	query := r.URL.Query()

	f, fctx, ok := h.selectFormatter(w, query.Get("provider"), query.Get("model"))
	if !ok {
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	messages, err := f.ParseStreamResponse(ctx, f.NewStream(body))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}

		h.httpError(w, status, "%v", err)

		return
	}

	if messages == nil {
		messages = []message.Message{}
	}

	h.logger.Debug("Parsed stream", "provider", fctx.Provider, "messages", len(messages))
	h.writeJSON(w, http.StatusOK, ParseResponse{Provider: fctx.Provider, Formatter: f.Name(), Messages: messages})
}
