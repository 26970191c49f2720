// Package handlers serves the formatting core over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Davincible/msgbridge/internal/capability"
	"github.com/Davincible/msgbridge/internal/config"
	"github.com/Davincible/msgbridge/internal/formatter"
)

// MaxBodyBytes bounds request bodies after decompression.
const MaxBodyBytes = 32 << 20

// RegistryFunc returns the registry currently in use. The server swaps it on
// config reloads, so handlers look it up per request.
type RegistryFunc func() *formatter.Registry

type service struct {
	registry RegistryFunc
	config   *config.Manager
	logger   *slog.Logger
}

func newService(registry RegistryFunc, cfg *config.Manager, logger *slog.Logger) service {
	if logger == nil {
		logger = slog.Default()
	}

	return service{registry: registry, config: cfg, logger: logger}
}

// provider falls back to the configured default provider.
func (s service) provider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" || s.config == nil {
		return name
	}

	return s.config.Get().DefaultProvider
}

func (s service) selectFormatter(w http.ResponseWriter, provider, model string) (formatter.Formatter, capability.Context, bool) {
	provider = s.provider(provider)

	f, fctx, err := s.registry().Select(provider, model)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, formatter.ErrUnsupportedProvider) {
			status = http.StatusBadRequest
		}

		s.httpError(w, status, "%v", err)

		return nil, capability.Context{}, false
	}

	return f, fctx, true
}

func (s service) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		s.httpError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		s.httpError(w, http.StatusBadRequest, "failed to read request body: %v", err)
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		s.httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}

	return true
}

func (s service) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.httpError(w, http.StatusInternalServerError, "failed to encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

func (s service) httpError(w http.ResponseWriter, code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Error("HTTP Error", "code", code, "message", msg)

	data, _ := json.Marshal(errorResponse{Error: errorBody{Code: code, Message: msg}})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}
