package handlers

import (
	"log/slog"
	"net/http"

	"github.com/Davincible/msgbridge/internal/config"
)

type ProviderCapabilities struct {
	Vision        bool     `json:"vision"`
	Files         bool     `json:"files"`
	FileMIMETypes []string `json:"file_mime_types,omitempty"`
	SystemRole    bool     `json:"system_role"`
	Tools         bool     `json:"tools"`
}

type ProviderInfo struct {
	Name         string                `json:"name"`
	Formatter    string                `json:"formatter"`
	Default      bool                  `json:"default,omitempty"`
	Capabilities *ProviderCapabilities `json:"capabilities,omitempty"`
}

type ProvidersResponse struct {
	Providers []ProviderInfo `json:"providers"`
}

// ProvidersHandler lists the registered providers with their provider level
// capabilities. Model overrides are resolved when ?model= is given.
type ProvidersHandler struct {
	service
}

func NewProvidersHandler(registry RegistryFunc, cfg *config.Manager, logger *slog.Logger) *ProvidersHandler {
	return &ProvidersHandler{service: newService(registry, cfg, logger)}
}

func (h *ProvidersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.httpError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}

	reg := h.registry()
	model := r.URL.Query().Get("model")
	defaultProvider := h.provider("")

	resp := ProvidersResponse{Providers: []ProviderInfo{}}

	for _, name := range reg.List() {
		info := ProviderInfo{Name: name, Formatter: reg.Dialect(name), Default: name == defaultProvider}

		caps, err := reg.Capabilities(name, model)
		if err != nil {
			h.logger.Warn("No capabilities for provider", "provider", name, "error", err)
		} else {
			info.Capabilities = &ProviderCapabilities{
				Vision:        caps.Vision,
				Files:         caps.Files,
				FileMIMETypes: caps.FileMIMETypes,
				SystemRole:    caps.SystemRole,
				Tools:         caps.Tools,
			}
		}

		resp.Providers = append(resp.Providers, info)
	}

	h.writeJSON(w, http.StatusOK, resp)
}
