package handlers

import (
	"log/slog"
	"net/http"

	"github.com/Davincible/msgbridge/internal/config"
	"github.com/Davincible/msgbridge/internal/message"
)

type FormatRequest struct {
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	System   string            `json:"system,omitempty"`
	Strict   bool              `json:"strict,omitempty"`
	Messages []message.Message `json:"messages"`
}

// FormatResponse carries the vendor messages array. System is set only for
// formatters that take the system prompt outside the messages.
type FormatResponse struct {
	Provider  string `json:"provider"`
	Formatter string `json:"formatter"`
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	Messages  []any  `json:"messages"`
}

type PairingReport struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues"`
}

type FormatHandler struct {
	service
}

func NewFormatHandler(registry RegistryFunc, cfg *config.Manager, logger *slog.Logger) *FormatHandler {
	return &FormatHandler{service: newService(registry, cfg, logger)}
}

func (h *FormatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req FormatRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	f, fctx, ok := h.selectFormatter(w, req.Provider, req.Model)
	if !ok {
		return
	}

	if req.Strict {
		if issues := message.ValidatePairing(req.Messages); len(issues) > 0 {
			out := PairingReport{Error: "tool call pairing failed"}
			for _, issue := range issues {
				out.Issues = append(out.Issues, issue.String())
			}

			h.logger.Warn("Rejected history with unpaired tool calls", "provider", fctx.Provider, "issues", len(issues))
			h.writeJSON(w, http.StatusUnprocessableEntity, out)

			return
		}
	}

	resp := FormatResponse{
		Provider:  fctx.Provider,
		Formatter: f.Name(),
		Model:     req.Model,
		Messages:  f.Format(req.Messages, fctx, req.System),
	}

	if system, ok := f.FormatSystemPrompt(req.System); ok {
		resp.System = system
	}

	h.logger.Debug("Formatted history",
		"provider", fctx.Provider,
		"model", req.Model,
		"messages_in", len(req.Messages),
		"messages_out", len(resp.Messages),
	)

	h.writeJSON(w, http.StatusOK, resp)
}
