package handlers

import (
	"log/slog"
	"net/http"

	"github.com/Davincible/msgbridge/internal/config"
	"github.com/Davincible/msgbridge/internal/message"
	"github.com/Davincible/msgbridge/internal/tokenizer"
)

type TokensRequest struct {
	Provider string            `json:"provider"`
	Text     string            `json:"text,omitempty"`
	Messages []message.Message `json:"messages,omitempty"`
}

type TokensResponse struct {
	Provider  string `json:"provider"`
	Tokenizer string `json:"tokenizer"`
	Tokens    int    `json:"tokens"`
}

// TokensHandler estimates the token count of a text or a history. Unknown
// providers get the generic ratio estimate instead of an error.
type TokensHandler struct {
	service
}

func NewTokensHandler(cfg *config.Manager, logger *slog.Logger) *TokensHandler {
	return &TokensHandler{service: newService(nil, cfg, logger)}
}

func (h *TokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req TokensRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	provider := h.provider(req.Provider)
	tok := tokenizer.ForProvider(provider)

	count := tok.CountTokens(req.Text)
	if len(req.Messages) > 0 {
		count += tokenizer.CountMessages(tok, req.Messages)
	}

	h.writeJSON(w, http.StatusOK, TokensResponse{
		Provider:  provider,
		Tokenizer: tokenizer.Kind(tok),
		Tokens:    count,
	})
}
