// Package tokenizer approximates how many tokens a text consumes for a provider.
// Counts are for context-window budgeting only and are not guaranteed to match
// the vendor's own tokenizer.
package tokenizer

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/Davincible/msgbridge/internal/message"
)

const (
	// AnthropicCharsPerToken is the characters-per-token ratio used for Claude models.
	AnthropicCharsPerToken = 3.5
	// GeminiCharsPerToken is the characters-per-token ratio used for Gemini models.
	GeminiCharsPerToken = 4.0
	// DefaultCharsPerToken applies to providers without a dedicated adapter and
	// backs the tiktoken adapter when its encoding is unavailable.
	DefaultCharsPerToken = 4.0

	// MessageOverheadTokens accounts for role and framing tokens per message.
	MessageOverheadTokens = 4

	// TiktokenEncoding is the BPE used for OpenAI-family providers.
	TiktokenEncoding = "cl100k_base"
)

// Tokenizer counts tokens for one provider family.
type Tokenizer interface {
	CountTokens(text string) int
	ProviderName() string
}

// RatioTokenizer estimates tokens from a fixed characters-per-token ratio.
type RatioTokenizer struct {
	provider      string
	charsPerToken float64
}

func NewRatioTokenizer(provider string, charsPerToken float64) *RatioTokenizer {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}

	return &RatioTokenizer{provider: provider, charsPerToken: charsPerToken}
}

func (t *RatioTokenizer) CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}

	return int(math.Ceil(float64(n) / t.charsPerToken))
}

func (t *RatioTokenizer) ProviderName() string {
	return t.provider
}

// TiktokenTokenizer counts with the cl100k_base BPE, loaded from the embedded
// offline loader so no network access is needed.
type TiktokenTokenizer struct {
	provider string
	fallback *RatioTokenizer

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenTokenizer(provider string) *TiktokenTokenizer {
	return &TiktokenTokenizer{
		provider: provider,
		fallback: NewRatioTokenizer(provider, DefaultCharsPerToken),
	}
}

func (t *TiktokenTokenizer) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(TiktokenEncoding)
		if err == nil {
			t.enc = enc
		}
	})

	return t.enc
}

func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	enc := t.encoding()
	if enc == nil {
		return t.fallback.CountTokens(text)
	}

	return len(enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) ProviderName() string {
	return t.provider
}

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var tiktokenProviders = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"nvidia":     true,
	"deepseek":   true,
	"azure":      true,
}

// ForProvider returns the adapter for a provider name.
func ForProvider(name string) Tokenizer {
	name = strings.ToLower(strings.TrimSpace(name))

	switch {
	case name == "anthropic":
		return NewRatioTokenizer(name, AnthropicCharsPerToken)
	case name == "gemini" || name == "google":
		return NewRatioTokenizer(name, GeminiCharsPerToken)
	case tiktokenProviders[name]:
		return NewTiktokenTokenizer(name)
	default:
		return NewRatioTokenizer(name, DefaultCharsPerToken)
	}
}

// CountMessages sums text tokens over a history plus a fixed per-message
// overhead. Media parts are not counted.
func CountMessages(tok Tokenizer, history []message.Message) int {
	total := 0

	for _, m := range history {
		total += MessageOverheadTokens
		total += tok.CountTokens(message.TextOf(m.Content))

		for _, tc := range m.ToolCalls {
			total += tok.CountTokens(tc.Function.Name)
			total += tok.CountTokens(tc.Function.Arguments)
		}
	}

	return total
}

// Kind names the counting method behind tok: "tiktoken" or "ratio".
func Kind(tok Tokenizer) string {
	if _, ok := tok.(*TiktokenTokenizer); ok {
		return "tiktoken"
	}

	return "ratio"
}
