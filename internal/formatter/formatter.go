/*
Package formatter translates conversation history between the internal message
model and the wire formats of LLM vendors.

Every vendor implements the Formatter interface:

	type Formatter interface {
		Name() string
		Format(history []message.Message, fctx capability.Context, systemPrompt string) []any
		FormatSystemPrompt(systemPrompt string) (string, bool)
		ParseResponse(raw []byte) []message.Message
		ParseStreamResponse(ctx context.Context, stream Stream) ([]message.Message, error)
		NewStream(body io.ReadCloser) Stream
	}

# Request direction

Format runs the capability filter first. A filter configuration error is logged
and the unfiltered history is used instead. The history is then scanned once:

  - system messages are skipped by vendors that take the system prompt out of band
  - user and plain assistant messages are passed through structurally; media is
    embedded inline as base64 with an explicit media type or referenced by URL,
    depending on whether the data is an http(s) URL, a data URI or bare base64
  - every tool call of an assistant message becomes its own assistant entry. The
    entry is held back until the matching tool result shows up, so the wire
    output always has a call immediately followed by its result
  - a tool result without a pending call is emitted on its own with a warning
  - calls that never got a result are flushed at the end in original order, one
    warning per call

# Response direction

ParseResponse converts one vendor response into internal messages. Text segments
are concatenated; a response with tool calls and no text yields nil content.
Malformed or error responses yield no messages rather than an error.

ParseStreamResponse waits for the stream to finish, then parses the aggregated
payload exactly like ParseResponse. Each vendor ships an aggregator for its own
streaming format, available through NewStream.

# Vendors

  - anthropic: content-block style, system prompt out of band
  - ai-sdk:    message-array style of the Vercel AI SDK, system prompt embedded
  - openai:    Chat Completions, system prompt embedded
  - gemini:    generateContent, system prompt out of band (systemInstruction)
*/
package formatter

import (
	"context"
	"io"
	"log/slog"

	"github.com/Davincible/msgbridge/internal/capability"
	"github.com/Davincible/msgbridge/internal/message"
)

// Dialect names.
const (
	DialectAnthropic = "anthropic"
	DialectAISDK     = "ai-sdk"
	DialectOpenAI    = "openai"
	DialectGemini    = "gemini"
)

// Formatter is the bidirectional translator for one vendor wire format.
type Formatter interface {
	Name() string
	Format(history []message.Message, fctx capability.Context, systemPrompt string) []any
	FormatSystemPrompt(systemPrompt string) (string, bool)
	ParseResponse(raw []byte) []message.Message
	ParseStreamResponse(ctx context.Context, stream Stream) ([]message.Message, error)
	NewStream(body io.ReadCloser) Stream
}

type base struct {
	rules  *capability.Rules
	logger *slog.Logger
}

func newBase(rules *capability.Rules, logger *slog.Logger, dialect string) base {
	if logger == nil {
		logger = slog.Default()
	}

	return base{
		rules:  rules,
		logger: logger.With("formatter", dialect),
	}
}

// filter applies the capability rules, falling back to an unfiltered copy on
// configuration errors.
func (b base) filter(history []message.Message, fctx capability.Context) []message.Message {
	filtered, err := b.rules.Filter(history, fctx)
	if err != nil {
		b.logger.Warn("Capability filtering failed, using unfiltered history",
			"provider", fctx.Provider,
			"model", fctx.Model,
			"error", err,
		)

		return message.CloneHistory(history)
	}

	return filtered
}

func toAny[W any](entries []W) []any {
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e
	}

	return out
}
