package formatter

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/Davincible/msgbridge/internal/message"
)

// pairing supplies the vendor-specific pieces of the tool-call pairing scan.
type pairing[W any] struct {
	// plain translates a message with no tool bookkeeping. It may return nothing.
	plain func(m message.Message) []W
	// call builds the assistant entry for one tool call. leading is the text of
	// the originating message for whichever of its calls is emitted first and
	// nil for the rest.
	call func(leading message.Content, tc message.ToolCall) W
	// result builds the result entry. call is nil when no pending call matched.
	result func(m message.Message, call *message.ToolCall) W
}

// callGroup holds the text of one assistant message until the first of its
// calls is emitted.
type callGroup struct {
	content message.Content
	taken   bool
}

func (g *callGroup) take() message.Content {
	if g.taken {
		return nil
	}

	g.taken = true

	return g.content
}

type pendingCall struct {
	call    message.ToolCall
	group   *callGroup
	emitted bool
}

// pairToolCalls scans history once and emits vendor entries so that each tool
// call is immediately followed by its result. Entries are built when they are
// emitted, so the assistant text travels with the first call that goes out.
// The pending map lives only for the duration of the scan.
func pairToolCalls[W any](logger *slog.Logger, history []message.Message, p pairing[W]) []W {
	out := make([]W, 0, len(history))
	pending := make(map[string]*pendingCall)

	var order []string

	emit := func(pc *pendingCall) {
		out = append(out, p.call(pc.group.take(), pc.call))
		pc.emitted = true
	}

	for _, m := range history {
		switch {
		case m.Role == message.RoleAssistant && len(m.ToolCalls) > 0:
			group := &callGroup{content: m.Content}

			for _, tc := range m.ToolCalls {
				if _, dup := pending[tc.ID]; dup {
					logger.Warn("Duplicate tool call id, emitting call without pairing",
						"tool_call_id", tc.ID,
						"tool_name", tc.Function.Name,
					)

					emit(&pendingCall{call: tc, group: group})

					continue
				}

				pending[tc.ID] = &pendingCall{call: tc, group: group}
				order = append(order, tc.ID)
			}
		case m.Role == message.RoleTool:
			pc, ok := pending[m.ToolCallID]
			if !ok {
				logger.Warn("Tool result has no matching tool call, emitting standalone result",
					"tool_call_id", m.ToolCallID,
					"tool_name", m.Name,
				)

				out = append(out, p.result(m, nil))

				continue
			}

			if pc.emitted {
				logger.Warn("Tool call already answered, emitting extra result",
					"tool_call_id", m.ToolCallID,
					"tool_name", m.Name,
				)
			} else {
				emit(pc)
			}

			call := pc.call
			out = append(out, p.result(m, &call))
		default:
			out = append(out, p.plain(m)...)
		}
	}

	for _, id := range order {
		pc := pending[id]
		if pc.emitted {
			continue
		}

		logger.Warn("Tool call never received a result, flushing unpaired call",
			"tool_call_id", id,
			"tool_name", pc.call.Function.Name,
		)

		emit(pc)
	}

	return out
}

// toolName prefers the name on the result message, then the pending call's.
func toolName(m message.Message, call *message.ToolCall) string {
	if m.Name != "" {
		return m.Name
	}

	if call != nil {
		return call.Function.Name
	}

	return ""
}

// rawArguments turns a JSON-encoded argument string into raw JSON, using an
// empty object when the string is empty or not valid JSON.
func rawArguments(arguments string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(arguments))
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return json.RawMessage("{}")
	}

	return json.RawMessage(trimmed)
}

// argumentString renders vendor-supplied arguments back into a JSON string.
func argumentString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}

	return string(trimmed)
}

// structuredResult reports whether text is a JSON object or array.
func structuredResult(text string) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}

	if !json.Valid(trimmed) {
		return nil, false
	}

	return json.RawMessage(trimmed), true
}

// WireContent is a content field that is a string, an array of parts, or null.
type WireContent[P any] struct {
	Text  *string
	Parts []P
}

func textContent[P any](s string) WireContent[P] {
	return WireContent[P]{Text: &s}
}

func partsContent[P any](parts []P) WireContent[P] {
	if parts == nil {
		parts = []P{}
	}

	return WireContent[P]{Parts: parts}
}

// IsNull reports whether the content encodes as null.
func (c WireContent[P]) IsNull() bool {
	return c.Text == nil && c.Parts == nil
}

func (c WireContent[P]) MarshalJSON() ([]byte, error) {
	switch {
	case c.Parts != nil:
		return json.Marshal(c.Parts)
	case c.Text != nil:
		return json.Marshal(*c.Text)
	default:
		return []byte("null"), nil
	}
}

func (c *WireContent[P]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*c = WireContent[P]{}
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}

		*c = WireContent[P]{Text: &s}
	default:
		var parts []P
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}

		*c = WireContent[P]{Parts: parts}
	}

	return nil
}

func contentOrNil(text string) message.Content {
	if text == "" {
		return nil
	}

	return message.Text(text)
}
