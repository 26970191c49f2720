package formatter

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/msgbridge/internal/capability"
	"github.com/Davincible/msgbridge/internal/message"
)

func TestAnthropicFormatter_WeatherScenario(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	out := f.FormatMessages(weatherHistory(), anthropicCtx)
	require.Len(t, out, 3)

	assert.Equal(t, "user", out[0].Role)
	require.Len(t, out[0].Content, 1)
	assert.Equal(t, "text", out[0].Content[0].Type)
	assert.Equal(t, "What's the weather?", out[0].Content[0].Text)

	assert.Equal(t, "assistant", out[1].Role)
	require.Len(t, out[1].Content, 1)
	assert.Equal(t, "tool_use", out[1].Content[0].Type)
	assert.Equal(t, "t1", out[1].Content[0].ID)
	assert.Equal(t, "get_weather", out[1].Content[0].Name)
	assert.JSONEq(t, `{"city":"NYC"}`, string(out[1].Content[0].Input))

	assert.Equal(t, "user", out[2].Role)
	require.Len(t, out[2].Content, 1)
	assert.Equal(t, "tool_result", out[2].Content[0].Type)
	assert.Equal(t, "t1", out[2].Content[0].ToolUseID)
	assert.Equal(t, "72F sunny", out[2].Content[0].Content)

	// Format returns the same entries untyped.
	assert.Len(t, f.Format(weatherHistory(), anthropicCtx, "be brief"), 3)
}

func TestAnthropicFormatter_WireJSON(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	data, err := json.Marshal(f.Format(weatherHistory(), anthropicCtx, ""))
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"role":"user","content":[{"type":"text","text":"What's the weather?"}]},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"get_weather","input":{"city":"NYC"}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"72F sunny"}]}
	]`, string(data))
}

func assertAnthropicPairing(t *testing.T, out []AnthropicMessage) {
	t.Helper()

	seen := map[string]bool{}

	for i, entry := range out {
		for _, block := range entry.Content {
			if block.Type != "tool_use" {
				continue
			}

			assert.False(t, seen[block.ID], "tool call %s emitted twice", block.ID)
			seen[block.ID] = true

			require.Less(t, i+1, len(out), "tool call %s is last", block.ID)
			next := out[i+1].Content
			require.NotEmpty(t, next)
			assert.Equal(t, "tool_result", next[0].Type)
			assert.Equal(t, block.ID, next[0].ToolUseID)
		}
	}
}

func TestAnthropicFormatter_PairingInvariant(t *testing.T) {
	tests := []struct {
		name    string
		history []message.Message
	}{
		{name: "single call", history: weatherHistory()},
		{
			name: "results out of order",
			history: []message.Message{
				{Role: message.RoleUser, Content: message.Text("both please")},
				{Role: message.RoleAssistant, Content: message.Text("Checking."), ToolCalls: []message.ToolCall{
					call("A", "a", `{}`),
					call("B", "b", `{}`),
				}},
				{Role: message.RoleTool, ToolCallID: "B", Content: message.Text("b done")},
				{Role: message.RoleTool, ToolCallID: "A", Content: message.Text("a done")},
				{Role: message.RoleAssistant, Content: message.Text("All done.")},
			},
		},
		{
			name: "multiple rounds",
			history: append(weatherHistory(),
				message.Message{Role: message.RoleAssistant, ToolCalls: []message.ToolCall{call("t2", "get_weather", `{"city":"SF"}`)}},
				message.Message{Role: message.RoleTool, ToolCallID: "t2", Content: message.Text("60F fog")},
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, rec := newRecordingLogger()
			f := NewAnthropicFormatter(capability.DefaultRules(), logger)

			assertAnthropicPairing(t, f.FormatMessages(tt.history, anthropicCtx))
			assert.Empty(t, rec.warnings())
		})
	}
}

func TestAnthropicFormatter_LeadingTextTravelsWithFirstEmittedCall(t *testing.T) {
	tests := []struct {
		name    string
		results []string
	}{
		{name: "results in order", results: []string{"A", "B"}},
		{name: "results out of order", results: []string{"B", "A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := []message.Message{
				{Role: message.RoleAssistant, Content: message.Text("Let me check both."), ToolCalls: []message.ToolCall{
					call("A", "a", `{}`),
					call("B", "b", `{}`),
				}},
			}
			for _, id := range tt.results {
				history = append(history, message.Message{Role: message.RoleTool, ToolCallID: id, Content: message.Text(id)})
			}

			f := NewAnthropicFormatter(capability.DefaultRules(), nil)

			out := f.FormatMessages(history, anthropicCtx)
			require.Len(t, out, 4)

			first, second := tt.results[0], tt.results[1]

			assert.Equal(t, "assistant", out[0].Role)
			require.Len(t, out[0].Content, 2)
			assert.Equal(t, "text", out[0].Content[0].Type)
			assert.Equal(t, "Let me check both.", out[0].Content[0].Text)
			assert.Equal(t, first, out[0].Content[1].ID)
			assert.Equal(t, first, out[1].Content[0].ToolUseID)

			require.Len(t, out[2].Content, 1, "text is not repeated")
			assert.Equal(t, second, out[2].Content[0].ID)
			assert.Equal(t, second, out[3].Content[0].ToolUseID)
		})
	}
}

func TestAnthropicFormatter_LeadingTextOnFlushedCall(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	history := []message.Message{
		{Role: message.RoleAssistant, Content: message.Text("Trying."), ToolCalls: []message.ToolCall{call("A", "a", `{}`)}},
		{Role: message.RoleUser, Content: message.Text("never mind")},
	}

	out := f.FormatMessages(history, anthropicCtx)
	require.Len(t, out, 2)

	assert.Equal(t, "user", out[0].Role)
	require.Len(t, out[1].Content, 2)
	assert.Equal(t, "Trying.", out[1].Content[0].Text)
	assert.Equal(t, "A", out[1].Content[1].ID)
}

func TestAnthropicFormatter_OrphanCallFlushedWithOneWarning(t *testing.T) {
	logger, rec := newRecordingLogger()
	f := NewAnthropicFormatter(capability.DefaultRules(), logger)

	out := f.FormatMessages(twoCallsOneResult(), anthropicCtx)
	require.Len(t, out, 4)

	assert.Equal(t, "tool_use", out[1].Content[0].Type)
	assert.Equal(t, "A", out[1].Content[0].ID)
	assert.Equal(t, "tool_result", out[2].Content[0].Type)
	assert.Equal(t, "A", out[2].Content[0].ToolUseID)
	assert.Equal(t, "tool_use", out[3].Content[0].Type)
	assert.Equal(t, "B", out[3].Content[0].ID)

	warnings := rec.warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "B", attrString(warnings[0], "tool_call_id"))
}

func TestAnthropicFormatter_StandaloneResult(t *testing.T) {
	logger, rec := newRecordingLogger()
	f := NewAnthropicFormatter(capability.DefaultRules(), logger)

	history := []message.Message{
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleTool, ToolCallID: "ghost", Name: "lookup", Content: message.Text("stale")},
	}

	out := f.FormatMessages(history, anthropicCtx)
	require.Len(t, out, 2)
	assert.Equal(t, "tool_result", out[1].Content[0].Type)
	assert.Equal(t, "ghost", out[1].Content[0].ToolUseID)

	warnings := rec.warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "ghost", attrString(warnings[0], "tool_call_id"))
}

func TestAnthropicFormatter_DuplicateResult(t *testing.T) {
	logger, rec := newRecordingLogger()
	f := NewAnthropicFormatter(capability.DefaultRules(), logger)

	history := append(weatherHistory(), message.Message{Role: message.RoleTool, ToolCallID: "t1", Content: message.Text("again")})

	out := f.FormatMessages(history, anthropicCtx)
	require.Len(t, out, 4)
	assert.Equal(t, "t1", out[3].Content[0].ToolUseID)
	assert.Len(t, rec.warnings(), 1)
}

func TestAnthropicFormatter_EmptyHistory(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	out := f.Format(nil, anthropicCtx, "system")
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestAnthropicFormatter_SkipsSystemMessages(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	out := f.FormatMessages([]message.Message{
		{Role: message.RoleSystem, Content: message.Text("rules")},
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleAssistant},
	}, anthropicCtx)

	require.Len(t, out, 1)
	assert.Equal(t, "user", out[0].Role)
}

func TestAnthropicFormatter_FilterFailureFallsBack(t *testing.T) {
	logger, rec := newRecordingLogger()
	f := NewAnthropicFormatter(capability.DefaultRules(), logger)

	out := f.FormatMessages(weatherHistory(), capability.Context{})
	assert.Len(t, out, 3)

	warnings := rec.warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "Capability filtering failed")
}

func TestAnthropicFormatter_Media(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	history := []message.Message{{Role: message.RoleUser, Content: message.Parts{
		message.TextPart{Text: "look"},
		message.ImagePart{Data: "data:image/png;base64,QQ==", MIMEType: "image/jpeg"},
		message.ImagePart{Data: "QUJD", MIMEType: "image/jpeg"},
		message.ImagePart{Data: "https://example.com/cat.png", MIMEType: "image/png"},
		message.FilePart{Data: "aGVsbG8=", MIMEType: "text/plain", Filename: "notes.txt"},
		message.FilePart{Data: "JVBERi0=", MIMEType: "application/pdf", Filename: "doc.pdf"},
	}}}

	out := f.FormatMessages(history, anthropicCtx)
	require.Len(t, out, 1)

	blocks := out[0].Content
	require.Len(t, blocks, 6)

	assert.Equal(t, &AnthropicSource{Type: "base64", MediaType: "image/png", Data: "QQ=="}, blocks[1].Source)
	assert.Equal(t, &AnthropicSource{Type: "base64", MediaType: "image/jpeg", Data: "QUJD"}, blocks[2].Source)
	assert.Equal(t, &AnthropicSource{Type: "url", URL: "https://example.com/cat.png"}, blocks[3].Source)

	assert.Equal(t, "document", blocks[4].Type)
	assert.Equal(t, &AnthropicSource{Type: "text", MediaType: "text/plain", Data: "hello"}, blocks[4].Source)
	assert.Equal(t, "notes.txt", blocks[4].Title)

	assert.Equal(t, &AnthropicSource{Type: "base64", MediaType: "application/pdf", Data: "JVBERi0="}, blocks[5].Source)
}

func TestAnthropicFormatter_VisionlessModelGetsPlaceholder(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	history := []message.Message{{Role: message.RoleUser, Content: message.Parts{
		message.ImagePart{Data: "QQ==", MIMEType: "image/png"},
	}}}

	out := f.FormatMessages(history, capability.Context{Provider: "anthropic", Model: "claude-2.1"})
	require.Len(t, out, 1)
	assert.Equal(t, "text", out[0].Content[0].Type)
	assert.Equal(t, "[image omitted: image/png]", out[0].Content[0].Text)
}

func TestAnthropicFormatter_ToolResultWithImage(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	history := []message.Message{
		{Role: message.RoleAssistant, ToolCalls: []message.ToolCall{call("s1", "screenshot", "")}},
		{Role: message.RoleTool, ToolCallID: "s1", Content: message.Parts{
			message.TextPart{Text: "captured"},
			message.ImagePart{Data: "QQ==", MIMEType: "image/png"},
		}},
	}

	out := f.FormatMessages(history, anthropicCtx)
	require.Len(t, out, 2)
	assert.JSONEq(t, `{}`, string(out[0].Content[0].Input))

	blocks, ok := out[1].Content[0].Content.([]AnthropicBlock)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	assert.Equal(t, "image", blocks[1].Type)
}

func TestAnthropicFormatter_SystemPrompt(t *testing.T) {
	f := NewAnthropicFormatter(nil, nil)

	p, ok := f.FormatSystemPrompt("be kind")
	assert.True(t, ok)
	assert.Equal(t, "be kind", p)

	_, ok = f.FormatSystemPrompt("")
	assert.False(t, ok)
}

func TestAnthropicFormatter_ParseResponse(t *testing.T) {
	f := NewAnthropicFormatter(nil, nil)

	t.Run("text segments are concatenated", func(t *testing.T) {
		out := f.ParseResponse([]byte(`{"type":"message","content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}`))
		require.Len(t, out, 1)
		assert.Equal(t, message.RoleAssistant, out[0].Role)
		assert.Equal(t, message.Text("Hello world"), out[0].Content)
		assert.Empty(t, out[0].ToolCalls)
	})

	t.Run("tool use only yields nil content", func(t *testing.T) {
		out := f.ParseResponse([]byte(`{"type":"message","content":[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"NYC"}}]}`))
		require.Len(t, out, 1)
		assert.Nil(t, out[0].Content)
		require.Len(t, out[0].ToolCalls, 1)
		assert.Equal(t, "toolu_1", out[0].ToolCalls[0].ID)
		assert.Equal(t, "get_weather", out[0].ToolCalls[0].Function.Name)
		assert.JSONEq(t, `{"city":"NYC"}`, out[0].ToolCalls[0].Function.Arguments)
	})

	t.Run("defensive", func(t *testing.T) {
		assert.Empty(t, f.ParseResponse([]byte(`not json`)))
		assert.Empty(t, f.ParseResponse([]byte(`{"type":"message"}`)))
		assert.Empty(t, f.ParseResponse([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)))
	})
}

func TestAnthropicFormatter_RoundTripText(t *testing.T) {
	f := NewAnthropicFormatter(capability.DefaultRules(), nil)

	history := []message.Message{
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleAssistant, Content: message.Text("Hello there, how can I help?")},
	}

	out := f.FormatMessages(history, anthropicCtx)
	require.Len(t, out, 2)

	raw, err := json.Marshal(map[string]any{"type": "message", "role": "assistant", "content": out[1].Content})
	require.NoError(t, err)

	parsed := f.ParseResponse(raw)
	require.Len(t, parsed, 1)
	assert.Equal(t, history[1].Content, parsed[0].Content)
}

const anthropicSSE = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"input_tokens":10}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"get_weather","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"NYC\"}"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}

event: message_stop
data: {"type":"message_stop"}
`

func TestAnthropicFormatter_ParseStreamResponse(t *testing.T) {
	f := NewAnthropicFormatter(nil, nil)

	out, err := f.ParseStreamResponse(context.Background(), f.NewStream(io.NopCloser(strings.NewReader(anthropicSSE))))
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, message.Text("Let me check."), out[0].Content)
	require.Len(t, out[0].ToolCalls, 1)
	assert.Equal(t, "toolu_9", out[0].ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"NYC"}`, out[0].ToolCalls[0].Function.Arguments)
}

func TestAnthropicFormatter_StreamErrorEvent(t *testing.T) {
	f := NewAnthropicFormatter(nil, nil)

	body := "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"

	_, err := f.ParseStreamResponse(context.Background(), f.NewStream(io.NopCloser(strings.NewReader(body))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Overloaded")
}
