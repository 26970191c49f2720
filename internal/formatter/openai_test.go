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

var openaiCtx = capability.Context{Provider: "openai", Model: "gpt-4o"}

func TestOpenAIFormatter_WeatherScenario(t *testing.T) {
	f := NewOpenAIFormatter(capability.DefaultRules(), nil)

	data, err := json.Marshal(f.Format(weatherHistory(), openaiCtx, "sys"))
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"role":"system","content":"sys"},
		{"role":"user","content":"What's the weather?"},
		{"role":"assistant","content":null,"tool_calls":[{"id":"t1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"NYC\"}"}}]},
		{"role":"tool","content":"72F sunny","tool_call_id":"t1"}
	]`, string(data))
}

func TestOpenAIFormatter_OrphanCall(t *testing.T) {
	logger, rec := newRecordingLogger()
	f := NewOpenAIFormatter(capability.DefaultRules(), logger)

	out := f.FormatMessages(twoCallsOneResult(), openaiCtx, "")
	require.Len(t, out, 4)
	assert.Equal(t, "A", out[1].ToolCalls[0].ID)
	assert.Equal(t, "A", out[2].ToolCallID)
	assert.Equal(t, "B", out[3].ToolCalls[0].ID)
	assert.Len(t, rec.warnings(), 1)
}

func TestOpenAIFormatter_Media(t *testing.T) {
	f := NewOpenAIFormatter(capability.DefaultRules(), nil)

	history := []message.Message{{Role: message.RoleUser, Content: message.Parts{
		message.TextPart{Text: "what is this"},
		message.ImagePart{Data: "QQ==", MIMEType: "image/png"},
		message.ImagePart{Data: "https://example.com/x.jpg", MIMEType: "image/jpeg"},
		message.FilePart{Data: "JVBE", MIMEType: "application/pdf", Filename: "r.pdf"},
	}}}

	out := f.FormatMessages(history, openaiCtx, "")
	require.Len(t, out, 1)

	parts := out[0].Content.Parts
	require.Len(t, parts, 4)
	assert.Equal(t, "data:image/png;base64,QQ==", parts[1].ImageURL.URL)
	assert.Equal(t, "https://example.com/x.jpg", parts[2].ImageURL.URL)
	assert.Equal(t, &OpenAIFile{FileData: "data:application/pdf;base64,JVBE", Filename: "r.pdf"}, parts[3].File)
}

func TestOpenAIFormatter_TextOnlyModelFilters(t *testing.T) {
	f := NewOpenAIFormatter(capability.DefaultRules(), nil)

	history := []message.Message{{Role: message.RoleUser, Content: message.Parts{
		message.TextPart{Text: "see"},
		message.ImagePart{Data: "QQ==", MIMEType: "image/png"},
	}}}

	out := f.FormatMessages(history, capability.Context{Provider: "nvidia", Model: "llama-3.1-70b"}, "")
	require.Len(t, out, 1)

	for _, p := range out[0].Content.Parts {
		assert.Equal(t, "text", p.Type)
	}

	assert.Equal(t, "[image omitted: image/png]", out[0].Content.Parts[1].Text)
}

func TestOpenAIFormatter_ToolResultMediaBecomesText(t *testing.T) {
	f := NewOpenAIFormatter(capability.DefaultRules(), nil)

	history := []message.Message{
		{Role: message.RoleAssistant, ToolCalls: []message.ToolCall{call("s", "shot", "{}")}},
		{Role: message.RoleTool, ToolCallID: "s", Content: message.Parts{
			message.TextPart{Text: "done"},
			message.ImagePart{Data: "QQ==", MIMEType: "image/png"},
		}},
	}

	out := f.FormatMessages(history, openaiCtx, "")
	require.Len(t, out, 2)
	require.NotNil(t, out[1].Content.Text)
	assert.Equal(t, "done\n[image: image/png]", *out[1].Content.Text)
}

func TestOpenAIFormatter_ParseResponse(t *testing.T) {
	f := NewOpenAIFormatter(nil, nil)

	t.Run("text and tool calls", func(t *testing.T) {
		raw := `{"choices":[{"index":0,"message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"NYC\"}"}}
		]},"finish_reason":"tool_calls"}]}`

		out := f.ParseResponse([]byte(raw))
		require.Len(t, out, 1)
		assert.Nil(t, out[0].Content)
		require.Len(t, out[0].ToolCalls, 1)
		assert.Equal(t, "call_1", out[0].ToolCalls[0].ID)
		assert.JSONEq(t, `{"city":"NYC"}`, out[0].ToolCalls[0].Function.Arguments)
	})

	t.Run("legacy function call gets an id", func(t *testing.T) {
		raw := `{"choices":[{"message":{"role":"assistant","content":null,"function_call":{"name":"f","arguments":""}}}]}`

		out := f.ParseResponse([]byte(raw))
		require.Len(t, out, 1)
		require.Len(t, out[0].ToolCalls, 1)
		assert.True(t, strings.HasPrefix(out[0].ToolCalls[0].ID, "call_"))
		assert.Equal(t, "{}", out[0].ToolCalls[0].Function.Arguments)
	})

	t.Run("defensive", func(t *testing.T) {
		assert.Empty(t, f.ParseResponse([]byte(`[]`)))
		assert.Empty(t, f.ParseResponse([]byte(`{"choices":[]}`)))
		assert.Empty(t, f.ParseResponse([]byte(`{"error":{"type":"invalid_request_error","message":"bad"}}`)))
	})
}

func TestOpenAIFormatter_RoundTripText(t *testing.T) {
	f := NewOpenAIFormatter(capability.DefaultRules(), nil)

	history := []message.Message{
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleAssistant, Content: message.Text("hello")},
	}

	out := f.FormatMessages(history, openaiCtx, "")
	raw, err := json.Marshal(map[string]any{"choices": []any{map[string]any{"message": out[1]}}})
	require.NoError(t, err)

	parsed := f.ParseResponse(raw)
	require.Len(t, parsed, 1)
	assert.Equal(t, message.Text("hello"), parsed[0].Content)
}

const openaiSSE = `data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}

data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"check."}}]}

data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}

data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}

data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"get_time","arguments":"{}"}}]}}]}

data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"NYC\"}"}}]}}]}

data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]
`

func TestOpenAIFormatter_ParseStreamResponse(t *testing.T) {
	f := NewOpenAIFormatter(nil, nil)

	out, err := f.ParseStreamResponse(context.Background(), f.NewStream(io.NopCloser(strings.NewReader(openaiSSE))))
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, message.Text("Let me check."), out[0].Content)
	require.Len(t, out[0].ToolCalls, 2)
	assert.Equal(t, "call_a", out[0].ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"NYC"}`, out[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "get_time", out[0].ToolCalls[1].Function.Name)
}

func TestOpenAIStream_CumulativeArguments(t *testing.T) {
	c := &openaiCallState{}
	c.appendArguments(`{"a"`)
	c.appendArguments(`{"a":1}`)
	assert.Equal(t, `{"a":1}`, c.arguments)

	c = &openaiCallState{}
	c.appendArguments(`{"a"`)
	c.appendArguments(`:1}`)
	assert.Equal(t, `{"a":1}`, c.arguments)
}
