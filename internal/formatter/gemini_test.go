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

var geminiCtx = capability.Context{Provider: "gemini", Model: "gemini-2.5-pro"}

func TestGeminiFormatter_WeatherScenario(t *testing.T) {
	f := NewGeminiFormatter(capability.DefaultRules(), nil)

	data, err := json.Marshal(f.Format(weatherHistory(), geminiCtx, "ignored here"))
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"role":"user","parts":[{"text":"What's the weather?"}]},
		{"role":"model","parts":[{"functionCall":{"id":"t1","name":"get_weather","args":{"city":"NYC"}}}]},
		{"role":"user","parts":[{"functionResponse":{"id":"t1","name":"get_weather","response":{"content":"72F sunny"}}}]}
	]`, string(data))
}

func TestGeminiFormatter_ResponseValue(t *testing.T) {
	assert.JSONEq(t, `{"temp":72}`, string(geminiResponseValue(`{"temp":72}`)))
	assert.JSONEq(t, `{"content":[1,2]}`, string(geminiResponseValue(`[1,2]`)))
	assert.JSONEq(t, `{"content":"plain"}`, string(geminiResponseValue("plain")))
	assert.JSONEq(t, `{"content":""}`, string(geminiResponseValue("")))
}

func TestGeminiFormatter_MediaAndSystem(t *testing.T) {
	f := NewGeminiFormatter(capability.DefaultRules(), nil)

	history := []message.Message{
		{Role: message.RoleSystem, Content: message.Text("rules")},
		{Role: message.RoleUser, Content: message.Parts{
			message.ImagePart{Data: "data:image/webp;base64,UklG", MIMEType: ""},
			message.FilePart{Data: "https://example.com/f.pdf", MIMEType: "application/pdf"},
		}},
	}

	out := f.FormatContents(history, geminiCtx)
	require.Len(t, out, 1)
	assert.Equal(t, &GeminiBlob{MimeType: "image/webp", Data: "UklG"}, out[0].Parts[0].InlineData)
	assert.Equal(t, &GeminiFileData{MimeType: "application/pdf", FileURI: "https://example.com/f.pdf"}, out[0].Parts[1].FileData)

	p, ok := f.FormatSystemPrompt("rules")
	assert.True(t, ok)
	assert.Equal(t, "rules", p)
}

func TestGeminiFormatter_OrphanCall(t *testing.T) {
	logger, rec := newRecordingLogger()
	f := NewGeminiFormatter(capability.DefaultRules(), logger)

	out := f.FormatContents(twoCallsOneResult(), geminiCtx)
	require.Len(t, out, 4)
	assert.Equal(t, "A", out[1].Parts[0].FunctionCall.ID)
	assert.Equal(t, "A", out[2].Parts[0].FunctionResponse.ID)
	assert.Equal(t, "B", out[3].Parts[0].FunctionCall.ID)
	assert.Len(t, rec.warnings(), 1)
}

func TestGeminiFormatter_ParseResponse(t *testing.T) {
	f := NewGeminiFormatter(nil, nil)

	t.Run("skips thoughts and generates ids", func(t *testing.T) {
		raw := `{"candidates":[{"content":{"role":"model","parts":[
			{"text":"thinking...","thought":true},
			{"text":"Sure. "},
			{"functionCall":{"name":"get_weather","args":{"city":"NYC"}}}
		]},"finishReason":"STOP"}]}`

		out := f.ParseResponse([]byte(raw))
		require.Len(t, out, 1)
		assert.Equal(t, message.Text("Sure. "), out[0].Content)
		require.Len(t, out[0].ToolCalls, 1)
		assert.True(t, strings.HasPrefix(out[0].ToolCalls[0].ID, "call_"))
		assert.JSONEq(t, `{"city":"NYC"}`, out[0].ToolCalls[0].Function.Arguments)
	})

	t.Run("defensive", func(t *testing.T) {
		assert.Empty(t, f.ParseResponse([]byte(`{"candidates":[]}`)))
		assert.Empty(t, f.ParseResponse([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`)))
		assert.Empty(t, f.ParseResponse([]byte(`{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`)))
		assert.Empty(t, f.ParseResponse([]byte(`nope`)))
	})
}

func TestGeminiFormatter_RoundTripText(t *testing.T) {
	f := NewGeminiFormatter(capability.DefaultRules(), nil)

	history := []message.Message{
		{Role: message.RoleUser, Content: message.Text("hi")},
		{Role: message.RoleAssistant, Content: message.Text("hello")},
	}

	out := f.FormatContents(history, geminiCtx)
	require.Len(t, out, 2)
	assert.Equal(t, "model", out[1].Role)

	raw, err := json.Marshal(map[string]any{"candidates": []any{map[string]any{"content": out[1]}}})
	require.NoError(t, err)

	parsed := f.ParseResponse(raw)
	require.Len(t, parsed, 1)
	assert.Equal(t, message.Text("hello"), parsed[0].Content)
}

func TestGeminiFormatter_ParseStreamResponse(t *testing.T) {
	f := NewGeminiFormatter(nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{
			name: "sse",
			body: `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]}

data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"fc1","name":"f","args":{}}}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":9}}
`,
		},
		{
			name: "json array",
			body: ` [
				{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]},
				{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]},
				{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"fc1","name":"f","args":{}}}]},"finishReason":"STOP"}]}
			]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.ParseStreamResponse(context.Background(), f.NewStream(io.NopCloser(strings.NewReader(tt.body))))
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, message.Text("Hello"), out[0].Content)
			require.Len(t, out[0].ToolCalls, 1)
			assert.Equal(t, "fc1", out[0].ToolCalls[0].ID)
		})
	}
}

func TestGeminiFormatter_StreamError(t *testing.T) {
	f := NewGeminiFormatter(nil, nil)

	body := `data: {"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}` + "\n"

	_, err := f.ParseStreamResponse(context.Background(), f.NewStream(io.NopCloser(strings.NewReader(body))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
}
