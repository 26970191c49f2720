package formatter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Davincible/msgbridge/internal/capability"
	"github.com/Davincible/msgbridge/internal/message"
)

// OpenAIMessage is one entry of the Chat Completions "messages" array.
type OpenAIMessage struct {
	Role       string                  `json:"role"`
	Content    WireContent[OpenAIPart] `json:"content"`
	Name       string                  `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string                  `json:"tool_call_id,omitempty"`
}

// OpenAIPart is a content part of a user message.
type OpenAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
	File     *OpenAIFile     `json:"file,omitempty"`
}

type OpenAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type OpenAIFile struct {
	FileData string `json:"file_data,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	FinishReason *string        `json:"finish_reason"`
	Delta        *struct {
		Content      *string             `json:"content"`
		ToolCalls    []OpenAIToolCall    `json:"tool_calls"`
		FunctionCall *OpenAIFunctionCall `json:"function_call"`
	} `json:"delta,omitempty"`
}

type openaiCompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   map[string]any `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// openaiLegacyMessage carries the deprecated single function_call field.
type openaiLegacyMessage struct {
	FunctionCall *OpenAIFunctionCall `json:"function_call,omitempty"`
}

// OpenAIFormatter targets the OpenAI Chat Completions API and the compatible
// endpoints of OpenRouter, NVIDIA and DeepSeek.
type OpenAIFormatter struct {
	base
}

func NewOpenAIFormatter(rules *capability.Rules, logger *slog.Logger) *OpenAIFormatter {
	return &OpenAIFormatter{base: newBase(rules, logger, DialectOpenAI)}
}

func (f *OpenAIFormatter) Name() string {
	return DialectOpenAI
}

func (f *OpenAIFormatter) FormatSystemPrompt(string) (string, bool) {
	return "", false
}

func (f *OpenAIFormatter) Format(history []message.Message, fctx capability.Context, systemPrompt string) []any {
	return toAny(f.FormatMessages(history, fctx, systemPrompt))
}

func (f *OpenAIFormatter) FormatMessages(history []message.Message, fctx capability.Context, systemPrompt string) []OpenAIMessage {
	filtered := f.filter(history, fctx)

	entries := pairToolCalls(f.logger, filtered, pairing[OpenAIMessage]{
		plain:  f.plainMessage,
		call:   f.callMessage,
		result: f.resultMessage,
	})

	if systemPrompt == "" {
		return entries
	}

	out := make([]OpenAIMessage, 0, len(entries)+1)
	out = append(out, OpenAIMessage{Role: string(message.RoleSystem), Content: textContent[OpenAIPart](systemPrompt)})

	return append(out, entries...)
}

func (f *OpenAIFormatter) plainMessage(m message.Message) []OpenAIMessage {
	// Only user messages may carry media parts.
	if m.Role != message.RoleUser {
		text := openaiFlatText(m.Content)
		if text == "" {
			f.logger.Debug("Skipping message without content", "role", m.Role)
			return nil
		}

		return []OpenAIMessage{{Role: string(m.Role), Content: textContent[OpenAIPart](text)}}
	}

	switch c := m.Content.(type) {
	case message.Text:
		if c != "" {
			return []OpenAIMessage{{Role: string(m.Role), Content: textContent[OpenAIPart](string(c))}}
		}
	case message.Parts:
		if parts := openaiParts(c); len(parts) > 0 {
			return []OpenAIMessage{{Role: string(m.Role), Content: partsContent(parts)}}
		}
	}

	f.logger.Debug("Skipping message without content", "role", m.Role)

	return nil
}

func (f *OpenAIFormatter) callMessage(leading message.Content, tc message.ToolCall) OpenAIMessage {
	entry := OpenAIMessage{
		Role: string(message.RoleAssistant),
		ToolCalls: []OpenAIToolCall{{
			ID:   tc.ID,
			Type: "function",
			Function: OpenAIFunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(rawArguments(tc.Function.Arguments)),
			},
		}},
	}

	if text := openaiFlatText(leading); text != "" {
		entry.Content = textContent[OpenAIPart](text)
	}

	return entry
}

func (f *OpenAIFormatter) resultMessage(m message.Message, _ *message.ToolCall) OpenAIMessage {
	return OpenAIMessage{
		Role:       string(message.RoleTool),
		ToolCallID: m.ToolCallID,
		Content:    textContent[OpenAIPart](openaiFlatText(m.Content)),
	}
}

// openaiFlatText renders content for roles that only accept text. Media parts
// leave a short marker.
func openaiFlatText(c message.Content) string {
	parts, ok := c.(message.Parts)
	if !ok {
		return message.TextOf(c)
	}

	var sb strings.Builder

	for _, p := range parts {
		var piece string

		switch part := p.(type) {
		case message.TextPart:
			piece = part.Text
		case message.ImagePart:
			piece = "[image: " + part.MIMEType + "]"
		case message.FilePart:
			label := part.Filename
			if label == "" {
				label = part.MIMEType
			}

			piece = "[file: " + label + "]"
		}

		if piece == "" {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("\n")
		}

		sb.WriteString(piece)
	}

	return sb.String()
}

func openaiParts(parts message.Parts) []OpenAIPart {
	out := make([]OpenAIPart, 0, len(parts))

	for _, p := range parts {
		switch part := p.(type) {
		case message.TextPart:
			if part.Text != "" {
				out = append(out, OpenAIPart{Type: "text", Text: part.Text})
			}
		case message.ImagePart:
			out = append(out, OpenAIPart{Type: "image_url", ImageURL: &OpenAIImageURL{URL: openaiMediaURL(part.Data, part.MIMEType)}})
		case message.FilePart:
			out = append(out, OpenAIPart{Type: "file", File: &OpenAIFile{
				FileData: openaiMediaURL(part.Data, part.MIMEType),
				Filename: part.Filename,
			}})
		}
	}

	return out
}

// openaiMediaURL keeps http(s) URLs and wraps everything else in a data URI.
func openaiMediaURL(data, declared string) string {
	if message.ClassifySource(data) == message.SourceURL {
		return strings.TrimSpace(data)
	}

	return message.DataURI(message.SplitDataURI(data, declared))
}

// ParseResponse reads the first choice of a chat completion.
func (f *OpenAIFormatter) ParseResponse(raw []byte) []message.Message {
	var resp openaiCompletion
	if err := json.Unmarshal(raw, &resp); err != nil {
		f.logger.Warn("Failed to decode OpenAI response", "error", err)
		return nil
	}

	if resp.Error != nil {
		f.logger.Warn("OpenAI response is an error", "error_type", resp.Error.Type, "message", resp.Error.Message)
		return nil
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		f.logger.Warn("OpenAI response has no choices")
		return nil
	}

	msg := resp.Choices[0].Message

	var text strings.Builder
	if msg.Content.Text != nil {
		text.WriteString(*msg.Content.Text)
	}

	for _, p := range msg.Content.Parts {
		if p.Type == "text" {
			text.WriteString(p.Text)
		}
	}

	toolCalls := make([]message.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, openaiToInternalCall(tc.ID, tc.Function))
	}

	if len(toolCalls) == 0 {
		if legacy := openaiLegacyCall(raw); legacy != nil {
			toolCalls = append(toolCalls, openaiToInternalCall("", *legacy))
		}
	}

	if text.Len() == 0 && len(toolCalls) == 0 {
		return nil
	}

	parsed := message.Message{Role: message.RoleAssistant, Content: contentOrNil(text.String())}
	if len(toolCalls) > 0 {
		parsed.ToolCalls = toolCalls
	}

	return []message.Message{parsed}
}

func openaiLegacyCall(raw []byte) *OpenAIFunctionCall {
	var legacy struct {
		Choices []struct {
			Message openaiLegacyMessage `json:"message"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(raw, &legacy); err != nil || len(legacy.Choices) == 0 {
		return nil
	}

	fc := legacy.Choices[0].Message.FunctionCall
	if fc == nil || fc.Name == "" {
		return nil
	}

	return fc
}

// openaiToInternalCall generates an id for legacy function calls, which have none.
func openaiToInternalCall(id string, fn OpenAIFunctionCall) message.ToolCall {
	if id == "" {
		id = "call_" + uuid.NewString()
	}

	return message.ToolCall{
		ID:       id,
		Type:     "function",
		Function: message.FunctionCall{Name: fn.Name, Arguments: argumentString(json.RawMessage(fn.Arguments))},
	}
}

func (f *OpenAIFormatter) ParseStreamResponse(ctx context.Context, stream Stream) ([]message.Message, error) {
	raw, err := stream.Final(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve openai stream: %w", err)
	}

	return f.ParseResponse(raw), nil
}

// NewStream aggregates chat.completion.chunk events into one chat completion.
func (f *OpenAIFormatter) NewStream(body io.ReadCloser) Stream {
	return NewReaderStream(body, aggregateOpenAIStream)
}

// openaiCallState tracks one streamed tool call.
type openaiCallState struct {
	index     int
	id        string
	name      string
	arguments string
}

type openaiStreamState struct {
	id           string
	model        string
	text         strings.Builder
	calls        []*openaiCallState
	finishReason *string
	usage        map[string]any
}

// findOrCreateCall locates a call by index first, then by id. A fragment with
// neither a known index nor an id is dropped.
func (s *openaiStreamState) findOrCreateCall(tc OpenAIToolCall) *openaiCallState {
	if tc.Index != nil {
		for _, c := range s.calls {
			if c.index == *tc.Index {
				return c
			}
		}
	}

	if tc.ID != "" {
		for _, c := range s.calls {
			if c.id == tc.ID {
				return c
			}
		}
	}

	if tc.ID == "" && tc.Index == nil {
		return nil
	}

	state := &openaiCallState{id: tc.ID, index: len(s.calls)}
	if tc.Index != nil {
		state.index = *tc.Index
	}

	s.calls = append(s.calls, state)

	return state
}

// appendArguments handles providers that send argument deltas as well as
// providers that resend the cumulative string.
func (c *openaiCallState) appendArguments(args string) {
	if args == "" {
		return
	}

	if len(args) > len(c.arguments) && c.arguments != "" && strings.HasPrefix(args, c.arguments) {
		c.arguments = args
		return
	}

	c.arguments += args
}

func aggregateOpenAIStream(r io.Reader) ([]byte, error) {
	state := &openaiStreamState{}

	err := readSSE(r, func(_, data string) error {
		var chunk openaiCompletion
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode openai stream chunk: %w", err)
		}

		if chunk.Error != nil {
			return fmt.Errorf("openai stream error: %s: %s", chunk.Error.Type, chunk.Error.Message)
		}

		if state.id == "" {
			state.id = chunk.ID
			state.model = chunk.Model
		}

		if chunk.Usage != nil {
			state.usage = chunk.Usage
		}

		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}

			if choice.FinishReason != nil {
				state.finishReason = choice.FinishReason
			}

			if choice.Delta == nil {
				continue
			}

			if choice.Delta.Content != nil {
				state.text.WriteString(*choice.Delta.Content)
			}

			if fc := choice.Delta.FunctionCall; fc != nil {
				zero := 0
				choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, OpenAIToolCall{Index: &zero, Function: *fc})
			}

			for _, tc := range choice.Delta.ToolCalls {
				call := state.findOrCreateCall(tc)
				if call == nil {
					continue
				}

				if tc.ID != "" {
					call.id = tc.ID
				}

				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}

				call.appendArguments(tc.Function.Arguments)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := &OpenAIMessage{Role: string(message.RoleAssistant)}
	if state.text.Len() > 0 {
		msg.Content = textContent[OpenAIPart](state.text.String())
	}

	for _, c := range state.calls {
		msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
			ID:       c.id,
			Type:     "function",
			Function: OpenAIFunctionCall{Name: c.name, Arguments: c.arguments},
		})
	}

	return json.Marshal(openaiCompletion{
		ID:      state.id,
		Object:  "chat.completion",
		Model:   state.model,
		Choices: []openaiChoice{{Message: msg, FinishReason: state.finishReason}},
		Usage:   state.usage,
	})
}
