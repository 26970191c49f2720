package formatter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/Davincible/msgbridge/internal/capability"
	"github.com/Davincible/msgbridge/internal/message"
)

const (
	anthropicBlockText       = "text"
	anthropicBlockImage      = "image"
	anthropicBlockDocument   = "document"
	anthropicBlockToolUse    = "tool_use"
	anthropicBlockToolResult = "tool_result"

	anthropicSourceBase64 = "base64"
	anthropicSourceURL    = "url"
	anthropicSourceText   = "text"
)

// AnthropicMessage is one entry of the Messages API "messages" array.
type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content []AnthropicBlock `json:"content"`
}

// AnthropicBlock is a content block, discriminated by Type.
type AnthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *AnthropicSource `json:"source,omitempty"`
	Title     string           `json:"title,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   any              `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

// AnthropicSource locates image or document bytes.
type AnthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role,omitempty"`
	Model      string           `json:"model"`
	Content    []AnthropicBlock `json:"content"`
	StopReason *string          `json:"stop_reason,omitempty"`
	Usage      map[string]any   `json:"usage,omitempty"`
	Error      *anthropicError  `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicFormatter targets the content-block style of the Anthropic Messages API.
type AnthropicFormatter struct {
	base
}

func NewAnthropicFormatter(rules *capability.Rules, logger *slog.Logger) *AnthropicFormatter {
	return &AnthropicFormatter{base: newBase(rules, logger, DialectAnthropic)}
}

func (f *AnthropicFormatter) Name() string {
	return DialectAnthropic
}

// FormatSystemPrompt passes the prompt through for the top-level "system" field.
func (f *AnthropicFormatter) FormatSystemPrompt(systemPrompt string) (string, bool) {
	return systemPrompt, systemPrompt != ""
}

func (f *AnthropicFormatter) Format(history []message.Message, fctx capability.Context, systemPrompt string) []any {
	return toAny(f.FormatMessages(history, fctx))
}

// FormatMessages builds the "messages" array. System messages are skipped; the
// system prompt travels out of band.
func (f *AnthropicFormatter) FormatMessages(history []message.Message, fctx capability.Context) []AnthropicMessage {
	filtered := f.filter(history, fctx)

	return pairToolCalls(f.logger, filtered, pairing[AnthropicMessage]{
		plain:  f.plainMessage,
		call:   f.callMessage,
		result: f.resultMessage,
	})
}

func (f *AnthropicFormatter) plainMessage(m message.Message) []AnthropicMessage {
	if m.Role == message.RoleSystem {
		return nil
	}

	blocks := f.blocks(m.Content)
	if len(blocks) == 0 {
		f.logger.Debug("Skipping message without content", "role", m.Role)
		return nil
	}

	return []AnthropicMessage{{Role: string(m.Role), Content: blocks}}
}

func (f *AnthropicFormatter) callMessage(leading message.Content, tc message.ToolCall) AnthropicMessage {
	blocks := f.blocks(leading)
	blocks = append(blocks, AnthropicBlock{
		Type:  anthropicBlockToolUse,
		ID:    tc.ID,
		Name:  tc.Function.Name,
		Input: rawArguments(tc.Function.Arguments),
	})

	return AnthropicMessage{Role: string(message.RoleAssistant), Content: blocks}
}

func (f *AnthropicFormatter) resultMessage(m message.Message, _ *message.ToolCall) AnthropicMessage {
	block := AnthropicBlock{
		Type:      anthropicBlockToolResult,
		ToolUseID: m.ToolCallID,
	}

	switch c := m.Content.(type) {
	case message.Text:
		block.Content = string(c)
	case message.Parts:
		block.Content = f.blocks(c)
	}

	return AnthropicMessage{Role: string(message.RoleUser), Content: []AnthropicBlock{block}}
}

func (f *AnthropicFormatter) blocks(c message.Content) []AnthropicBlock {
	switch v := c.(type) {
	case message.Text:
		if v == "" {
			return nil
		}

		return []AnthropicBlock{{Type: anthropicBlockText, Text: string(v)}}
	case message.Parts:
		blocks := make([]AnthropicBlock, 0, len(v))

		for _, p := range v {
			switch part := p.(type) {
			case message.TextPart:
				if part.Text != "" {
					blocks = append(blocks, AnthropicBlock{Type: anthropicBlockText, Text: part.Text})
				}
			case message.ImagePart:
				blocks = append(blocks, AnthropicBlock{
					Type:   anthropicBlockImage,
					Source: anthropicMediaSource(part.Data, part.MIMEType),
				})
			case message.FilePart:
				blocks = append(blocks, AnthropicBlock{
					Type:   anthropicBlockDocument,
					Source: anthropicDocumentSource(part.Data, part.MIMEType),
					Title:  part.Filename,
				})
			}
		}

		return blocks
	default:
		return nil
	}
}

func anthropicMediaSource(data, declared string) *AnthropicSource {
	if message.ClassifySource(data) == message.SourceURL {
		return &AnthropicSource{Type: anthropicSourceURL, URL: strings.TrimSpace(data)}
	}

	mediaType, payload := message.SplitDataURI(data, declared)

	return &AnthropicSource{Type: anthropicSourceBase64, MediaType: mediaType, Data: payload}
}

// anthropicDocumentSource sends plain text documents as a text source, which is
// the only form the API accepts for them.
func anthropicDocumentSource(data, declared string) *AnthropicSource {
	src := anthropicMediaSource(data, declared)
	if src.Type != anthropicSourceBase64 || src.MediaType != "text/plain" {
		return src
	}

	decoded, err := base64.StdEncoding.DecodeString(src.Data)
	if err != nil {
		return src
	}

	return &AnthropicSource{Type: anthropicSourceText, MediaType: src.MediaType, Data: string(decoded)}
}

// ParseResponse converts a Messages API response into one assistant message.
func (f *AnthropicFormatter) ParseResponse(raw []byte) []message.Message {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		f.logger.Warn("Failed to decode Anthropic response", "error", err)
		return nil
	}

	if resp.Error != nil || resp.Type == "error" {
		f.logger.Warn("Anthropic response is an error", "error_type", errorType(resp.Error), "message", errorMessage(resp.Error))
		return nil
	}

	var (
		text      strings.Builder
		toolCalls []message.ToolCall
	)

	for _, block := range resp.Content {
		switch block.Type {
		case anthropicBlockText:
			text.WriteString(block.Text)
		case anthropicBlockToolUse:
			toolCalls = append(toolCalls, message.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: message.FunctionCall{
					Name:      block.Name,
					Arguments: argumentString(block.Input),
				},
			})
		}
	}

	if text.Len() == 0 && len(toolCalls) == 0 {
		return nil
	}

	return []message.Message{{
		Role:      message.RoleAssistant,
		Content:   contentOrNil(text.String()),
		ToolCalls: toolCalls,
	}}
}

func errorType(e *anthropicError) string {
	if e == nil {
		return ""
	}

	return e.Type
}

func errorMessage(e *anthropicError) string {
	if e == nil {
		return ""
	}

	return e.Message
}

func (f *AnthropicFormatter) ParseStreamResponse(ctx context.Context, stream Stream) ([]message.Message, error) {
	raw, err := stream.Final(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve anthropic stream: %w", err)
	}

	return f.ParseResponse(raw), nil
}

// NewStream aggregates a Messages API server-sent event stream.
func (f *AnthropicFormatter) NewStream(body io.ReadCloser) Stream {
	return NewReaderStream(body, aggregateAnthropicStream)
}

// anthropicBlockState tracks one content block while its deltas arrive.
type anthropicBlockState struct {
	block     AnthropicBlock
	text      strings.Builder
	arguments strings.Builder
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *AnthropicBlock    `json:"content_block,omitempty"`
	Delta        struct {
		Type        string  `json:"type"`
		Text        string  `json:"text"`
		PartialJSON string  `json:"partial_json"`
		StopReason  *string `json:"stop_reason"`
	} `json:"delta"`
	Usage map[string]any  `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

func aggregateAnthropicStream(r io.Reader) ([]byte, error) {
	resp := anthropicResponse{Type: "message", Role: string(message.RoleAssistant)}
	blocks := make(map[int]*anthropicBlockState)

	err := readSSE(r, func(_, data string) error {
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode anthropic stream event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				resp.ID = ev.Message.ID
				resp.Model = ev.Message.Model
				resp.Usage = ev.Message.Usage
			}
		case "content_block_start":
			if ev.ContentBlock != nil {
				state := &anthropicBlockState{block: *ev.ContentBlock}
				state.text.WriteString(ev.ContentBlock.Text)
				blocks[ev.Index] = state
			}
		case "content_block_delta":
			state, ok := blocks[ev.Index]
			if !ok {
				state = &anthropicBlockState{block: AnthropicBlock{Type: anthropicBlockText}}
				blocks[ev.Index] = state
			}

			switch ev.Delta.Type {
			case "text_delta":
				state.text.WriteString(ev.Delta.Text)
			case "input_json_delta":
				state.arguments.WriteString(ev.Delta.PartialJSON)
			}
		case "message_delta":
			if ev.Delta.StopReason != nil {
				resp.StopReason = ev.Delta.StopReason
			}

			if ev.Usage != nil {
				if resp.Usage == nil {
					resp.Usage = map[string]any{}
				}

				for k, v := range ev.Usage {
					resp.Usage[k] = v
				}
			}
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

			return errors.New("anthropic stream error")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(blocks))
	for i := range blocks {
		indexes = append(indexes, i)
	}

	sort.Ints(indexes)

	for _, i := range indexes {
		state := blocks[i]
		block := state.block

		switch block.Type {
		case anthropicBlockText:
			block.Text = state.text.String()
		case anthropicBlockToolUse:
			if args := state.arguments.String(); args != "" && json.Valid([]byte(args)) {
				block.Input = json.RawMessage(args)
			}
		}

		resp.Content = append(resp.Content, block)
	}

	if resp.Content == nil {
		resp.Content = []AnthropicBlock{}
	}

	return json.Marshal(resp)
}
