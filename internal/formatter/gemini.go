package formatter

import (
	"bufio"
	"bytes"
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

const (
	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

// GeminiContent is one entry of the generateContent "contents" array.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	InlineData       *GeminiBlob             `json:"inlineData,omitempty"`
	FileData         *GeminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

type GeminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type GeminiFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  map[string]any        `json:"usageMetadata,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
	ResponseID     string                `json:"responseId,omitempty"`
	Error          *geminiError          `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      *GeminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Index        int            `json:"index,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// GeminiFormatter targets the Gemini generateContent API.
type GeminiFormatter struct {
	base
}

func NewGeminiFormatter(rules *capability.Rules, logger *slog.Logger) *GeminiFormatter {
	return &GeminiFormatter{base: newBase(rules, logger, DialectGemini)}
}

func (f *GeminiFormatter) Name() string {
	return DialectGemini
}

// FormatSystemPrompt passes the prompt through for systemInstruction.
func (f *GeminiFormatter) FormatSystemPrompt(systemPrompt string) (string, bool) {
	return systemPrompt, systemPrompt != ""
}

func (f *GeminiFormatter) Format(history []message.Message, fctx capability.Context, systemPrompt string) []any {
	return toAny(f.FormatContents(history, fctx))
}

func (f *GeminiFormatter) FormatContents(history []message.Message, fctx capability.Context) []GeminiContent {
	filtered := f.filter(history, fctx)

	return pairToolCalls(f.logger, filtered, pairing[GeminiContent]{
		plain:  f.plainContent,
		call:   f.callContent,
		result: f.resultContent,
	})
}

func geminiRole(r message.Role) string {
	if r == message.RoleAssistant {
		return geminiRoleModel
	}

	return geminiRoleUser
}

func (f *GeminiFormatter) plainContent(m message.Message) []GeminiContent {
	if m.Role == message.RoleSystem {
		return nil
	}

	parts := geminiParts(m.Content)
	if len(parts) == 0 {
		f.logger.Debug("Skipping message without content", "role", m.Role)
		return nil
	}

	return []GeminiContent{{Role: geminiRole(m.Role), Parts: parts}}
}

func (f *GeminiFormatter) callContent(leading message.Content, tc message.ToolCall) GeminiContent {
	parts := geminiParts(leading)
	parts = append(parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
		ID:   tc.ID,
		Name: tc.Function.Name,
		Args: rawArguments(tc.Function.Arguments),
	}})

	return GeminiContent{Role: geminiRoleModel, Parts: parts}
}

// resultContent sends the result as a functionResponse. Media in the result
// follows as inline parts of the same turn.
func (f *GeminiFormatter) resultContent(m message.Message, call *message.ToolCall) GeminiContent {
	parts := []GeminiPart{{FunctionResponse: &GeminiFunctionResponse{
		ID:       m.ToolCallID,
		Name:     toolName(m, call),
		Response: geminiResponseValue(message.TextOf(m.Content)),
	}}}

	if media, ok := m.Content.(message.Parts); ok {
		for _, p := range geminiParts(media) {
			if p.Text == "" {
				parts = append(parts, p)
			}
		}
	}

	return GeminiContent{Role: geminiRoleUser, Parts: parts}
}

// geminiResponseValue returns JSON objects as they are and wraps anything else
// as {"content": ...}, since the API expects a Struct.
func geminiResponseValue(text string) json.RawMessage {
	var wrapped any = text

	if structured, ok := structuredResult(text); ok {
		if structured[0] == '{' {
			return structured
		}

		wrapped = structured
	}

	encoded, _ := json.Marshal(map[string]any{"content": wrapped})

	return encoded
}

func geminiParts(c message.Content) []GeminiPart {
	switch v := c.(type) {
	case message.Text:
		if v == "" {
			return nil
		}

		return []GeminiPart{{Text: string(v)}}
	case message.Parts:
		parts := make([]GeminiPart, 0, len(v))

		for _, p := range v {
			switch part := p.(type) {
			case message.TextPart:
				if part.Text != "" {
					parts = append(parts, GeminiPart{Text: part.Text})
				}
			case message.ImagePart:
				parts = append(parts, geminiMedia(part.Data, part.MIMEType))
			case message.FilePart:
				parts = append(parts, geminiMedia(part.Data, part.MIMEType))
			}
		}

		return parts
	default:
		return nil
	}
}

func geminiMedia(data, declared string) GeminiPart {
	if message.ClassifySource(data) == message.SourceURL {
		return GeminiPart{FileData: &GeminiFileData{MimeType: declared, FileURI: strings.TrimSpace(data)}}
	}

	mediaType, payload := message.SplitDataURI(data, declared)

	return GeminiPart{InlineData: &GeminiBlob{MimeType: mediaType, Data: payload}}
}

// ParseResponse reads the first candidate. Thought parts are skipped and
// function calls without an id get a generated one.
func (f *GeminiFormatter) ParseResponse(raw []byte) []message.Message {
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		f.logger.Warn("Failed to decode Gemini response", "error", err)
		return nil
	}

	if resp.Error != nil {
		f.logger.Warn("Gemini response is an error", "status", resp.Error.Status, "message", resp.Error.Message)
		return nil
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			f.logger.Warn("Gemini blocked the prompt", "block_reason", resp.PromptFeedback.BlockReason)
		} else {
			f.logger.Warn("Gemini response has no candidates")
		}

		return nil
	}

	var (
		text      strings.Builder
		toolCalls []message.ToolCall
	)

	for _, p := range resp.Candidates[0].Content.Parts {
		switch {
		case p.Thought:
			continue
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}

			toolCalls = append(toolCalls, message.ToolCall{
				ID:   id,
				Type: "function",
				Function: message.FunctionCall{
					Name:      p.FunctionCall.Name,
					Arguments: argumentString(p.FunctionCall.Args),
				},
			})
		default:
			text.WriteString(p.Text)
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

func (f *GeminiFormatter) ParseStreamResponse(ctx context.Context, stream Stream) ([]message.Message, error) {
	raw, err := stream.Final(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve gemini stream: %w", err)
	}

	return f.ParseResponse(raw), nil
}

// NewStream aggregates streamGenerateContent output, either SSE (alt=sse) or
// the default JSON array of responses.
func (f *GeminiFormatter) NewStream(body io.ReadCloser) Stream {
	return NewReaderStream(body, aggregateGeminiStream)
}

type geminiMerger struct {
	resp  geminiResponse
	parts []GeminiPart
}

func (m *geminiMerger) add(chunk geminiResponse) error {
	if chunk.Error != nil {
		return fmt.Errorf("gemini stream error: %s: %s", chunk.Error.Status, chunk.Error.Message)
	}

	if chunk.ResponseID != "" {
		m.resp.ResponseID = chunk.ResponseID
	}

	if chunk.ModelVersion != "" {
		m.resp.ModelVersion = chunk.ModelVersion
	}

	if chunk.UsageMetadata != nil {
		m.resp.UsageMetadata = chunk.UsageMetadata
	}

	if chunk.PromptFeedback != nil {
		m.resp.PromptFeedback = chunk.PromptFeedback
	}

	if len(chunk.Candidates) == 0 {
		return nil
	}

	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		m.resp.Candidates = []geminiCandidate{{FinishReason: cand.FinishReason}}
	}

	if cand.Content == nil {
		return nil
	}

	for _, p := range cand.Content.Parts {
		last := len(m.parts) - 1
		if p.Text != "" && last >= 0 && m.parts[last].Text != "" && m.parts[last].Thought == p.Thought {
			m.parts[last].Text += p.Text
			continue
		}

		m.parts = append(m.parts, p)
	}

	return nil
}

func (m *geminiMerger) result() ([]byte, error) {
	cand := geminiCandidate{}
	if len(m.resp.Candidates) > 0 {
		cand = m.resp.Candidates[0]
	}

	if len(m.parts) > 0 {
		cand.Content = &GeminiContent{Role: geminiRoleModel, Parts: m.parts}
	}

	if cand.Content != nil || cand.FinishReason != "" {
		m.resp.Candidates = []geminiCandidate{cand}
	}

	return json.Marshal(m.resp)
}

func aggregateGeminiStream(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	merger := &geminiMerger{}

	if geminiIsArray(br) {
		dec := json.NewDecoder(br)

		var chunks []geminiResponse
		if err := dec.Decode(&chunks); err != nil {
			return nil, fmt.Errorf("decode gemini stream array: %w", err)
		}

		for _, chunk := range chunks {
			if err := merger.add(chunk); err != nil {
				return nil, err
			}
		}

		return merger.result()
	}

	err := readSSE(br, func(_, data string) error {
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode gemini stream chunk: %w", err)
		}

		return merger.add(chunk)
	})
	if err != nil {
		return nil, err
	}

	return merger.result()
}

// geminiIsArray peeks past leading whitespace for a '['.
func geminiIsArray(br *bufio.Reader) bool {
	for n := 1; ; n++ {
		peek, err := br.Peek(n)
		if len(peek) < n {
			return false
		}

		c := peek[n-1]
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(c)) {
			return c == '['
		}

		if err != nil {
			return false
		}
	}
}
