package formatter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Davincible/msgbridge/internal/capability"
	"github.com/Davincible/msgbridge/internal/message"
)

const (
	aisdkPartText       = "text"
	aisdkPartImage      = "image"
	aisdkPartFile       = "file"
	aisdkPartToolCall   = "tool-call"
	aisdkPartToolResult = "tool-result"
)

// AISDKMessage is a core message of the Vercel AI SDK.
type AISDKMessage struct {
	Role    string                 `json:"role"`
	Content WireContent[AISDKPart] `json:"content"`
}

// AISDKPart is one content part of an AISDKMessage. Both the v4 (args, result)
// and v5 (input, output) tool fields are understood when parsing.
type AISDKPart struct {
	Type                string          `json:"type"`
	Text                string          `json:"text,omitempty"`
	Image               string          `json:"image,omitempty"`
	Data                string          `json:"data,omitempty"`
	MimeType            string          `json:"mimeType,omitempty"`
	Filename            string          `json:"filename,omitempty"`
	ToolCallID          string          `json:"toolCallId,omitempty"`
	ToolName            string          `json:"toolName,omitempty"`
	Args                json.RawMessage `json:"args,omitempty"`
	Input               json.RawMessage `json:"input,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	Output              json.RawMessage `json:"output,omitempty"`
	IsError             bool            `json:"isError,omitempty"`
	ExperimentalContent []AISDKPart     `json:"experimental_content,omitempty"`
}

type aisdkToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type aisdkToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Result     json.RawMessage `json:"result,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// aisdkResult is the subset of a generateText result that carries messages.
type aisdkResult struct {
	Text         string            `json:"text"`
	ToolCalls    []aisdkToolCall   `json:"toolCalls,omitempty"`
	ToolResults  []aisdkToolResult `json:"toolResults,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
	Response     *struct {
		Messages []AISDKMessage `json:"messages"`
	} `json:"response,omitempty"`
}

// AISDKFormatter targets the message-array style of the Vercel AI SDK.
type AISDKFormatter struct {
	base
}

func NewAISDKFormatter(rules *capability.Rules, logger *slog.Logger) *AISDKFormatter {
	return &AISDKFormatter{base: newBase(rules, logger, DialectAISDK)}
}

func (f *AISDKFormatter) Name() string {
	return DialectAISDK
}

// FormatSystemPrompt reports that the prompt is already embedded in the messages.
func (f *AISDKFormatter) FormatSystemPrompt(string) (string, bool) {
	return "", false
}

func (f *AISDKFormatter) Format(history []message.Message, fctx capability.Context, systemPrompt string) []any {
	return toAny(f.FormatMessages(history, fctx, systemPrompt))
}

// FormatMessages builds the messages array with the system prompt as its first entry.
func (f *AISDKFormatter) FormatMessages(history []message.Message, fctx capability.Context, systemPrompt string) []AISDKMessage {
	filtered := f.filter(history, fctx)

	entries := pairToolCalls(f.logger, filtered, pairing[AISDKMessage]{
		plain:  f.plainMessage,
		call:   f.callMessage,
		result: f.resultMessage,
	})

	if systemPrompt == "" {
		return entries
	}

	out := make([]AISDKMessage, 0, len(entries)+1)
	out = append(out, AISDKMessage{Role: string(message.RoleSystem), Content: textContent[AISDKPart](systemPrompt)})

	return append(out, entries...)
}

func (f *AISDKFormatter) plainMessage(m message.Message) []AISDKMessage {
	if m.Role == message.RoleSystem {
		text := message.TextOf(m.Content)
		if text == "" {
			return nil
		}

		return []AISDKMessage{{Role: string(m.Role), Content: textContent[AISDKPart](text)}}
	}

	switch c := m.Content.(type) {
	case message.Text:
		if c == "" {
			break
		}

		return []AISDKMessage{{Role: string(m.Role), Content: textContent[AISDKPart](string(c))}}
	case message.Parts:
		parts := aisdkParts(c)
		if len(parts) == 0 {
			break
		}

		return []AISDKMessage{{Role: string(m.Role), Content: partsContent(parts)}}
	}

	f.logger.Debug("Skipping message without content", "role", m.Role)

	return nil
}

func (f *AISDKFormatter) callMessage(leading message.Content, tc message.ToolCall) AISDKMessage {
	parts := aisdkParts(leading)
	parts = append(parts, AISDKPart{
		Type:       aisdkPartToolCall,
		ToolCallID: tc.ID,
		ToolName:   tc.Function.Name,
		Args:       rawArguments(tc.Function.Arguments),
	})

	return AISDKMessage{Role: string(message.RoleAssistant), Content: partsContent(parts)}
}

func (f *AISDKFormatter) resultMessage(m message.Message, call *message.ToolCall) AISDKMessage {
	part := AISDKPart{
		Type:       aisdkPartToolResult,
		ToolCallID: m.ToolCallID,
		ToolName:   toolName(m, call),
		Result:     aisdkResultValue(message.TextOf(m.Content)),
	}

	if parts, ok := m.Content.(message.Parts); ok && m.HasMedia() {
		part.ExperimentalContent = aisdkSideChannel(parts)
	}

	return AISDKMessage{Role: string(message.RoleTool), Content: partsContent([]AISDKPart{part})}
}

// aisdkResultValue keeps JSON objects and arrays structured and sends anything
// else as a string.
func aisdkResultValue(text string) json.RawMessage {
	if structured, ok := structuredResult(text); ok {
		return structured
	}

	encoded, _ := json.Marshal(text)

	return encoded
}

func aisdkParts(c message.Content) []AISDKPart {
	switch v := c.(type) {
	case message.Text:
		if v == "" {
			return nil
		}

		return []AISDKPart{{Type: aisdkPartText, Text: string(v)}}
	case message.Parts:
		parts := make([]AISDKPart, 0, len(v))

		for _, p := range v {
			switch part := p.(type) {
			case message.TextPart:
				if part.Text != "" {
					parts = append(parts, AISDKPart{Type: aisdkPartText, Text: part.Text})
				}
			case message.ImagePart:
				data, mediaType := aisdkMedia(part.Data, part.MIMEType)
				parts = append(parts, AISDKPart{Type: aisdkPartImage, Image: data, MimeType: mediaType})
			case message.FilePart:
				data, mediaType := aisdkMedia(part.Data, part.MIMEType)
				parts = append(parts, AISDKPart{
					Type:     aisdkPartFile,
					Data:     data,
					MimeType: mediaType,
					Filename: part.Filename,
				})
			}
		}

		return parts
	default:
		return nil
	}
}

// aisdkMedia returns URLs unchanged and base64 payloads without a data URI prefix.
func aisdkMedia(data, declared string) (string, string) {
	if message.ClassifySource(data) == message.SourceURL {
		mediaType := declared
		if mediaType == "" {
			mediaType = message.DefaultMediaType
		}

		return strings.TrimSpace(data), mediaType
	}

	mediaType, payload := message.SplitDataURI(data, declared)

	return payload, mediaType
}

// aisdkSideChannel renders tool result media as experimental_content, which only
// knows text and image parts.
func aisdkSideChannel(parts message.Parts) []AISDKPart {
	out := make([]AISDKPart, 0, len(parts))

	for _, p := range parts {
		switch part := p.(type) {
		case message.TextPart:
			out = append(out, AISDKPart{Type: aisdkPartText, Text: part.Text})
		case message.ImagePart:
			data, mediaType := aisdkMedia(part.Data, part.MIMEType)
			out = append(out, AISDKPart{Type: aisdkPartImage, Data: data, MimeType: mediaType})
		case message.FilePart:
			label := part.Filename
			if label == "" {
				label = part.MIMEType
			}

			out = append(out, AISDKPart{Type: aisdkPartText, Text: "[file: " + label + "]"})
		}
	}

	return out
}

// ParseResponse converts a generateText result. response.messages is preferred
// because it keeps the order of multi-step tool use; the flat text, toolCalls and
// toolResults fields are the fallback.
func (f *AISDKFormatter) ParseResponse(raw []byte) []message.Message {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []AISDKMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			f.logger.Warn("Failed to decode AI SDK messages", "error", err)
			return nil
		}

		return f.fromMessages(msgs)
	}

	var result aisdkResult
	if err := json.Unmarshal(trimmed, &result); err != nil {
		f.logger.Warn("Failed to decode AI SDK result", "error", err)
		return nil
	}

	if result.Response != nil && len(result.Response.Messages) > 0 {
		return f.fromMessages(result.Response.Messages)
	}

	var out []message.Message

	if result.Text != "" || len(result.ToolCalls) > 0 {
		assistant := message.Message{Role: message.RoleAssistant, Content: contentOrNil(result.Text)}

		for _, tc := range result.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, aisdkToInternalCall(tc.ToolCallID, tc.ToolName, tc.Args, tc.Input))
		}

		out = append(out, assistant)
	}

	for _, tr := range result.ToolResults {
		out = append(out, message.Message{
			Role:       message.RoleTool,
			Content:    contentOrNil(aisdkResultText(tr.Result, tr.Output)),
			ToolCallID: tr.ToolCallID,
			Name:       tr.ToolName,
		})
	}

	return out
}

func (f *AISDKFormatter) fromMessages(msgs []AISDKMessage) []message.Message {
	var out []message.Message

	for _, m := range msgs {
		switch message.Role(m.Role) {
		case message.RoleAssistant:
			if parsed, ok := aisdkAssistant(m); ok {
				out = append(out, parsed)
			}
		case message.RoleTool:
			for _, p := range m.Content.Parts {
				if p.Type != aisdkPartToolResult {
					continue
				}

				out = append(out, aisdkToolMessage(p))
			}
		default:
			f.logger.Debug("Ignoring response message", "role", m.Role)
		}
	}

	return out
}

func aisdkAssistant(m AISDKMessage) (message.Message, bool) {
	if m.Content.Text != nil {
		if *m.Content.Text == "" {
			return message.Message{}, false
		}

		return message.Message{Role: message.RoleAssistant, Content: message.Text(*m.Content.Text)}, true
	}

	var (
		text      strings.Builder
		toolCalls []message.ToolCall
	)

	for _, p := range m.Content.Parts {
		switch p.Type {
		case aisdkPartText:
			text.WriteString(p.Text)
		case aisdkPartToolCall:
			toolCalls = append(toolCalls, aisdkToInternalCall(p.ToolCallID, p.ToolName, p.Args, p.Input))
		}
	}

	if text.Len() == 0 && len(toolCalls) == 0 {
		return message.Message{}, false
	}

	return message.Message{
		Role:      message.RoleAssistant,
		Content:   contentOrNil(text.String()),
		ToolCalls: toolCalls,
	}, true
}

func aisdkToolMessage(p AISDKPart) message.Message {
	m := message.Message{
		Role:       message.RoleTool,
		ToolCallID: p.ToolCallID,
		Name:       p.ToolName,
		Content:    contentOrNil(aisdkResultText(p.Result, p.Output)),
	}

	var media message.Parts

	for _, side := range p.ExperimentalContent {
		if side.Type == aisdkPartImage && side.Data != "" {
			media = append(media, message.ImagePart{Data: side.Data, MIMEType: side.MimeType})
		}
	}

	if len(media) > 0 {
		parts := message.Parts{}
		if text := message.TextOf(m.Content); text != "" {
			parts = append(parts, message.TextPart{Text: text})
		}

		m.Content = append(parts, media...)
	}

	return m
}

func aisdkToInternalCall(id, name string, args, input json.RawMessage) message.ToolCall {
	raw := args
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = input
	}

	return message.ToolCall{
		ID:       id,
		Type:     "function",
		Function: message.FunctionCall{Name: name, Arguments: argumentString(raw)},
	}
}

// aisdkResultText renders a v4 result or a v5 output as tool message text.
func aisdkResultText(result, output json.RawMessage) string {
	if len(bytes.TrimSpace(result)) == 0 && len(bytes.TrimSpace(output)) > 0 {
		var typed struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		}

		if err := json.Unmarshal(output, &typed); err == nil && typed.Type != "" {
			return jsonText(typed.Value)
		}

		return jsonText(output)
	}

	return jsonText(result)
}

// jsonText unquotes JSON strings and returns any other JSON value verbatim.
func jsonText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if trimmed[0] == '"' && json.Unmarshal(trimmed, &s) == nil {
		return s
	}

	return string(trimmed)
}

func (f *AISDKFormatter) ParseStreamResponse(ctx context.Context, stream Stream) ([]message.Message, error) {
	raw, err := stream.Final(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve ai-sdk stream: %w", err)
	}

	return f.ParseResponse(raw), nil
}

// NewStream aggregates either the data stream protocol ("0:", "9:", ...) or the
// SSE based UI message stream into a generateText shaped result.
func (f *AISDKFormatter) NewStream(body io.ReadCloser) Stream {
	return NewReaderStream(body, aggregateAISDKStream)
}

// aisdkAssembler rebuilds response.messages from stream events.
type aisdkAssembler struct {
	messages     []AISDKMessage
	assistant    []AISDKPart
	results      []AISDKPart
	text         strings.Builder
	allText      strings.Builder
	names        map[string]string
	partialArgs  map[string]*strings.Builder
	finishReason string
}

func newAISDKAssembler() *aisdkAssembler {
	return &aisdkAssembler{
		names:       make(map[string]string),
		partialArgs: make(map[string]*strings.Builder),
	}
}

func (a *aisdkAssembler) flushText() {
	if a.text.Len() == 0 {
		return
	}

	a.assistant = append(a.assistant, AISDKPart{Type: aisdkPartText, Text: a.text.String()})
	a.text.Reset()
}

func (a *aisdkAssembler) flushAssistant() {
	a.flushText()

	if len(a.assistant) > 0 {
		a.messages = append(a.messages, AISDKMessage{Role: string(message.RoleAssistant), Content: partsContent(a.assistant)})
		a.assistant = nil
	}
}

func (a *aisdkAssembler) flushResults() {
	if len(a.results) > 0 {
		a.messages = append(a.messages, AISDKMessage{Role: string(message.RoleTool), Content: partsContent(a.results)})
		a.results = nil
	}
}

func (a *aisdkAssembler) addText(s string) {
	a.flushResults()
	a.text.WriteString(s)
	a.allText.WriteString(s)
}

func (a *aisdkAssembler) startCall(id, name string) {
	a.names[id] = name
	a.partialArgs[id] = &strings.Builder{}
}

func (a *aisdkAssembler) callDelta(id, delta string) {
	if b, ok := a.partialArgs[id]; ok {
		b.WriteString(delta)
	}
}

func (a *aisdkAssembler) addCall(id, name string, args json.RawMessage) {
	a.flushResults()
	a.flushText()

	if name == "" {
		name = a.names[id]
	}

	if len(bytes.TrimSpace(args)) == 0 {
		if b, ok := a.partialArgs[id]; ok {
			args = json.RawMessage(b.String())
		}
	}

	a.names[id] = name
	delete(a.partialArgs, id)

	a.assistant = append(a.assistant, AISDKPart{
		Type:       aisdkPartToolCall,
		ToolCallID: id,
		ToolName:   name,
		Args:       rawArguments(string(args)),
	})
}

func (a *aisdkAssembler) addResult(id string, result json.RawMessage) {
	a.flushAssistant()

	a.results = append(a.results, AISDKPart{
		Type:       aisdkPartToolResult,
		ToolCallID: id,
		ToolName:   a.names[id],
		Result:     result,
	})
}

func (a *aisdkAssembler) result() ([]byte, error) {
	a.flushAssistant()
	a.flushResults()

	out := map[string]any{
		"text":     a.allText.String(),
		"response": map[string]any{"messages": a.messages},
	}

	if a.finishReason != "" {
		out["finishReason"] = a.finishReason
	}

	return json.Marshal(out)
}

type aisdkStreamCall struct {
	ToolCallID    string          `json:"toolCallId"`
	ToolName      string          `json:"toolName"`
	Args          json.RawMessage `json:"args"`
	ArgsTextDelta string          `json:"argsTextDelta"`
	Result        json.RawMessage `json:"result"`
	FinishReason  string          `json:"finishReason"`
}

type aisdkUIChunk struct {
	Type           string          `json:"type"`
	Delta          string          `json:"delta"`
	ToolCallID     string          `json:"toolCallId"`
	ToolName       string          `json:"toolName"`
	InputTextDelta string          `json:"inputTextDelta"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output"`
	ErrorText      string          `json:"errorText"`
	FinishReason   string          `json:"finishReason"`
}

func aggregateAISDKStream(r io.Reader) ([]byte, error) {
	a := newAISDKAssembler()
	scanner := newLineScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}

		var err error
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}

			err = a.uiChunk(data)
		} else {
			err = a.protocolLine(line)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return a.result()
}

// protocolLine handles one "<code>:<json>" line of the data stream protocol.
func (a *aisdkAssembler) protocolLine(line string) error {
	code, payload, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("malformed ai-sdk stream line %q", line)
	}

	switch code {
	case "0":
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err != nil {
			return fmt.Errorf("decode ai-sdk text part: %w", err)
		}

		a.addText(text)
	case "3":
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err != nil {
			text = payload
		}

		return fmt.Errorf("ai-sdk stream error: %s", text)
	case "9", "a", "b", "c", "d", "e":
		var ev aisdkStreamCall
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("decode ai-sdk stream part %s: %w", code, err)
		}

		switch code {
		case "9":
			a.addCall(ev.ToolCallID, ev.ToolName, ev.Args)
		case "a":
			a.addResult(ev.ToolCallID, ev.Result)
		case "b":
			a.startCall(ev.ToolCallID, ev.ToolName)
		case "c":
			a.callDelta(ev.ToolCallID, ev.ArgsTextDelta)
		case "d", "e":
			if ev.FinishReason != "" {
				a.finishReason = ev.FinishReason
			}
		}
	}

	return nil
}

// uiChunk handles one JSON chunk of the SSE based UI message stream.
func (a *aisdkAssembler) uiChunk(data string) error {
	var ch aisdkUIChunk
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return fmt.Errorf("decode ai-sdk ui chunk: %w", err)
	}

	switch ch.Type {
	case "text-delta":
		a.addText(ch.Delta)
	case "tool-input-start":
		a.startCall(ch.ToolCallID, ch.ToolName)
	case "tool-input-delta":
		a.callDelta(ch.ToolCallID, ch.InputTextDelta)
	case "tool-input-available":
		a.addCall(ch.ToolCallID, ch.ToolName, ch.Input)
	case "tool-output-available":
		a.addResult(ch.ToolCallID, ch.Output)
	case "finish":
		if ch.FinishReason != "" {
			a.finishReason = ch.FinishReason
		}
	case "error":
		if ch.ErrorText == "" {
			return errors.New("ai-sdk stream error")
		}

		return fmt.Errorf("ai-sdk stream error: %s", ch.ErrorText)
	}

	return nil
}
