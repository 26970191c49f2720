// Package message defines the provider-agnostic conversation model shared by the
// formatters, the capability filter and the tokenizers.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}

	return false
}

// Content is the body of a message: Text, Parts, or nil for an empty body.
type Content interface {
	isContent()
}

// Text is plain text content.
type Text string

func (Text) isContent() {}

// Parts is an ordered list of typed content parts.
type Parts []Part

func (Parts) isContent() {}

// PartType names the kind of a content part.
type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeImage PartType = "image"
	PartTypeFile  PartType = "file"
)

// Part is one element of a Parts content value. The set of variants is closed.
type Part interface {
	PartType() PartType
	isPart()
}

// TextPart is a text segment.
type TextPart struct {
	Text string
}

func (TextPart) PartType() PartType { return PartTypeText }
func (TextPart) isPart()            {}

// ImagePart is an image given as base64, a data URI, or an http(s) URL.
type ImagePart struct {
	Data     string
	MIMEType string
}

func (ImagePart) PartType() PartType { return PartTypeImage }
func (ImagePart) isPart()            {}

// FilePart is a document given as base64, a data URI, or an http(s) URL.
type FilePart struct {
	Data     string
	MIMEType string
	Filename string
}

func (FilePart) PartType() PartType { return PartTypeFile }
func (FilePart) isPart()            {}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-initiated tool invocation. IDs come from the provider.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// Message is one conversation turn.
type Message struct {
	Role       Role
	Content    Content
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if parts, ok := m.Content.(Parts); ok {
		out.Content = append(Parts(nil), parts...)
	}

	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}

	return out
}

// CloneHistory deep-copies a history so callers can transform it freely.
func CloneHistory(history []Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m.Clone()
	}

	return out
}

// HasMedia reports whether the message carries image or file parts.
func (m Message) HasMedia() bool {
	parts, ok := m.Content.(Parts)
	if !ok {
		return false
	}

	for _, p := range parts {
		if t := p.PartType(); t == PartTypeImage || t == PartTypeFile {
			return true
		}
	}

	return false
}

// TextOf concatenates the text carried by c. Media parts contribute nothing.
func TextOf(c Content) string {
	switch v := c.(type) {
	case Text:
		return string(v)
	case Parts:
		var sb strings.Builder
		for _, p := range v {
			if tp, ok := p.(TextPart); ok {
				sb.WriteString(tp.Text)
			}
		}

		return sb.String()
	default:
		return ""
	}
}

type wireMessage struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []ToolCall      `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Name       string          `json:"name,omitempty"`
}

type wirePart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Data     string   `json:"data,omitempty"`
	MIMEType string   `json:"mimeType,omitempty"`
	Filename string   `json:"filename,omitempty"`
}

// MarshalJSON encodes content as a string, null, or an array of typed parts.
func (m Message) MarshalJSON() ([]byte, error) {
	content, err := marshalContent(m.Content)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireMessage{
		Role:       m.Role,
		Content:    content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	})
}

// UnmarshalJSON accepts string, null, or typed-part array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	if !w.Role.Valid() {
		return fmt.Errorf("invalid role %q", w.Role)
	}

	content, err := unmarshalContent(w.Content)
	if err != nil {
		return fmt.Errorf("decode %s content: %w", w.Role, err)
	}

	*m = Message{
		Role:       w.Role,
		Content:    content,
		ToolCalls:  w.ToolCalls,
		ToolCallID: w.ToolCallID,
		Name:       w.Name,
	}

	return nil
}

func marshalContent(c Content) (json.RawMessage, error) {
	switch v := c.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case Text:
		return json.Marshal(string(v))
	case Parts:
		wire := make([]wirePart, 0, len(v))
		for _, p := range v {
			switch part := p.(type) {
			case TextPart:
				wire = append(wire, wirePart{Type: PartTypeText, Text: part.Text})
			case ImagePart:
				wire = append(wire, wirePart{Type: PartTypeImage, Data: part.Data, MIMEType: part.MIMEType})
			case FilePart:
				wire = append(wire, wirePart{Type: PartTypeFile, Data: part.Data, MIMEType: part.MIMEType, Filename: part.Filename})
			default:
				return nil, fmt.Errorf("unsupported part %T", p)
			}
		}

		return json.Marshal(wire)
	default:
		return nil, fmt.Errorf("unsupported content %T", c)
	}
}

func unmarshalContent(raw json.RawMessage) (Content, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}

		return Text(s), nil
	case '[':
		var wire []wirePart
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, err
		}

		parts := make(Parts, 0, len(wire))
		for i, w := range wire {
			switch w.Type {
			case PartTypeText:
				parts = append(parts, TextPart{Text: w.Text})
			case PartTypeImage:
				parts = append(parts, ImagePart{Data: w.Data, MIMEType: w.MIMEType})
			case PartTypeFile:
				parts = append(parts, FilePart{Data: w.Data, MIMEType: w.MIMEType, Filename: w.Filename})
			default:
				return nil, fmt.Errorf("part %d: unknown type %q", i, w.Type)
			}
		}

		return parts, nil
	default:
		return nil, errors.New("content must be a string, null, or an array of parts")
	}
}
