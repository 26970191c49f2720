package message

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// FromMCPResult records the outcome of an MCP tool call as a tool message.
// Binary content is base64-encoded once here; text-only results collapse to Text.
func FromMCPResult(callID, name string, res *mcp.CallToolResult) Message {
	msg := Message{Role: RoleTool, ToolCallID: callID, Name: name}
	if res == nil {
		return msg
	}

	var parts Parts

	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, TextPart{Text: v.Text})
		case *mcp.ImageContent:
			parts = append(parts, ImagePart{
				Data:     base64.StdEncoding.EncodeToString(v.Data),
				MIMEType: v.MIMEType,
			})
		case *mcp.AudioContent:
			parts = append(parts, FilePart{
				Data:     base64.StdEncoding.EncodeToString(v.Data),
				MIMEType: v.MIMEType,
			})
		case *mcp.ResourceLink:
			if ClassifySource(v.URI) == SourceURL {
				parts = append(parts, FilePart{Data: v.URI, MIMEType: v.MIMEType, Filename: v.Name})
			} else {
				parts = append(parts, TextPart{Text: "[resource: " + v.URI + "]"})
			}
		case *mcp.EmbeddedResource:
			if v.Resource == nil {
				continue
			}

			if len(v.Resource.Blob) > 0 {
				parts = append(parts, FilePart{
					Data:     base64.StdEncoding.EncodeToString(v.Resource.Blob),
					MIMEType: v.Resource.MIMEType,
					Filename: v.Resource.URI,
				})
			} else {
				parts = append(parts, TextPart{Text: v.Resource.Text})
			}
		}
	}

	if len(parts) == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, TextPart{Text: string(data)})
		}
	}

	msg.Content = collapseText(parts, res.IsError)

	return msg
}

func collapseText(parts Parts, isError bool) Content {
	if len(parts) == 0 {
		if isError {
			return Text("Error")
		}

		return nil
	}

	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		tp, ok := p.(TextPart)
		if !ok {
			if isError {
				return append(Parts{TextPart{Text: "Error:"}}, parts...)
			}

			return parts
		}

		texts = append(texts, tp.Text)
	}

	text := strings.Join(texts, "\n")
	if isError {
		text = "Error: " + text
	}

	return Text(text)
}
