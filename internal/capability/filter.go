package capability

import (
	"fmt"
	"strings"

	"github.com/Davincible/msgbridge/internal/message"
)

// Filter returns a copy of history that the target provider/model accepts.
// Unsupported media is replaced by a text placeholder so turns keep their place;
// unsupported roles are rewritten. The input is never modified and filtering an
// already filtered history changes nothing.
func (r *Rules) Filter(history []message.Message, ctx Context) ([]message.Message, error) {
	caps, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	return Apply(history, caps), nil
}

// Apply prunes history against an already resolved capability set.
func Apply(history []message.Message, caps Capabilities) []message.Message {
	out := make([]message.Message, 0, len(history))

	for _, m := range history {
		m = m.Clone()
		m.Content = filterContent(m.Content, caps)

		if !caps.SystemRole && m.Role == message.RoleSystem {
			m.Role = message.RoleUser
		}

		if !caps.Tools {
			m = foldToolBookkeeping(m)
		}

		out = append(out, m)
	}

	return out
}

func filterContent(c message.Content, caps Capabilities) message.Content {
	parts, ok := c.(message.Parts)
	if !ok {
		return c
	}

	kept := make(message.Parts, 0, len(parts))

	for _, p := range parts {
		switch part := p.(type) {
		case message.ImagePart:
			if !caps.Vision {
				kept = append(kept, message.TextPart{Text: placeholder("image", part.MIMEType)})
				continue
			}
		case message.FilePart:
			mediaType, _ := message.SplitDataURI(part.Data, part.MIMEType)
			if !caps.AcceptsFile(mediaType) {
				label := part.Filename
				if label == "" {
					label = mediaType
				}

				kept = append(kept, message.TextPart{Text: placeholder("file", label)})

				continue
			}
		}

		kept = append(kept, p)
	}

	return kept
}

func placeholder(kind, label string) string {
	if label == "" {
		return fmt.Sprintf("[%s omitted]", kind)
	}

	return fmt.Sprintf("[%s omitted: %s]", kind, label)
}

// foldToolBookkeeping turns tool calls and results into plain text turns for
// models without tool support.
func foldToolBookkeeping(m message.Message) message.Message {
	switch m.Role {
	case message.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return m
		}

		var sb strings.Builder

		sb.WriteString(message.TextOf(m.Content))

		for _, tc := range m.ToolCalls {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}

			fmt.Fprintf(&sb, "[called %s(%s)]", tc.Function.Name, tc.Function.Arguments)
		}

		m.Content = message.Text(sb.String())
		m.ToolCalls = nil
	case message.RoleTool:
		label := m.Name
		if label == "" {
			label = m.ToolCallID
		}

		prefix := message.TextPart{Text: fmt.Sprintf("[%s result]", label)}

		switch c := m.Content.(type) {
		case message.Parts:
			m.Content = append(message.Parts{prefix}, c...)
		default:
			m.Content = message.Text(prefix.Text + " " + message.TextOf(c))
		}

		m.Role = message.RoleUser
		m.ToolCallID = ""
		m.Name = ""
	}

	return m
}
