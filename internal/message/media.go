package message

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
)

// DefaultMediaType is used when neither a data URI nor the part declares a type.
const DefaultMediaType = "application/octet-stream"

// SourceKind classifies how media bytes are referenced.
type SourceKind int

const (
	SourceBase64 SourceKind = iota
	SourceDataURI
	SourceURL
)

func (k SourceKind) String() string {
	switch k {
	case SourceURL:
		return "url"
	case SourceDataURI:
		return "data_uri"
	default:
		return "base64"
	}
}

var mediaTypePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*$`)

// ClassifySource inspects data and reports whether it is an http(s) URL, a data
// URI, or a bare base64 string.
func ClassifySource(data string) SourceKind {
	lower := strings.ToLower(strings.TrimSpace(data))

	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return SourceURL
	case strings.HasPrefix(lower, "data:"):
		return SourceDataURI
	default:
		return SourceBase64
	}
}

const base64Marker = ";base64,"

// SplitDataURI separates a data URI into its media type and base64 payload.
// The payload starts after the first ";base64," marker, so parameters holding
// commas stay in the header. A data URI without the marker carries
// percent-encoded bytes, which are base64-encoded once here. Bare base64 passes
// through unchanged. The media type falls back to declared, then to
// DefaultMediaType. Base64 payloads are never re-encoded.
func SplitDataURI(data, declared string) (mediaType, payload string) {
	fallback := declared
	if fallback == "" {
		fallback = DefaultMediaType
	}

	if ClassifySource(data) != SourceDataURI {
		return fallback, data
	}

	trimmed := strings.TrimSpace(data)

	var header string

	if i := indexBase64Marker(trimmed); i >= 0 {
		header = trimmed[len("data:"):i]
		payload = trimmed[i+len(base64Marker):]
	} else {
		comma := strings.IndexByte(trimmed, ',')
		if comma < 0 {
			return fallback, trimmed
		}

		header = trimmed[len("data:"):comma]

		raw := trimmed[comma+1:]
		if decoded, err := url.PathUnescape(raw); err == nil {
			raw = decoded
		}

		payload = base64.StdEncoding.EncodeToString([]byte(raw))
	}

	mediaType = header
	if i := strings.IndexByte(header, ';'); i >= 0 {
		mediaType = header[:i]
	}

	if !mediaTypePattern.MatchString(mediaType) {
		return fallback, payload
	}

	return strings.ToLower(mediaType), payload
}

func indexBase64Marker(s string) int {
	for i := 0; i+len(base64Marker) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(base64Marker)], base64Marker) {
			return i
		}
	}

	return -1
}

// DataURI wraps a base64 payload as a data URI.
func DataURI(mediaType, payload string) string {
	if mediaType == "" {
		mediaType = DefaultMediaType
	}

	return "data:" + mediaType + ";base64," + payload
}
