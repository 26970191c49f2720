package middleware

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// DecompressMiddleware decodes request bodies sent with Content-Encoding gzip or br.
type DecompressMiddleware struct {
	logger *slog.Logger
}

func NewDecompressMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	dm := &DecompressMiddleware{
		logger: logger,
	}

	return dm.middleware
}

func (dm *DecompressMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
		if encoding == "" || encoding == "identity" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := decompressReader(r.Body, encoding)
		if err != nil {
			dm.logger.Warn("Rejected request body", "request_id", RequestID(r.Context()), "encoding", encoding, "error", err)
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)

			return
		}

		r.Body = body
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1

		next.ServeHTTP(w, r)
	})
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc readCloser) Close() error {
	var first error

	for _, c := range rc.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func decompressReader(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}

		return readCloser{Reader: gzipReader, closers: []io.Closer{gzipReader, body}}, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
