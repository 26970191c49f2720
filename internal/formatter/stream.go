package formatter

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Stream is a vendor response stream. Final blocks until the stream has
// finished and returns its aggregated, non-streaming representation.
type Stream interface {
	Final(ctx context.Context) ([]byte, error)
}

// StreamFunc adapts a function, such as a wrapper around an SDK's resolved
// result, to Stream.
type StreamFunc func(ctx context.Context) ([]byte, error)

func (f StreamFunc) Final(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// ResolvedStream is a stream whose aggregated payload is already known.
type ResolvedStream []byte

func (s ResolvedStream) Final(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s, nil
}

// Aggregator reads a complete vendor stream and returns the aggregated payload.
type Aggregator func(r io.Reader) ([]byte, error)

// closeGrace bounds how long Final waits for the reader goroutine after a
// cancellation has closed the body.
const closeGrace = 100 * time.Millisecond

// ReaderStream aggregates a streaming body on a single goroutine. The body is
// closed exactly once, when aggregation ends or when the caller's context is
// cancelled. Closing the body must unblock a pending Read for the goroutine to
// exit; Final returns ctx.Err() within closeGrace of cancellation regardless,
// leaving a reader on a non-interruptible body (such as a wrapped stdin) to
// finish on its own.
type ReaderStream struct {
	body      io.ReadCloser
	aggregate Aggregator

	start     sync.Once
	closeOnce sync.Once
	done      chan struct{}
	result    []byte
	err       error
}

func NewReaderStream(body io.ReadCloser, aggregate Aggregator) *ReaderStream {
	return &ReaderStream{
		body:      body,
		aggregate: aggregate,
		done:      make(chan struct{}),
	}
}

func (s *ReaderStream) close() {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
	})
}

func (s *ReaderStream) Final(ctx context.Context) ([]byte, error) {
	s.start.Do(func() {
		go func() {
			defer close(s.done)
			defer s.close()

			s.result, s.err = s.aggregate(s.body)
		}()
	})

	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
	}

	s.close()

	timer := time.NewTimer(closeGrace)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
	}

	return nil, ctx.Err()
}

const maxStreamLine = 4 << 20

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStreamLine)

	return scanner
}

// readSSE calls fn for every data line of a server-sent event stream together
// with the most recent event name. It stops at "data: [DONE]".
func readSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := newLineScanner(r)

	var event string

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}

			if data == "" {
				continue
			}

			if err := fn(event, data); err != nil {
				return err
			}
		}
	}

	return scanner.Err()
}
