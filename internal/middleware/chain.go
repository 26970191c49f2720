package middleware

import (
	"log/slog"
	"net/http"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares[:len(c.middlewares):len(c.middlewares)], middlewares...)}
}

// Handler applies all middleware in the chain to the given handler
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for easy composition
type MiddlewareSet struct {
	RequestID  Middleware
	Logging    Middleware
	Recover    Middleware
	Decompress Middleware
}

func NewMiddlewareSet(logger *slog.Logger) MiddlewareSet {
	if logger == nil {
		logger = slog.Default()
	}

	return MiddlewareSet{
		RequestID:  NewRequestIDMiddleware(),
		Logging:    NewLoggingMiddleware(logger),
		Recover:    NewRecoverMiddleware(logger),
		Decompress: NewDecompressMiddleware(logger),
	}
}

// DefaultChain is used by the API endpoints.
func (ms MiddlewareSet) DefaultChain() Chain {
	return New(
		ms.RequestID,
		ms.Logging,
		ms.Recover,
		ms.Decompress,
	)
}

// HealthChain skips body decoding.
func (ms MiddlewareSet) HealthChain() Chain {
	return New(
		ms.RequestID,
		ms.Logging,
	)
}
