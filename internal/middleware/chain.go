// Package middleware provides the ambient HTTP middleware wrapped around
// the request pipeline: access logging, security and Server headers, rate
// limiting, and response compression.
package middleware

import (
	"net/http"

	"ntonix/internal/types"
)

// Chain implements types.MiddlewareChain.
type Chain struct {
	middlewares []types.Middleware
}

// NewChain creates a new middleware chain.
func NewChain(middlewares ...types.Middleware) types.MiddlewareChain {
	return &Chain{middlewares: middlewares}
}

// Use appends middleware to the chain.
func (c *Chain) Use(middlewares ...types.Middleware) {
	c.middlewares = append(c.middlewares, middlewares...)
}

// Then builds the final handler, applying middleware in the order added
// (the first middleware added runs first).
func (c *Chain) Then(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}
	return handler
}
