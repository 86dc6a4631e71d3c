// Package middleware holds the HTTP layers that sit in front of the asset
// server and the bridge.
package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middleware; the first element is outermost.
type Chain []Middleware

func NewChain(m ...Middleware) Chain { return Chain(m) }

func (c Chain) Append(m ...Middleware) Chain {
	out := make(Chain, 0, len(c)+len(m))
	out = append(out, c...)
	return append(out, m...)
}

func (c Chain) Then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}
