// Package server hosts the relay behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, security headers, CORS, and rate limiting so the WebSocket endpoint
// and the small JSON API share common protections and instrumentation.
package server
