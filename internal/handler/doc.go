// Package handler implements the dev server's top-level request handler.
// It routes proxied prefixes through their circuit breaker to the upstream,
// hands everything else to the local handlers, and records metrics for both.
package handler
