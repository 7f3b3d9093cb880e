// Package proxy forwards requests that match a path prefix to an upstream
// origin. Each Rule owns an httputil.ReverseProxy, rewrites the request path
// before forwarding (stripping the prefix or applying regular expression
// rewrites), optionally rewrites the Host header to the upstream's, and
// keeps per-upstream bookkeeping: reachability, in-flight requests and a
// moving average of response times.
package proxy
