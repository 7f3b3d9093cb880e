// Package circuitbreaker stops the dev server from hammering an upstream
// that is not running. After enough consecutive connection failures the
// breaker opens and proxied requests fail fast with 503 until the reset
// timeout passes and a probe request gets through.
//
//   - CLOSED: requests are forwarded
//   - OPEN: the upstream is considered down, requests are rejected
//   - HALF-OPEN: one probe is forwarded to test recovery
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 10*time.Second, nil)
//	cb := registry.GetBreaker("/api")
//	if cb.Allow() {
//	    if err := rule.Forward(w, r); err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
