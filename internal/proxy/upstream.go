package proxy

import (
	"net/url"
	"sync"
	"time"
)

// Upstream tracks the state of the origin a rule forwards to.
type Upstream struct {
	url              *url.URL
	mutex            sync.Mutex
	isHealthy        bool
	activeRequests   int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

const ewmaAlpha = 0.2

// NewUpstream returns an upstream for the given origin. It is assumed
// reachable until a health check says otherwise.
func NewUpstream(u *url.URL) *Upstream {
	return &Upstream{
		url:       u,
		isHealthy: true,
	}
}

// URL returns the upstream origin.
func (u *Upstream) URL() *url.URL {
	return u.url
}

// IsHealthy reports whether the last probe reached the upstream.
func (u *Upstream) IsHealthy() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.isHealthy
}

// SetHealthy updates the reachability flag and reports whether it changed.
func (u *Upstream) SetHealthy(healthy bool) (changed bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.isHealthy == healthy {
		return false
	}

	u.isHealthy = healthy
	return true
}

func (u *Upstream) begin() {
	u.mutex.Lock()
	u.activeRequests++
	u.mutex.Unlock()
}

func (u *Upstream) end(duration time.Duration) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.activeRequests > 0 {
		u.activeRequests--
	}

	if !u.hasEWMA {
		u.ewmaResponseTime = duration
		u.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	u.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(u.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// ActiveRequests returns the number of requests currently being forwarded.
func (u *Upstream) ActiveRequests() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.activeRequests
}

// EWMATime returns the moving average response time, or 0 before the first
// forwarded request completes.
func (u *Upstream) EWMATime() time.Duration {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		return 0
	}

	return u.ewmaResponseTime
}
