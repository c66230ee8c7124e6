package acquisition

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Quota headers published by sources that meter their API.
const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// quotaRate derives a pace that spreads the remaining quota over the time
// left in the window, at 90% to stay clear of the edge. ok is false when the
// headers are absent or the window has already reset.
func quotaRate(h http.Header, now time.Time) (rps float64, burst int, ok bool) {
	limit, err1 := strconv.ParseInt(h.Get(headerRateLimit), 10, 64)
	remaining, err2 := strconv.ParseInt(h.Get(headerRateRemaining), 10, 64)
	reset, err3 := strconv.ParseInt(h.Get(headerRateReset), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || limit <= 0 || remaining <= 0 || reset <= 0 {
		return 0, 0, false
	}

	window := time.Unix(reset, 0).Sub(now)
	if window <= 0 {
		return 0, 0, false
	}
	rps = float64(remaining) / window.Seconds() * 0.9
	return rps, max(int(remaining/10), 1), true
}

// updateRateLimits applies a source's published quota to the limiter. The
// configured rate and burst stay upper bounds.
func (c *Client) updateRateLimits(h http.Header) {
	rps, burst, ok := quotaRate(h, c.now())
	if !ok {
		return
	}
	ceiling := c.cfg.RequestsPerSecond
	if ceiling <= 0 {
		ceiling = math.Inf(1)
	}
	rps = min(rps, ceiling)
	if c.cfg.Burst > 0 {
		burst = min(burst, c.cfg.Burst)
	}
	c.limiter.UpdateLimits(rps, burst)
}
