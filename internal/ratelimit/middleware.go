package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Rule is a cap of Max requests per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// RuleFunc returns the rule in force. It is consulted on every request so
// reloaded settings apply without rebuilding the router.
type RuleFunc func() Rule

// Static returns a RuleFunc for a fixed rule.
func Static(max int, window time.Duration) RuleFunc {
	r := Rule{Max: max, Window: window}
	return func() Rule { return r }
}

// DenyHook observes rejected requests.
type DenyHook func(c *gin.Context, d Decision)

// Middleware limits requests per endpoint and client IP. Rejected requests
// get 429 with a Retry-After header in whole seconds.
func Middleware(l *Limiter, endpoint string, rule RuleFunc, onDeny DenyHook) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := rule()
		d := l.Check(endpoint+":"+c.ClientIP(), r.Max, r.Window)
		if d.Allowed {
			l.metrics.RecordRateLimit(endpoint, "allowed")
			c.Next()
			return
		}

		l.metrics.RecordRateLimit(endpoint, "denied")
		if onDeny != nil {
			onDeny(c, d)
		}
		seconds := RetryAfterSeconds(d.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"message":     "Too many requests. Please try again later.",
			"retry_after": seconds,
		})
	}
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
