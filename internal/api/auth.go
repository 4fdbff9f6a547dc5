package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
)

// Header names that may carry the API key.
const (
	APIKeyHeader        = "apikey"
	AuthorizationHeader = "Authorization"
)

// KeySource returns the API keys currently accepted. It is consulted on
// every request so reloaded keys apply without rebuilding the router.
type KeySource func() []string

// APIKeyAuth rejects requests that do not carry one of the accepted keys in
// the apikey header or as an Authorization bearer token. An empty key set
// rejects everything.
func APIKeyAuth(keys KeySource, logger *logging.Logger, auditor logging.Auditor) gin.HandlerFunc {
	if auditor == nil {
		auditor = logging.NopAuditor{}
	}
	return func(c *gin.Context) {
		presented, header := ExtractAPIKey(c.Request)
		if presented == "" {
			reject(c, logger, auditor, "missing API key", "API key is required. Provide it in the 'apikey' or 'Authorization' header")
			return
		}

		if !matchKey(presented, keys()) {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: invalid API key",
				"header_name", header,
				"key", MaskAPIKey(presented),
			)
			reject(c, logger, auditor, "invalid API key", "Invalid API key")
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}

// ExtractAPIKey returns the presented key and the header it came from. The
// apikey header wins over Authorization. A bearer scheme prefix is stripped;
// a bare Authorization value is taken as the key.
func ExtractAPIKey(r *http.Request) (key, header string) {
	if v := strings.TrimSpace(r.Header.Get(APIKeyHeader)); v != "" {
		return v, APIKeyHeader
	}
	v := strings.TrimSpace(r.Header.Get(AuthorizationHeader))
	if v == "" {
		return "", ""
	}
	if scheme, rest, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "Bearer") {
		v = strings.TrimSpace(rest)
	}
	return v, AuthorizationHeader
}

// matchKey compares against every key so the time taken does not reveal
// which one matched.
func matchKey(presented string, keys []string) bool {
	matched := 0
	for _, k := range keys {
		matched |= subtle.ConstantTimeCompare([]byte(presented), []byte(k))
	}
	return matched == 1
}

func reject(c *gin.Context, logger *logging.Logger, auditor logging.Auditor, reason, message string) {
	ctx := c.Request.Context()
	logger.WarnWithContext(ctx, "API authentication failed",
		"reason", reason,
		"client_ip", c.ClientIP(),
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
	)
	auditor.Record(ctx, logging.NewAuditEvent(logging.AuthFailure, c.FullPath(), logging.StatusFailure).
		WithSeverity(logging.SeverityWarning).
		WithIPAddress(c.ClientIP()).
		WithDetails(map[string]interface{}{"reason": reason}))
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: message,
	})
}

// MaskAPIKey keeps the first and last four characters of long keys.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskAPIKeys masks every key for logging.
func MaskAPIKeys(keys []string) []string {
	masked := make([]string, len(keys))
	for i, key := range keys {
		masked[i] = MaskAPIKey(key)
	}
	return masked
}
