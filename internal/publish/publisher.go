package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

// Publisher publishes one post to one platform. Implementations encapsulate the
// platform's request/response shapes entirely; callers only see the platform
// post id or a typed *Error.
type Publisher interface {
	Platform() string
	// Publish sends the post using an already-validated access token and
	// returns the platform-assigned post identifier.
	Publish(ctx context.Context, client *http.Client, token string, conn *models.PlatformConnection, post *models.Post) (string, error)
}

// RateLimitConfig mirrors the per-network request budgets; override via env
// per platform, e.g. AUTO_POST_LINKEDIN_RPS=0.5 / AUTO_POST_LINKEDIN_BURST=1.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		models.PlatformFacebook:  {RequestsPerSecond: 1, Burst: 2},
		models.PlatformInstagram: {RequestsPerSecond: 1, Burst: 2},
		models.PlatformLinkedIn:  {RequestsPerSecond: 1, Burst: 1},
		models.PlatformX:         {RequestsPerSecond: 1, Burst: 1},
		models.PlatformYouTube:   {RequestsPerSecond: 3, Burst: 3},
	}
}

func rateLimitFromEnv(platform string, def RateLimitConfig) RateLimitConfig {
	prefix := "AUTO_POST_" + strings.ToUpper(platform) + "_"
	if v := os.Getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.RequestsPerSecond = f
		}
	}
	if v := os.Getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.Burst = n
		}
	}
	return def
}

func newLimiter(platform string) *rate.Limiter {
	cfg := rateLimitFromEnv(platform, DefaultRateLimits()[platform])
	if cfg.RequestsPerSecond <= 0 {
		cfg = RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

// readBody drains up to 1MB of a response body; platform error payloads are
// small and anything bigger is noise.
func readBody(res *http.Response) []byte {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	_ = res.Body.Close()
	return b
}

// apiErrorMessage pulls the human-readable message out of the common
// {"error":{"message":...}} / {"message":...} / {"detail":...} shapes.
func apiErrorMessage(body []byte, fallback string) string {
	var obj map[string]interface{}
	if json.Unmarshal(body, &obj) != nil {
		return fallback
	}
	if eObj, ok := obj["error"].(map[string]interface{}); ok {
		if m, ok := eObj["message"].(string); ok && m != "" {
			return m
		}
	}
	for _, key := range []string{"message", "detail", "title"} {
		if m, ok := obj[key].(string); ok && m != "" {
			return m
		}
	}
	return fallback
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func nonEmptyID(id, context string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", &Error{Kind: KindUnknown, Message: fmt.Sprintf("%s: empty post id in 2xx response", context)}
	}
	return id, nil
}
