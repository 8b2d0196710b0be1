package middleware

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// SubscriptionGate blocks post creation and approval for users without an
// active subscription. Reads (listing posts, quota status) stay open so the
// UI can explain why the account is blocked.
type SubscriptionGate struct {
	DB *sql.DB
}

func NewSubscriptionGate(db *sql.DB) *SubscriptionGate {
	return &SubscriptionGate{DB: db}
}

func (g *SubscriptionGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.gated(r) {
			next.ServeHTTP(w, r)
			return
		}

		userID := extractUserID(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		active, err := g.hasActiveSubscription(userID)
		if err != nil {
			log.Printf("[SubscriptionGate] lookup_failed userId=%s err=%v", userID, err)
			// Fail closed on writes: a DB fault must not open the gate.
			respondSubscriptionRequired(w)
			return
		}
		if !active {
			respondSubscriptionRequired(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// gated reports whether this request needs an active subscription.
func (g *SubscriptionGate) gated(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/posts/")
}

// extractUserID pulls the user ID from paths shaped like /api/posts/user/{userId}/...
func extractUserID(r *http.Request) string {
	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if part == "user" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (g *SubscriptionGate) hasActiveSubscription(userID string) (bool, error) {
	var one int
	err := g.DB.QueryRow(`
		SELECT 1
		FROM public.subscriptions
		WHERE user_id = $1 AND status = 'active'
		LIMIT 1
	`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func respondSubscriptionRequired(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   "subscription_required",
		"message": "An active subscription is required for this action",
	})
}
