package connections

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

// Reasons reported on TokenCheck when Valid is false.
const (
	ReasonReauthRequired = "reauth_required" // refresh rejected; user must reconnect
	ReasonRefreshFailed  = "refresh_failed"  // transient failure; retry next pass
	ReasonNotConnected   = "not_connected"
)

// refreshSafetyMargin: tokens expiring within this window are refreshed before use.
const refreshSafetyMargin = 5 * time.Minute

const xVerifyURL = "https://api.twitter.com/2/users/me"

// TokenCheck is the result of EnsureValidToken. Expected failure modes are
// reported here, never as a Go error, so batch callers don't need exception
// driven control flow.
type TokenCheck struct {
	Valid       bool
	AccessToken string
	Reason      string
}

// Refresher is the single path by which any code obtains a usable platform
// token. It checks expiry, performs the platform refresh grant when needed,
// and persists the outcome on the connection record.
type Refresher struct {
	store  *Store
	client *http.Client
	now    func() time.Time

	// xVerifyURL is swapped in tests.
	xVerifyURL string
}

func NewRefresher(store *Store) *Refresher {
	return &Refresher{
		store:      store,
		client:     &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
		xVerifyURL: xVerifyURL,
	}
}

// WithHTTPClient overrides the HTTP client (tests stub the transport here).
func (r *Refresher) WithHTTPClient(c *http.Client) *Refresher {
	if c != nil {
		r.client = c
	}
	return r
}

func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	if now != nil {
		r.now = now
	}
	return r
}

// oauthEndpoint maps a platform to its token endpoint. Instagram Graph tokens
// are issued by the Facebook app, so both share the Facebook endpoint; YouTube
// tokens come from Google.
func oauthEndpoint(platform string) (oauth2.Endpoint, bool) {
	switch platform {
	case models.PlatformFacebook, models.PlatformInstagram:
		return endpoints.Facebook, true
	case models.PlatformLinkedIn:
		return endpoints.LinkedIn, true
	case models.PlatformYouTube:
		return endpoints.Google, true
	}
	return oauth2.Endpoint{}, false
}

func oauthClientCredentials(platform string) (id, secret string) {
	switch platform {
	case models.PlatformFacebook, models.PlatformInstagram:
		return os.Getenv("FACEBOOK_CLIENT_ID"), os.Getenv("FACEBOOK_CLIENT_SECRET")
	case models.PlatformLinkedIn:
		return os.Getenv("LINKEDIN_CLIENT_ID"), os.Getenv("LINKEDIN_CLIENT_SECRET")
	case models.PlatformYouTube:
		return os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET")
	}
	return "", ""
}

// EnsureValidToken checks expiry against the safety margin and refreshes when
// needed. It runs inside batch loops over many users, so it never panics and
// never returns a Go error for an expected rejection; the only side effect is
// the connection record itself.
func (r *Refresher) EnsureValidToken(ctx context.Context, conn *models.PlatformConnection) TokenCheck {
	if conn == nil || !conn.IsActive || strings.TrimSpace(conn.AccessToken) == "" {
		return TokenCheck{Valid: false, Reason: ReasonNotConnected}
	}

	// Still comfortably inside the expiry window: use the stored token as-is.
	if conn.ExpiresAt != nil && conn.ExpiresAt.After(r.now().Add(refreshSafetyMargin)) {
		return TokenCheck{Valid: true, AccessToken: conn.AccessToken}
	}

	// X user-context bearer tokens have no silent refresh; re-validate instead.
	if conn.Platform == models.PlatformX {
		return r.validateXToken(ctx, conn)
	}

	return r.refreshOAuthToken(ctx, conn)
}

func (r *Refresher) refreshOAuthToken(ctx context.Context, conn *models.PlatformConnection) TokenCheck {
	if conn.RefreshToken == nil || strings.TrimSpace(*conn.RefreshToken) == "" {
		// Expired with nothing to refresh with: the user has to reconnect.
		if err := r.store.MarkReauthRequired(ctx, conn.ID, "missing_refresh_token"); err != nil {
			log.Printf("[TokenRefresh] mark_reauth_failed connId=%s err=%v", conn.ID, err)
		}
		return TokenCheck{Valid: false, Reason: ReasonReauthRequired}
	}

	endpoint, ok := oauthEndpoint(conn.Platform)
	if !ok {
		return TokenCheck{Valid: false, Reason: ReasonNotConnected}
	}
	clientID, clientSecret := oauthClientCredentials(conn.Platform)
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	tctx = context.WithValue(tctx, oauth2.HTTPClient, r.client)

	src := cfg.TokenSource(tctx, &oauth2.Token{RefreshToken: *conn.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && refreshRejected(rErr) {
			log.Printf("[TokenRefresh] rejected connId=%s platform=%s code=%q status=%d",
				conn.ID, conn.Platform, rErr.ErrorCode, statusOf(rErr))
			if merr := r.store.MarkReauthRequired(ctx, conn.ID, "invalid_grant"); merr != nil {
				log.Printf("[TokenRefresh] mark_reauth_failed connId=%s err=%v", conn.ID, merr)
			}
			return TokenCheck{Valid: false, Reason: ReasonReauthRequired}
		}
		// Network fault or platform 5xx: keep the connection, retry next pass.
		log.Printf("[TokenRefresh] unavailable connId=%s platform=%s err=%v", conn.ID, conn.Platform, err)
		return TokenCheck{Valid: false, Reason: ReasonRefreshFailed}
	}

	var newRefresh *string
	if tok.RefreshToken != "" && (conn.RefreshToken == nil || tok.RefreshToken != *conn.RefreshToken) {
		rt := tok.RefreshToken
		newRefresh = &rt
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiresAt = &e
	}
	if err := r.store.SaveRefreshedToken(ctx, conn.ID, tok.AccessToken, newRefresh, expiresAt); err != nil {
		// Persist failed; do not hand out a token the next reader can't see.
		log.Printf("[TokenRefresh] persist_failed connId=%s err=%v", conn.ID, err)
		return TokenCheck{Valid: false, Reason: ReasonRefreshFailed}
	}

	log.Printf("[TokenRefresh] ok connId=%s platform=%s expiresAt=%s", conn.ID, conn.Platform, fmtExpiry(expiresAt))
	return TokenCheck{Valid: true, AccessToken: tok.AccessToken}
}

// validateXToken probes the stored bearer against the users/me endpoint.
// A 401/403 means the token is dead and the user must reconnect.
func (r *Refresher) validateXToken(ctx context.Context, conn *models.PlatformConnection) TokenCheck {
	tctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, "GET", r.xVerifyURL, nil)
	if err != nil {
		return TokenCheck{Valid: false, Reason: ReasonRefreshFailed}
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		log.Printf("[TokenRefresh] x_verify_unavailable connId=%s err=%v", conn.ID, err)
		return TokenCheck{Valid: false, Reason: ReasonRefreshFailed}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	_ = res.Body.Close()

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		// Token still works; push the recheck out a day so we don't probe on every post.
		exp := r.now().UTC().Add(24 * time.Hour)
		if err := r.store.SaveRefreshedToken(ctx, conn.ID, conn.AccessToken, nil, &exp); err != nil {
			log.Printf("[TokenRefresh] persist_failed connId=%s err=%v", conn.ID, err)
		}
		return TokenCheck{Valid: true, AccessToken: conn.AccessToken}
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		log.Printf("[TokenRefresh] x_verify_rejected connId=%s status=%d", conn.ID, res.StatusCode)
		if err := r.store.MarkReauthRequired(ctx, conn.ID, "bearer_rejected"); err != nil {
			log.Printf("[TokenRefresh] mark_reauth_failed connId=%s err=%v", conn.ID, err)
		}
		return TokenCheck{Valid: false, Reason: ReasonReauthRequired}
	default:
		log.Printf("[TokenRefresh] x_verify_unavailable connId=%s status=%d", conn.ID, res.StatusCode)
		return TokenCheck{Valid: false, Reason: ReasonRefreshFailed}
	}
}

// refreshRejected reports whether the token endpoint rejected the grant itself
// (as opposed to being temporarily unavailable).
func refreshRejected(rErr *oauth2.RetrieveError) bool {
	code := strings.ToLower(strings.TrimSpace(rErr.ErrorCode))
	if code == "invalid_grant" || code == "invalid_token" || code == "unauthorized_client" {
		return true
	}
	st := statusOf(rErr)
	return st == http.StatusBadRequest || st == http.StatusUnauthorized
}

func statusOf(rErr *oauth2.RetrieveError) int {
	if rErr.Response != nil {
		return rErr.Response.StatusCode
	}
	return 0
}

func fmtExpiry(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
