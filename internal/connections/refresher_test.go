package connections

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

type stubTransport struct {
	fn func(*http.Request) (*http.Response, error)
}

func (t stubTransport) RoundTrip(r *http.Request) (*http.Response, error) { return t.fn(r) }

func httpJSON(status int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func newTestRefresher(t *testing.T, rt http.RoundTripper) (*Refresher, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	r := NewRefresher(NewStore(db))
	if rt != nil {
		r = r.WithHTTPClient(&http.Client{Transport: rt})
	}
	return r, mock, func() { _ = db.Close() }
}

func TestEnsureValidToken_FreshTokenPassesWithoutHTTP(t *testing.T) {
	r, mock, done := newTestRefresher(t, stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected HTTP call to %s", req.URL)
		return nil, nil
	}})
	defer done()

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformFacebook,
		AccessToken: "tok", IsActive: true,
		ExpiresAt: timePtr(time.Now().Add(2 * time.Hour)),
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if !chk.Valid || chk.AccessToken != "tok" {
		t.Fatalf("expected valid passthrough, got %+v", chk)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnsureValidToken_NearExpiryTriggersRefresh(t *testing.T) {
	// Token expiring inside the safety margin must be refreshed before use.
	r, mock, done := newTestRefresher(t, stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		if req.Method != "POST" {
			t.Fatalf("expected POST to token endpoint, got %s %s", req.Method, req.URL)
		}
		return httpJSON(200, `{"access_token":"newtok","token_type":"Bearer","expires_in":3600,"refresh_token":"r2"}`), nil
	}})
	defer done()

	mock.ExpectExec(`UPDATE public\.platform_connections\s+SET access_token = \$2`).
		WithArgs("c1", "newtok", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformLinkedIn,
		AccessToken: "oldtok", RefreshToken: strPtr("r1"), IsActive: true,
		ExpiresAt: timePtr(time.Now().Add(1 * time.Minute)),
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if !chk.Valid || chk.AccessToken != "newtok" {
		t.Fatalf("expected refreshed token, got %+v", chk)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnsureValidToken_InvalidGrantMarksReauth(t *testing.T) {
	r, mock, done := newTestRefresher(t, stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		return httpJSON(400, `{"error":"invalid_grant","error_description":"expired"}`), nil
	}})
	defer done()

	mock.ExpectExec(`UPDATE public\.platform_connections\s+SET is_active = false,\s+reauth_reason = \$2`).
		WithArgs("c1", "invalid_grant").
		WillReturnResult(sqlmock.NewResult(0, 1))

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformYouTube,
		AccessToken: "oldtok", RefreshToken: strPtr("dead"), IsActive: true,
		ExpiresAt: timePtr(time.Now().Add(-1 * time.Hour)),
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if chk.Valid {
		t.Fatalf("expected invalid token, got %+v", chk)
	}
	if chk.Reason != ReasonReauthRequired {
		t.Fatalf("reason: got %q want %q", chk.Reason, ReasonReauthRequired)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnsureValidToken_TransientRefreshFailureKeepsConnection(t *testing.T) {
	r, mock, done := newTestRefresher(t, stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		return httpJSON(503, `{"error":"server_error"}`), nil
	}})
	defer done()

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformFacebook,
		AccessToken: "oldtok", RefreshToken: strPtr("r1"), IsActive: true,
		ExpiresAt: timePtr(time.Now().Add(-1 * time.Hour)),
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if chk.Valid {
		t.Fatalf("expected invalid token, got %+v", chk)
	}
	if chk.Reason != ReasonRefreshFailed {
		t.Fatalf("reason: got %q want %q", chk.Reason, ReasonRefreshFailed)
	}
	// No is_active flip: transient failures must not force reauthorization.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnsureValidToken_MissingRefreshTokenRequiresReauth(t *testing.T) {
	r, mock, done := newTestRefresher(t, nil)
	defer done()

	mock.ExpectExec(`UPDATE public\.platform_connections\s+SET is_active = false`).
		WithArgs("c1", "missing_refresh_token").
		WillReturnResult(sqlmock.NewResult(0, 1))

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformInstagram,
		AccessToken: "oldtok", IsActive: true,
		ExpiresAt: timePtr(time.Now().Add(-1 * time.Minute)),
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if chk.Valid || chk.Reason != ReasonReauthRequired {
		t.Fatalf("expected reauth_required, got %+v", chk)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnsureValidToken_XVerifySuccess(t *testing.T) {
	r, mock, done := newTestRefresher(t, stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Authorization"); got != "Bearer xtok" {
			t.Fatalf("authorization header: got %q", got)
		}
		return httpJSON(200, `{"data":{"id":"123","username":"agency"}}`), nil
	}})
	defer done()

	mock.ExpectExec(`UPDATE public\.platform_connections\s+SET access_token = \$2`).
		WithArgs("c1", "xtok", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformX,
		AccessToken: "xtok", IsActive: true,
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if !chk.Valid || chk.AccessToken != "xtok" {
		t.Fatalf("expected valid bearer, got %+v", chk)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnsureValidToken_XVerifyRejectedMarksReauth(t *testing.T) {
	r, mock, done := newTestRefresher(t, stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		return httpJSON(401, `{"title":"Unauthorized"}`), nil
	}})
	defer done()

	mock.ExpectExec(`UPDATE public\.platform_connections\s+SET is_active = false`).
		WithArgs("c1", "bearer_rejected").
		WillReturnResult(sqlmock.NewResult(0, 1))

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformX,
		AccessToken: "xtok", IsActive: true,
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if chk.Valid || chk.Reason != ReasonReauthRequired {
		t.Fatalf("expected reauth_required, got %+v", chk)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnsureValidToken_InactiveConnection(t *testing.T) {
	r, _, done := newTestRefresher(t, nil)
	defer done()

	conn := &models.PlatformConnection{
		ID: "c1", UserID: "u1", Platform: models.PlatformFacebook,
		AccessToken: "tok", IsActive: false,
	}
	chk := r.EnsureValidToken(context.Background(), conn)
	if chk.Valid || chk.Reason != ReasonNotConnected {
		t.Fatalf("expected not_connected, got %+v", chk)
	}
}
