package handlers

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"

	"github.com/theagencyiq/agencyiq/backend/internal/connections"
	"github.com/theagencyiq/agencyiq/backend/internal/enforce"
	"github.com/theagencyiq/agencyiq/backend/internal/publish"
	"github.com/theagencyiq/agencyiq/backend/internal/quota"
)

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	store := connections.NewStore(db)
	refresher := connections.NewRefresher(store)
	dispatcher := publish.NewDispatcher(refresher)
	q := quota.NewService(db)
	enf := enforce.NewEnforcer(db, q, store, dispatcher)
	h := New(db, q, store, enf)
	return h, mock, func() { _ = db.Close() }
}

func doRequest(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	RegisterRoutes(h, r)
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

var postCols = []string{"id", "user_id", "platform", "content", "media_url", "status",
	"scheduled_for", "published_at", "platform_post_id", "error_kind", "error_detail",
	"attempt_count", "last_attempt_at", "created_at", "updated_at"}

func postRow(id, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(postCols).
		AddRow(id, "u1", "facebook", "hello", nil, status, nil, nil, nil, nil, nil, 0, nil, now, now)
}

func TestCreateUserUpsert(t *testing.T) {
	h, mock, done := newTestHandler(t)
	defer done()

	mock.ExpectQuery(`INSERT INTO public\.users`).
		WithArgs("u1", "a@b.c", "Alex", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "image_url", "created_at"}).
			AddRow("u1", "a@b.c", "Alex", nil, time.Now()))

	rec := doRequest(t, h, "POST", "/api/users", `{"id":"u1","email":"a@b.c","name":"Alex"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"u1"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreatePostRejectsUnknownPlatform(t *testing.T) {
	h, _, done := newTestHandler(t)
	defer done()

	rec := doRequest(t, h, "POST", "/api/posts/user/u1", `{"platform":"myspace","content":"hi"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestApprovePostMovesDraft(t *testing.T) {
	h, mock, done := newTestHandler(t)
	defer done()

	mock.ExpectQuery(`UPDATE public\.posts\s+SET status = 'approved'`).
		WithArgs("p1", "u1").
		WillReturnRows(postRow("p1", "approved"))

	rec := doRequest(t, h, "POST", "/api/posts/user/u1/p1/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"approved"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestApprovePostConflictsOnNonDraft(t *testing.T) {
	h, mock, done := newTestHandler(t)
	defer done()

	mock.ExpectQuery(`UPDATE public\.posts\s+SET status = 'approved'`).
		WithArgs("p1", "u1").
		WillReturnError(sql.ErrNoRows)

	rec := doRequest(t, h, "POST", "/api/posts/user/u1/p1/approve", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestRetryPostRequeuesFailed(t *testing.T) {
	h, mock, done := newTestHandler(t)
	defer done()

	mock.ExpectQuery(`UPDATE public\.posts\s+SET status = 'approved'`).
		WithArgs("p1", "u1").
		WillReturnRows(postRow("p1", "approved"))

	rec := doRequest(t, h, "POST", "/api/posts/user/u1/p1/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestDeletePostRefusesPublished(t *testing.T) {
	// The DELETE is conditional on status; a published post matches zero rows.
	h, mock, done := newTestHandler(t)
	defer done()

	mock.ExpectExec(`DELETE FROM public\.posts`).
		WithArgs("p1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := doRequest(t, h, "DELETE", "/api/posts/user/u1/p1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestGetQuotaReportsRemaining(t *testing.T) {
	h, mock, done := newTestHandler(t)
	defer done()

	started := time.Now().Add(-48 * time.Hour)
	mock.ExpectQuery(`SELECT s\.plan_id, s\.status, s\.started_at, p\.post_allocation`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id", "status", "started_at", "post_allocation"}).
			AddRow("growth", "active", started, 27))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM public\.posts`).
		WithArgs("u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	rec := doRequest(t, h, "GET", "/api/quota/user/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"remainingPosts":22`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestGetQuotaWithoutSubscriptionIs404(t *testing.T) {
	h, mock, done := newTestHandler(t)
	defer done()

	mock.ExpectQuery(`SELECT s\.plan_id, s\.status, s\.started_at, p\.post_allocation`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)

	rec := doRequest(t, h, "GET", "/api/quota/user/u1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestCreatePlatformConnectionValidates(t *testing.T) {
	h, _, done := newTestHandler(t)
	defer done()

	rec := doRequest(t, h, "POST", "/api/platform-connections/user/u1", `{"platform":"facebook"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing accessToken, got %d", rec.Code)
	}
}

func TestStripeWebhookDeduplicatesEvents(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	h, mock, done := newTestHandler(t)
	defer done()

	body := `{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_stripe_1","status":"active"}}}`

	// First delivery: recorded and applied.
	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_evt_1", "evt_1", "customer.subscription.updated", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.subscriptions\s+SET status = \$2`).
		WithArgs("sub_stripe_1", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doRequest(t, h, "POST", "/webhook/stripe", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	// Retry of the same event: the insert conflicts and nothing else runs.
	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_evt_1", "evt_1", "customer.subscription.updated", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec = doRequest(t, h, "POST", "/webhook/stripe", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
