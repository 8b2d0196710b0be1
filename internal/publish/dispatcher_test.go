package publish

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/theagencyiq/agencyiq/backend/internal/connections"
	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

func newTestDispatcher(t *testing.T, fn func(*http.Request) (*http.Response, error)) (*Dispatcher, func()) {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	client := stubClient(fn)
	refresher := connections.NewRefresher(connections.NewStore(db)).WithHTTPClient(client)
	d := NewDispatcher(refresher).WithHTTPClient(client)
	return d, func() { _ = db.Close() }
}

func freshConn(platform, platformUserID string) *models.PlatformConnection {
	exp := time.Now().Add(2 * time.Hour)
	c := testConn(platform, platformUserID)
	c.ExpiresAt = &exp
	return c
}

func TestDispatcherPublish_Success(t *testing.T) {
	d, done := newTestDispatcher(t, func(req *http.Request) (*http.Response, error) {
		return httpJSON(200, `{"id":"fb_1"}`), nil
	})
	defer done()

	res := d.Publish(context.Background(), testPost(models.PlatformFacebook, "hi"), freshConn(models.PlatformFacebook, "page1"))
	if !res.Success || res.PlatformPostID != "fb_1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatcherPublish_TokenGateBlocksPublish(t *testing.T) {
	// An inactive connection must short-circuit before any platform call.
	d, done := newTestDispatcher(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("publish must not be attempted with an invalid token (called %s)", req.URL)
		return nil, nil
	})
	defer done()

	conn := testConn(models.PlatformFacebook, "page1")
	conn.IsActive = false
	res := d.Publish(context.Background(), testPost(models.PlatformFacebook, "hi"), conn)
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Kind != KindTokenInvalid {
		t.Fatalf("kind: got %v", res.Kind)
	}
}

func TestDispatcherPublish_PlatformMismatch(t *testing.T) {
	d, done := newTestDispatcher(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no HTTP call expected")
		return nil, nil
	})
	defer done()

	res := d.Publish(context.Background(), testPost(models.PlatformX, "hi"), freshConn(models.PlatformLinkedIn, "member1"))
	if res.Success || res.Kind != KindUnknown {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatcherPublish_RequiresApprovedStatus(t *testing.T) {
	d, done := newTestDispatcher(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no HTTP call expected")
		return nil, nil
	})
	defer done()

	post := testPost(models.PlatformFacebook, "hi")
	post.Status = models.PostStatusDraft
	res := d.Publish(context.Background(), post, freshConn(models.PlatformFacebook, "page1"))
	if res.Success || res.Kind != KindUnknown {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatcherPublish_5xxIsRetryable(t *testing.T) {
	d, done := newTestDispatcher(t, func(req *http.Request) (*http.Response, error) {
		return httpJSON(503, `{"error":{"message":"try later"}}`), nil
	})
	defer done()

	res := d.Publish(context.Background(), testPost(models.PlatformFacebook, "hi"), freshConn(models.PlatformFacebook, "page1"))
	if res.Success || res.Kind != KindPlatformUnavailable {
		t.Fatalf("unexpected result %+v", res)
	}
}
