package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/theagencyiq/agencyiq/backend/internal/connections"
	"github.com/theagencyiq/agencyiq/backend/internal/enforce"
	"github.com/theagencyiq/agencyiq/backend/internal/handlers"
	"github.com/theagencyiq/agencyiq/backend/internal/publish"
	"github.com/theagencyiq/agencyiq/backend/internal/quota"
)

func TestResolvePort_Default(t *testing.T) {
	got := resolvePort(func(string) string { return "" })
	if got != "18911" {
		t.Fatalf("expected default port 18911, got %q", got)
	}
}

func TestResolvePort_FromEnv(t *testing.T) {
	got := resolvePort(func(k string) string {
		if k == "PORT" {
			return "12345"
		}
		return ""
	})
	if got != "12345" {
		t.Fatalf("expected port 12345, got %q", got)
	}
}

func TestParseIntervalFromEnv(t *testing.T) {
	def := 7 * time.Second

	if got := parseIntervalFromEnv(func(string) string { return "" }, "X", def); got != def {
		t.Fatalf("expected default, got %s", got)
	}
	if got := parseIntervalFromEnv(func(string) string { return "0" }, "X", def); got != def {
		t.Fatalf("expected default on 0, got %s", got)
	}
	if got := parseIntervalFromEnv(func(string) string { return "-1" }, "X", def); got != def {
		t.Fatalf("expected default on -1, got %s", got)
	}
	if got := parseIntervalFromEnv(func(string) string { return "abc" }, "X", def); got != def {
		t.Fatalf("expected default on non-int, got %s", got)
	}
	if got := parseIntervalFromEnv(func(string) string { return "3" }, "X", def); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
}

func TestBuildRouter_HealthOK(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := connections.NewStore(db)
	dispatcher := publish.NewDispatcher(connections.NewRefresher(store))
	q := quota.NewService(db)
	h := handlers.New(db, q, store, enforce.NewEnforcer(db, q, store, dispatcher))

	r := buildRouter(h)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status=%d", rr.Code)
	}
}
