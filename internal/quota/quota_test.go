package quota

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCurrentCycle_FirstCycle(t *testing.T) {
	start := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 7, 20, 12, 0, 0, 0, time.UTC)

	cs, ce := CurrentCycle(start, now)
	if !cs.Equal(start) {
		t.Fatalf("cycleStart: got %s want %s", cs, start)
	}
	wantEnd := time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)
	if !ce.Equal(wantEnd) {
		t.Fatalf("cycleEnd: got %s want %s", ce, wantEnd)
	}
}

func TestCurrentCycle_AdvancesWholeIncrements(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(95 * 24 * time.Hour) // 3 full cycles + 5 days

	cs, ce := CurrentCycle(start, now)
	wantStart := start.Add(90 * 24 * time.Hour)
	if !cs.Equal(wantStart) {
		t.Fatalf("cycleStart: got %s want %s", cs, wantStart)
	}
	if !ce.Equal(wantStart.Add(CycleLength)) {
		t.Fatalf("cycleEnd: got %s", ce)
	}
	if !now.After(cs) || !now.Before(ce) {
		t.Fatalf("now must fall inside [cycleStart, cycleEnd)")
	}
}

func TestCurrentCycle_Deterministic(t *testing.T) {
	start := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 9, 14, 8, 30, 0, 0, time.UTC)

	cs1, ce1 := CurrentCycle(start, now)
	cs2, ce2 := CurrentCycle(start, now)
	if !cs1.Equal(cs2) || !ce1.Equal(ce2) {
		t.Fatalf("cycle window must be deterministic: %s/%s vs %s/%s", cs1, ce1, cs2, ce2)
	}
}

func TestCurrentCycle_BoundaryInstant(t *testing.T) {
	start := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	// Exactly at the end of cycle 1 a new cycle begins.
	now := start.Add(CycleLength)

	cs, _ := CurrentCycle(start, now)
	if !cs.Equal(now) {
		t.Fatalf("cycleStart at boundary: got %s want %s", cs, now)
	}
}

func TestPlanAllocation(t *testing.T) {
	cases := map[string]int{"starter": 12, "growth": 27, "professional": 52}
	for plan, want := range cases {
		got, ok := PlanAllocation(plan)
		if !ok || got != want {
			t.Fatalf("PlanAllocation(%s): got %d ok=%v want %d", plan, got, ok, want)
		}
	}
	if _, ok := PlanAllocation("enterprise"); ok {
		t.Fatalf("unknown plan must not resolve")
	}
}

func TestGetQuotaStatus_RecomputesFromPublishedCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	startedAt := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)
	s := NewServiceAt(db, func() time.Time { return now })

	mock.ExpectQuery(`SELECT s\.plan_id, s\.status, s\.started_at, p\.post_allocation`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id", "status", "started_at", "post_allocation"}).
			AddRow("professional", "active", startedAt, 52))

	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM public\.posts`).
		WithArgs("u1", startedAt, startedAt.Add(CycleLength)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	st, err := s.GetQuotaStatus(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetQuotaStatus err=%v", err)
	}
	if st.TotalPosts != 52 || st.RemainingPosts != 42 || st.PublishedInCycle != 10 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !st.CycleStart.Equal(startedAt) {
		t.Fatalf("cycleStart: got %s", st.CycleStart)
	}
	if !st.CycleEnd.Equal(time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("cycleEnd: got %s", st.CycleEnd)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetQuotaStatus_InactiveSubscriptionReportsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	startedAt := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	now := startedAt.Add(48 * time.Hour)
	s := NewServiceAt(db, func() time.Time { return now })

	mock.ExpectQuery(`SELECT s\.plan_id, s\.status, s\.started_at, p\.post_allocation`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id", "status", "started_at", "post_allocation"}).
			AddRow("growth", "canceled", startedAt, 27))

	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM public\.posts`).
		WithArgs("u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	st, err := s.GetQuotaStatus(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetQuotaStatus err=%v", err)
	}
	if st.SubscriptionActive {
		t.Fatalf("expected inactive subscription")
	}
	if st.RemainingPosts != 0 {
		t.Fatalf("inactive subscription must report remaining=0, got %d", st.RemainingPosts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetQuotaStatus_UnknownUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	s := NewService(db)
	mock.ExpectQuery(`SELECT s\.plan_id, s\.status, s\.started_at, p\.post_allocation`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id", "status", "started_at", "post_allocation"}))

	_, err = s.GetQuotaStatus(context.Background(), "ghost")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetQuotaStatus_NeverNegative(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	startedAt := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	s := NewServiceAt(db, func() time.Time { return startedAt.Add(24 * time.Hour) })

	mock.ExpectQuery(`SELECT s\.plan_id, s\.status, s\.started_at, p\.post_allocation`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id", "status", "started_at", "post_allocation"}).
			AddRow("starter", "active", startedAt, 12))

	// Ground-truth count exceeds allocation (e.g. plan downgrade mid-cycle).
	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM public\.posts`).
		WithArgs("u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(20))

	st, err := s.GetQuotaStatus(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetQuotaStatus err=%v", err)
	}
	if st.RemainingPosts != 0 {
		t.Fatalf("remaining must clamp at 0, got %d", st.RemainingPosts)
	}
}
