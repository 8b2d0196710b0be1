package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the user has no subscription row at all.
var ErrNotFound = errors.New("subscription_not_found")

// CycleLength is the rolling quota window anchored to the subscription start.
const CycleLength = 30 * 24 * time.Hour

// Plan allocations are fixed per tier and never change mid-cycle. The same
// numbers are seeded into billing_plans by cmd/manage-plans; this map is the
// fallback when the plan row is missing a post_allocation.
var planAllocations = map[string]int{
	"starter":      12,
	"growth":       27,
	"professional": 52,
}

// PlanAllocation returns the posts-per-cycle allocation for a plan tier.
func PlanAllocation(planID string) (int, bool) {
	n, ok := planAllocations[planID]
	return n, ok
}

// CurrentCycle computes the 30-day window containing now, anchored to startedAt.
// It is pure: the same (startedAt, now) pair always yields the same window, so
// there is no stored cycle pointer that can drift.
func CurrentCycle(startedAt, now time.Time) (cycleStart, cycleEnd time.Time) {
	startedAt = startedAt.UTC()
	now = now.UTC()
	cycleStart = startedAt
	if now.After(startedAt) {
		elapsed := now.Sub(startedAt)
		cycles := elapsed / CycleLength
		cycleStart = startedAt.Add(cycles * CycleLength)
	}
	return cycleStart, cycleStart.Add(CycleLength)
}

// Status is the quota snapshot for one user at one point in time.
type Status struct {
	UserID             string    `json:"userId"`
	Plan               string    `json:"plan"`
	SubscriptionActive bool      `json:"subscriptionActive"`
	TotalPosts         int       `json:"totalPosts"`
	RemainingPosts     int       `json:"remainingPosts"`
	PublishedInCycle   int       `json:"publishedInCycle"`
	CycleStart         time.Time `json:"cycleStart"`
	CycleEnd           time.Time `json:"cycleEnd"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// NewServiceAt pins the clock; used by tests and by cycle backfills.
func NewServiceAt(db *sql.DB, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, now: now}
}

// GetQuotaStatus recomputes the remaining allowance from ground truth.
// Remaining is allocation minus the count of posts actually published in the
// current cycle; we never trust an independently maintained counter, so a stale
// cache can never permit over-allocation.
func (s *Service) GetQuotaStatus(ctx context.Context, userID string) (Status, error) {
	var (
		planID    string
		subStatus string
		startedAt time.Time
		alloc     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.plan_id, s.status, s.started_at, p.post_allocation
		  FROM public.subscriptions s
		  LEFT JOIN public.billing_plans p ON p.id = s.plan_id
		 WHERE s.user_id = $1
		 ORDER BY s.created_at DESC
		 LIMIT 1
	`, userID).Scan(&planID, &subStatus, &startedAt, &alloc)
	if err == sql.ErrNoRows {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("quota: load subscription: %w", err)
	}

	total := 0
	if alloc.Valid && alloc.Int64 > 0 {
		total = int(alloc.Int64)
	} else if n, ok := PlanAllocation(planID); ok {
		total = n
	}

	now := s.now().UTC()
	cycleStart, cycleEnd := CurrentCycle(startedAt, now)

	st := Status{
		UserID:             userID,
		Plan:               planID,
		SubscriptionActive: subStatus == "active",
		TotalPosts:         total,
		CycleStart:         cycleStart,
		CycleEnd:           cycleEnd,
	}

	var published int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		  FROM public.posts
		 WHERE user_id = $1
		   AND status = 'published'
		   AND published_at >= $2
		   AND published_at < $3
	`, userID, cycleStart, cycleEnd).Scan(&published)
	if err != nil {
		return Status{}, fmt.Errorf("quota: count published: %w", err)
	}
	st.PublishedInCycle = published

	// Inactive subscriptions report zero remaining regardless of arithmetic.
	if !st.SubscriptionActive {
		st.RemainingPosts = 0
		return st, nil
	}

	remaining := total - published
	if remaining < 0 {
		remaining = 0
	}
	st.RemainingPosts = remaining
	return st, nil
}
