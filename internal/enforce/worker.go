package enforce

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// StartWorker runs the periodic enforcement sweep. Enable it from `main` with
// an env gate (AUTO_POST_ENABLED).
func (e *Enforcer) StartWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[AutoPost] worker started interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepCount := 0
	sweepStats := func() (due int, next sql.NullTime) {
		_ = e.db.QueryRowContext(ctx, `
			SELECT COUNT(*)
			  FROM public.posts
			 WHERE status = 'approved'
			   AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		`).Scan(&due)
		_ = e.db.QueryRowContext(ctx, `
			SELECT MIN(scheduled_for)
			  FROM public.posts
			 WHERE status = 'approved'
			   AND scheduled_for > NOW()
		`).Scan(&next)
		return due, next
	}

	run := func() {
		sweepCount++
		backoffs := []time.Duration{700 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second}
		var n int
		var err error
		for attempt := 0; attempt < len(backoffs)+1; attempt++ {
			// Timebox each sweep; publishes are blocking platform calls.
			sweepCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
			n, err = e.RunOnce(sweepCtx)
			cancel()
			if err == nil {
				break
			}
			if attempt < len(backoffs) {
				log.Printf("[AutoPost] sweep error attempt=%d/%d err=%v", attempt+1, len(backoffs)+1, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffs[attempt]):
				}
				continue
			}
		}
		if err != nil {
			log.Printf("[AutoPost] sweep error final err=%v", err)
			return
		}
		if n > 0 {
			log.Printf("[AutoPost] sweep ok published=%d", n)
			return
		}
		// Every ~10 sweeps, print a summary so "nothing happening" is diagnosable.
		if sweepCount%10 == 0 {
			due, next := sweepStats()
			nextStr := ""
			if next.Valid {
				nextStr = next.Time.UTC().Format(time.RFC3339)
			}
			log.Printf("[AutoPost] sweep ok published=0 due=%d next=%s", due, nextStr)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[AutoPost] worker stopped err=%v", ctx.Err())
			return
		case <-ticker.C:
			run()
		}
	}
}
