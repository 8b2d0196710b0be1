package enforce

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/theagencyiq/agencyiq/backend/internal/connections"
	"github.com/theagencyiq/agencyiq/backend/internal/models"
	"github.com/theagencyiq/agencyiq/backend/internal/publish"
	"github.com/theagencyiq/agencyiq/backend/internal/quota"
)

// NotifyFunc lets callers observe post transitions (realtime UI pushes).
type NotifyFunc func(userID, postID, status string)

// Enforcer drives approved posts through the token gate, the dispatcher and
// settlement, in quota order, one user at a time.
type Enforcer struct {
	db         *sql.DB
	quota      *quota.Service
	store      *connections.Store
	dispatcher *publish.Dispatcher
	notify     NotifyFunc
}

func NewEnforcer(db *sql.DB, q *quota.Service, store *connections.Store, d *publish.Dispatcher) *Enforcer {
	return &Enforcer{db: db, quota: q, store: store, dispatcher: d}
}

// WithNotify installs the transition callback.
func (e *Enforcer) WithNotify(fn NotifyFunc) *Enforcer {
	e.notify = fn
	return e
}

func (e *Enforcer) emit(userID, postID, status string) {
	if e.notify != nil {
		e.notify(userID, postID, status)
	}
}

// UserRunResult summarizes one user's enforcement pass.
type UserRunResult struct {
	Selected  int `json:"selected"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	Skipped   bool `json:"skipped,omitempty"`
}

type duePost struct {
	id           string
	platform     string
	content      string
	mediaURL     sql.NullString
	scheduledFor sql.NullTime
}

// RunUserOnce enforces one user's batch. Runs for different users are fully
// independent; runs for the same user are mutually exclusive via a Postgres
// advisory lock, so a manual trigger overlapping the periodic sweep can never
// race two settlements on the same ledger.
func (e *Enforcer) RunUserOnce(ctx context.Context, userID string) (UserRunResult, error) {
	// Advisory locks are session scoped: pin one connection for the whole
	// batch or the unlock could land on a different pooled session.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return UserRunResult{}, fmt.Errorf("enforce: acquire conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var locked bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock(hashtext('autopost:' || $1))`, userID).Scan(&locked); err != nil {
		return UserRunResult{}, fmt.Errorf("enforce: advisory lock: %w", err)
	}
	if !locked {
		log.Printf("[AutoPost] skip userId=%s reason=concurrent_run", userID)
		return UserRunResult{Skipped: true}, nil
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx),
			`SELECT pg_advisory_unlock(hashtext('autopost:' || $1))`, userID); err != nil {
			log.Printf("[AutoPost] unlock_failed userId=%s err=%v", userID, err)
		}
	}()

	st, err := e.quota.GetQuotaStatus(ctx, userID)
	if err == quota.ErrNotFound {
		log.Printf("[AutoPost] skip userId=%s reason=no_subscription", userID)
		return UserRunResult{Skipped: true}, nil
	}
	if err != nil {
		return UserRunResult{}, err
	}
	if !st.SubscriptionActive || st.RemainingPosts <= 0 {
		log.Printf("[AutoPost] skip userId=%s active=%v remaining=%d", userID, st.SubscriptionActive, st.RemainingPosts)
		return UserRunResult{Remaining: st.RemainingPosts, Skipped: true}, nil
	}

	// Strict cap: posts beyond the remaining quota are left untouched so they
	// can run next cycle. Earliest-due first, no reordering once started.
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, platform, content, media_url, scheduled_for
		  FROM public.posts
		 WHERE user_id = $1
		   AND status = 'approved'
		   AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		 ORDER BY scheduled_for ASC NULLS FIRST, created_at ASC
		 LIMIT $2
	`, userID, st.RemainingPosts)
	if err != nil {
		return UserRunResult{}, fmt.Errorf("enforce: select approved: %w", err)
	}
	due := make([]duePost, 0)
	for rows.Next() {
		var p duePost
		if err := rows.Scan(&p.id, &p.platform, &p.content, &p.mediaURL, &p.scheduledFor); err != nil {
			_ = rows.Close()
			return UserRunResult{}, fmt.Errorf("enforce: scan post: %w", err)
		}
		due = append(due, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return UserRunResult{}, err
	}

	res := UserRunResult{Selected: len(due), Remaining: st.RemainingPosts}
	if len(due) == 0 {
		return res, nil
	}
	log.Printf("[AutoPost] batch_start userId=%s selected=%d remaining=%d cycleEnd=%s",
		userID, len(due), st.RemainingPosts, st.CycleEnd.Format(time.RFC3339))

	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		if e.processOne(ctx, userID, p) {
			res.Published++
		} else {
			res.Failed++
		}
	}

	res.Remaining = st.RemainingPosts - res.Published
	log.Printf("[AutoPost] batch_done userId=%s published=%d failed=%d remaining=%d",
		userID, res.Published, res.Failed, res.Remaining)
	return res, nil
}

// processOne runs a single post through claim -> token gate -> publish ->
// settle. Any failure, including a panic from a publisher, is contained to
// this post so it can never block the rest of the batch.
func (e *Enforcer) processOne(ctx context.Context, userID string, p duePost) (published bool) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic: %v", rec)
			log.Printf("[AutoPost] panic postId=%s userId=%s err=%s\n%s", p.id, userID, msg, string(debug.Stack()))
			if _, serr := Settle(ctx, e.db, p.id, userID, Outcome{
				ErrorKind: string(publish.KindUnknown),
				Detail:    msg,
			}); serr != nil {
				log.Printf("[AutoPost] settle_failed postId=%s userId=%s err=%v", p.id, userID, serr)
			}
			published = false
		}
	}()

	// Claim: the conditional flip to 'publishing' is the per-post
	// double-publish guard across overlapping runs.
	claim, err := e.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = 'publishing',
		       attempt_count = attempt_count + 1,
		       last_attempt_at = NOW(),
		       updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status = 'approved'
	`, p.id, userID)
	if err != nil {
		log.Printf("[AutoPost] claim_failed postId=%s userId=%s err=%v", p.id, userID, err)
		return false
	}
	if n, _ := claim.RowsAffected(); n == 0 {
		log.Printf("[AutoPost] claim_skipped postId=%s userId=%s reason=already_claimed", p.id, userID)
		return false
	}
	e.emit(userID, p.id, models.PostStatusPublishing)

	post := &models.Post{
		ID:       p.id,
		UserID:   userID,
		Platform: p.platform,
		Content:  p.content,
		Status:   models.PostStatusPublishing,
	}
	if p.mediaURL.Valid {
		post.MediaURL = &p.mediaURL.String
	}

	pc, err := e.store.ActiveConnection(ctx, userID, p.platform)
	if err == connections.ErrNotConnected {
		e.settle(ctx, userID, p.id, Outcome{
			ErrorKind: string(publish.KindTokenInvalid),
			Detail:    "not_connected",
		})
		return false
	}
	if err != nil {
		log.Printf("[AutoPost] connection_load_failed postId=%s userId=%s err=%v", p.id, userID, err)
		e.settle(ctx, userID, p.id, Outcome{
			ErrorKind: string(publish.KindUnknown),
			Detail:    "connection_load_failed",
		})
		return false
	}

	out := e.dispatcher.Publish(ctx, post, pc)
	if out.Success {
		e.settle(ctx, userID, p.id, Outcome{Success: true, PlatformPostID: out.PlatformPostID})
		log.Printf("[AutoPost] published postId=%s userId=%s platform=%s platformPostId=%s",
			p.id, userID, p.platform, out.PlatformPostID)
		return true
	}

	e.settle(ctx, userID, p.id, Outcome{ErrorKind: string(out.Kind), Detail: out.Detail})
	log.Printf("[AutoPost] failed postId=%s userId=%s platform=%s kind=%s detail=%s",
		p.id, userID, p.platform, out.Kind, truncateDetail(out.Detail))
	return false
}

func (e *Enforcer) settle(ctx context.Context, userID, postID string, out Outcome) {
	transitioned, err := Settle(ctx, e.db, postID, userID, out)
	if err != nil {
		log.Printf("[AutoPost] settle_failed postId=%s userId=%s err=%v", postID, userID, err)
		return
	}
	if transitioned {
		status := models.PostStatusFailed
		if out.Success {
			status = models.PostStatusPublished
		}
		e.emit(userID, postID, status)
	}
}

// RunOnce sweeps every user with due approved posts. Users are independent:
// one user's error never stops the sweep.
func (e *Enforcer) RunOnce(ctx context.Context) (int, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT DISTINCT user_id
		  FROM public.posts
		 WHERE status = 'approved'
		   AND (scheduled_for IS NULL OR scheduled_for <= NOW())
	`)
	if err != nil {
		return 0, fmt.Errorf("enforce: select users: %w", err)
	}
	users := make([]string, 0)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			_ = rows.Close()
			return 0, err
		}
		users = append(users, u)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		res, err := e.RunUserOnce(ctx, u)
		if err != nil {
			log.Printf("[AutoPost] user_failed userId=%s err=%v", u, err)
			continue
		}
		total += res.Published
	}
	return total, nil
}

func truncateDetail(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "…"
}
