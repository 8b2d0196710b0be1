package enforce

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Outcome is the publish result being settled for one post.
type Outcome struct {
	Success        bool
	PlatformPostID string
	ErrorKind      string
	Detail         string
}

// Settle is the single choke point that finalizes a post's outcome. Quota is
// never adjusted anywhere else: a published row is the deduction (remaining is
// recomputed from published counts), so the conditional UPDATE below is the
// whole idempotency story.
//
// The returned bool reports whether a transition actually happened; a repeat
// call for an already-published post affects zero rows and is a no-op, never a
// second deduction.
func Settle(ctx context.Context, db *sql.DB, postID, userID string, out Outcome) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if out.Success {
		res, err = db.ExecContext(ctx, `
			UPDATE public.posts
			   SET status = 'published',
			       published_at = NOW(),
			       platform_post_id = $3,
			       error_kind = NULL,
			       error_detail = NULL,
			       updated_at = NOW()
			 WHERE id = $1
			   AND user_id = $2
			   AND status IN ('approved', 'publishing', 'failed')
		`, postID, userID, out.PlatformPostID)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE public.posts
			   SET status = 'failed',
			       error_kind = $3,
			       error_detail = $4,
			       updated_at = NOW()
			 WHERE id = $1
			   AND user_id = $2
			   AND status IN ('approved', 'publishing')
		`, postID, userID, out.ErrorKind, nullIfEmpty(out.Detail))
	}
	if err != nil {
		return false, fmt.Errorf("settle: update post: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settle: rows affected: %w", err)
	}
	if n == 0 {
		log.Printf("[Settle] noop postId=%s userId=%s success=%v reason=already_settled", postID, userID, out.Success)
		return false, nil
	}

	// Audit trail; the post row is authoritative, so a receipt failure is
	// logged but does not undo the settlement.
	outcome := "failed"
	if out.Success {
		outcome = "published"
	}
	if _, rerr := db.ExecContext(ctx, `
		INSERT INTO public.publish_receipts
		  (id, post_id, user_id, platform, platform_post_id, outcome, error_kind, detail, created_at)
		SELECT 'rcpt_' || p.id || '_' || p.attempt_count, p.id, p.user_id, p.platform, $3, $4, $5, $6, NOW()
		  FROM public.posts p
		 WHERE p.id = $1 AND p.user_id = $2
	`, postID, userID, nullIfEmpty(out.PlatformPostID), outcome, nullIfEmpty(out.ErrorKind), nullIfEmpty(out.Detail)); rerr != nil {
		log.Printf("[Settle] receipt_failed postId=%s userId=%s err=%v", postID, userID, rerr)
	}

	return true, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
