package publish

import (
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/theagencyiq/agencyiq/backend/internal/connections"
	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

// publishCallTimeout bounds each platform call. A timeout is a retryable
// PLATFORM_UNAVAILABLE, never a success and never a permanent rejection.
const publishCallTimeout = 30 * time.Second

// Result is what the dispatcher hands back to the enforcement loop. The
// dispatcher never mutates post or quota state; settlement has one choke point
// in the enforce package and this keeps it that way.
type Result struct {
	Success        bool
	PlatformPostID string
	Kind           ErrorKind
	Detail         string
}

type Dispatcher struct {
	refresher  *connections.Refresher
	client     *http.Client
	publishers map[string]Publisher
	limiters   map[string]*rate.Limiter
}

func NewDispatcher(refresher *connections.Refresher) *Dispatcher {
	d := &Dispatcher{
		refresher:  refresher,
		client:     &http.Client{Timeout: publishCallTimeout},
		publishers: make(map[string]Publisher),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, p := range []Publisher{
		FacebookPublisher{},
		InstagramPublisher{},
		LinkedInPublisher{},
		XPublisher{},
		YouTubePublisher{},
	} {
		d.Register(p)
	}
	return d
}

// Register installs a publisher (tests swap in stubs pointed at local servers).
func (d *Dispatcher) Register(p Publisher) {
	d.publishers[p.Platform()] = p
	d.limiters[p.Platform()] = newLimiter(p.Platform())
}

func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	if c != nil {
		d.client = c
	}
	return d
}

// Publish drives one approved post through token validation and the platform
// call. Publishing is never attempted with a token known to be invalid.
func (d *Dispatcher) Publish(ctx context.Context, post *models.Post, conn *models.PlatformConnection) Result {
	if post == nil || conn == nil {
		return Result{Kind: KindUnknown, Detail: "nil_post_or_connection"}
	}
	if post.Status != models.PostStatusApproved && post.Status != models.PostStatusPublishing {
		return Result{Kind: KindUnknown, Detail: "post_not_approved status=" + post.Status}
	}
	if conn.Platform != post.Platform {
		return Result{Kind: KindUnknown, Detail: "platform_mismatch post=" + post.Platform + " conn=" + conn.Platform}
	}
	pub, ok := d.publishers[post.Platform]
	if !ok {
		return Result{Kind: KindPlatformRejected, Detail: "unsupported_platform " + post.Platform}
	}

	chk := d.refresher.EnsureValidToken(ctx, conn)
	if !chk.Valid {
		kind := KindTokenInvalid
		if chk.Reason == connections.ReasonRefreshFailed {
			// Token endpoint was down, not a dead grant; retry next pass.
			kind = KindPlatformUnavailable
		}
		return Result{Kind: kind, Detail: chk.Reason}
	}

	if lim := d.limiters[post.Platform]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{Kind: KindPlatformUnavailable, Detail: "rate_limiter: " + err.Error()}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, publishCallTimeout)
	defer cancel()

	platformPostID, err := pub.Publish(callCtx, d.client, chk.AccessToken, conn, post)
	if err != nil {
		kind := KindOf(err)
		if kind == KindUnknown {
			log.Printf("[Dispatch] unknown_error postId=%s userId=%s platform=%s err=%v",
				post.ID, post.UserID, post.Platform, err)
		}
		return Result{Kind: kind, Detail: truncate(err.Error(), 400)}
	}

	return Result{Success: true, PlatformPostID: platformPostID}
}
