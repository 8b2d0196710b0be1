package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ImageURL  *string   `json:"imageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Platforms supported for publishing. These values are stored verbatim in
// platform_connections.platform and posts.platform.
const (
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
	PlatformLinkedIn  = "linkedin"
	PlatformX         = "x"
	PlatformYouTube   = "youtube"
)

// AllPlatforms lists the supported platforms in a stable order.
var AllPlatforms = []string{
	PlatformFacebook,
	PlatformInstagram,
	PlatformLinkedIn,
	PlatformX,
	PlatformYouTube,
}

func IsSupportedPlatform(p string) bool {
	for _, v := range AllPlatforms {
		if v == p {
			return true
		}
	}
	return false
}

// PlatformConnection is a stored OAuth credential set for one (user, platform) pair.
// At most one active row exists per pair; deactivated rows are kept for audit.
type PlatformConnection struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Platform       string     `json:"platform"`
	PlatformUserID string     `json:"platformUserId"`
	AccessToken    string     `json:"-"`
	RefreshToken   *string    `json:"-"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	IsActive       bool       `json:"isActive"`
	ReauthReason   *string    `json:"reauthReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Post status values. Transitions only move forward:
// draft -> approved -> publishing -> published|failed, failed -> approved (retry).
const (
	PostStatusDraft      = "draft"
	PostStatusApproved   = "approved"
	PostStatusPublishing = "publishing"
	PostStatusPublished  = "published"
	PostStatusFailed     = "failed"
)

type Post struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Platform       string     `json:"platform"`
	Content        string     `json:"content"`
	MediaURL       *string    `json:"mediaUrl,omitempty"`
	Status         string     `json:"status"`
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	PlatformPostID *string    `json:"platformPostId,omitempty"`
	ErrorKind      *string    `json:"errorKind,omitempty"`
	ErrorDetail    *string    `json:"errorDetail,omitempty"`
	AttemptCount   int        `json:"attemptCount"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type Subscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	PlanID               string     `json:"planId"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	Status               string     `json:"status"`
	StartedAt            time.Time  `json:"startedAt"`
	CanceledAt           *time.Time `json:"canceledAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type BillingPlan struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    *string `json:"description,omitempty"`
	PriceCents     int     `json:"priceCents"`
	Currency       string  `json:"currency"`
	Interval       string  `json:"interval"`
	StripePriceID  *string `json:"stripePriceId,omitempty"`
	PostAllocation int     `json:"postAllocation"`
	IsActive       bool    `json:"isActive"`
}
