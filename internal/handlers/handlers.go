package handlers

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/theagencyiq/agencyiq/backend/internal/connections"
	"github.com/theagencyiq/agencyiq/backend/internal/enforce"
	"github.com/theagencyiq/agencyiq/backend/internal/models"
	"github.com/theagencyiq/agencyiq/backend/internal/quota"
)

type Handler struct {
	db       *sql.DB
	rt       *realtimeHub
	quota    *quota.Service
	store    *connections.Store
	enforcer *enforce.Enforcer
}

func New(db *sql.DB, q *quota.Service, store *connections.Store, enforcer *enforce.Enforcer) *Handler {
	return &Handler{db: db, rt: newRealtimeHub(), quota: q, store: store, enforcer: enforcer}
}

// NotifyPostStatus pushes a post transition to connected clients. Wired into
// the enforcement loop from main so the worker has no handler dependency.
func (h *Handler) NotifyPostStatus(userID, postID, status string) {
	h.emitEvent(userID, realtimeEvent{Type: "post.updated", PostID: postID, Status: status})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func newID(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(b)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var user models.User
	if err := decodeJSON(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(user.ID) == "" {
		user.ID = newID("user")
	}

	query := `
		INSERT INTO public.users (id, email, name, image_url, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			-- Avoid clobbering existing values when callers don't know them
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.users.email),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), public.users.name),
			image_url = COALESCE(EXCLUDED.image_url, public.users.image_url)
		RETURNING id, email, name, image_url, created_at
	`
	err := h.db.QueryRow(query, user.ID, user.Email, user.Name, user.ImageURL).
		Scan(&user.ID, &user.Email, &user.Name, &user.ImageURL, &user.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var user models.User
	err := h.db.QueryRow(`SELECT id, email, name, image_url, created_at FROM public.users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.ImageURL, &user.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var user models.User
	if err := decodeJSON(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := `
		UPDATE public.users
		SET email = $2, name = $3, image_url = $4
		WHERE id = $1
		RETURNING id, email, name, image_url, created_at
	`
	err := h.db.QueryRow(query, id, user.Email, user.Name, user.ImageURL).
		Scan(&user.ID, &user.Email, &user.Name, &user.ImageURL, &user.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// CreatePlatformConnection stores tokens delivered by the OAuth callback layer.
// Tokens never appear in responses; the model hides them from JSON.
func (h *Handler) CreatePlatformConnection(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")

	var req struct {
		Platform       string     `json:"platform"`
		PlatformUserID string     `json:"platformUserId"`
		AccessToken    string     `json:"accessToken"`
		RefreshToken   *string    `json:"refreshToken,omitempty"`
		ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !models.IsSupportedPlatform(req.Platform) {
		writeError(w, http.StatusBadRequest, "unsupported platform")
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		writeError(w, http.StatusBadRequest, "accessToken is required")
		return
	}

	conn := &models.PlatformConnection{
		ID:             newID("conn"),
		UserID:         userID,
		Platform:       req.Platform,
		PlatformUserID: req.PlatformUserID,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		ExpiresAt:      req.ExpiresAt,
	}
	if err := h.store.Upsert(r.Context(), conn); err != nil {
		log.Printf("[Connections] upsert_failed userId=%s platform=%s err=%v", userID, req.Platform, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handler) ListPlatformConnections(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")

	conns, err := h.store.ListForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (h *Handler) DeletePlatformConnection(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	connID := pathVar(r, "id")

	ok, err := h.store.Deactivate(r.Context(), connID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

const postColumns = `id, user_id, platform, content, media_url, status, scheduled_for, published_at,
	platform_post_id, error_kind, error_detail, attempt_count, last_attempt_at, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.UserID, &p.Platform, &p.Content, &p.MediaURL, &p.Status,
		&p.ScheduledFor, &p.PublishedAt, &p.PlatformPostID, &p.ErrorKind, &p.ErrorDetail,
		&p.AttemptCount, &p.LastAttemptAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePost creates a draft. Drafts cost nothing against the quota; only a
// confirmed publish does.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")

	var req struct {
		Platform     string     `json:"platform"`
		Content      string     `json:"content"`
		MediaURL     *string    `json:"mediaUrl,omitempty"`
		ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !models.IsSupportedPlatform(req.Platform) {
		writeError(w, http.StatusBadRequest, "unsupported platform")
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.MediaURL == nil {
		writeError(w, http.StatusBadRequest, "content or mediaUrl is required")
		return
	}

	row := h.db.QueryRow(`
		INSERT INTO public.posts (id, user_id, platform, content, media_url, status, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'draft', $6, NOW(), NOW())
		RETURNING `+postColumns+`
	`, newID("post"), userID, req.Platform, req.Content, req.MediaURL, req.ScheduledFor)
	post, err := scanPost(row)
	if err != nil {
		log.Printf("[Posts] create_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) GetUserPosts(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	query := `SELECT ` + postColumns + ` FROM public.posts WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := h.db.Query(query, args...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	posts := make([]models.Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		posts = append(posts, *p)
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	postID := pathVar(r, "id")

	row := h.db.QueryRow(`SELECT `+postColumns+` FROM public.posts WHERE id = $1 AND user_id = $2`, postID, userID)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Post not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// UpdatePost edits content, media or schedule. Only drafts are editable; once
// approved a post is in the pipeline and must be deleted or left to settle.
func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	postID := pathVar(r, "id")

	var req struct {
		Content      *string    `json:"content,omitempty"`
		MediaURL     *string    `json:"mediaUrl,omitempty"`
		ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	row := h.db.QueryRow(`
		UPDATE public.posts
		   SET content = COALESCE($3, content),
		       media_url = COALESCE($4, media_url),
		       scheduled_for = COALESCE($5, scheduled_for),
		       updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status = 'draft'
		RETURNING `+postColumns+`
	`, postID, userID, req.Content, req.MediaURL, req.ScheduledFor)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusConflict, "Post not found or not editable")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// ApprovePost moves a draft into the enforcement loop's input set. Approval is
// the user's consent boundary; nothing publishes without it.
func (h *Handler) ApprovePost(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	postID := pathVar(r, "id")

	row := h.db.QueryRow(`
		UPDATE public.posts
		   SET status = 'approved', updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status = 'draft'
		RETURNING `+postColumns+`
	`, postID, userID)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusConflict, "Post is not a draft")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.emitEvent(userID, realtimeEvent{Type: "post.updated", PostID: postID, Status: post.Status})
	writeJSON(w, http.StatusOK, post)
}

// RetryPost re-queues a failed post. The next enforcement pass picks it up
// subject to the then-current quota; error fields are cleared on settlement.
func (h *Handler) RetryPost(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	postID := pathVar(r, "id")

	row := h.db.QueryRow(`
		UPDATE public.posts
		   SET status = 'approved', updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status = 'failed'
		RETURNING `+postColumns+`
	`, postID, userID)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusConflict, "Post is not in a failed state")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.emitEvent(userID, realtimeEvent{Type: "post.updated", PostID: postID, Status: post.Status})
	writeJSON(w, http.StatusOK, post)
}

// DeletePost removes a post that is not currently in flight. Published posts
// are kept; they are the quota ledger.
func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	postID := pathVar(r, "id")

	res, err := h.db.Exec(`
		DELETE FROM public.posts
		 WHERE id = $1 AND user_id = $2 AND status IN ('draft', 'approved', 'failed')
	`, postID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusConflict, "Post not found or not deletable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")

	st, err := h.quota.GetQuotaStatus(r.Context(), userID)
	if err == quota.ErrNotFound {
		writeError(w, http.StatusNotFound, "No subscription")
		return
	}
	if err != nil {
		log.Printf("[Quota] status_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// TriggerEnforcement runs one enforcement pass for the user right now instead
// of waiting for the periodic sweep. Safe to call while the sweep is running;
// overlapping runs are skipped, not doubled.
func (h *Handler) TriggerEnforcement(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")

	res, err := h.enforcer.RunUserOnce(r.Context(), userID)
	if err != nil {
		log.Printf("[Enforce] trigger_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Published > 0 {
		h.emitEvent(userID, realtimeEvent{Type: "quota.updated", Remaining: &res.Remaining})
	}
	writeJSON(w, http.StatusOK, res)
}
