package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

const linkedinBaseURL = "https://api.linkedin.com"

// LinkedInPublisher creates a UGC share for the member urn stored in
// platform_user_id.
type LinkedInPublisher struct {
	BaseURL string
}

func (p LinkedInPublisher) Platform() string { return models.PlatformLinkedIn }

func (p LinkedInPublisher) baseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return linkedinBaseURL
}

func (p LinkedInPublisher) Publish(ctx context.Context, client *http.Client, token string, conn *models.PlatformConnection, post *models.Post) (string, error) {
	memberID := strings.TrimSpace(conn.PlatformUserID)
	if memberID == "" {
		return "", rejected("missing_member_id")
	}
	author := memberID
	if !strings.HasPrefix(author, "urn:") {
		author = "urn:li:person:" + author
	}

	media := []map[string]interface{}{}
	category := "NONE"
	if post.MediaURL != nil && strings.TrimSpace(*post.MediaURL) != "" {
		category = "ARTICLE"
		media = append(media, map[string]interface{}{
			"status":      "READY",
			"originalUrl": strings.TrimSpace(*post.MediaURL),
		})
	}

	payload := map[string]interface{}{
		"author":         author,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]interface{}{
			"com.linkedin.ugc.ShareContent": map[string]interface{}{
				"shareCommentary":    map[string]string{"text": post.Content},
				"shareMediaCategory": category,
				"media":              media,
			},
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/v2/ugcPosts", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	body := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", classifyStatus(res.StatusCode, apiErrorMessage(body, truncate(string(body), 400)))
	}

	// LinkedIn returns the share urn in the X-RestLi-Id header; fall back to body id.
	if id := strings.TrimSpace(res.Header.Get("X-RestLi-Id")); id != "" {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &obj)
	return nonEmptyID(obj.ID, "linkedin")
}
