package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

// InstagramPublisher uses the Graph API two-step container flow: create a media
// container for a public image URL, then publish it. platform_user_id holds the
// IG business account id.
type InstagramPublisher struct {
	BaseURL string
}

func (p InstagramPublisher) Platform() string { return models.PlatformInstagram }

func (p InstagramPublisher) baseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return graphBaseURL
}

func (p InstagramPublisher) Publish(ctx context.Context, client *http.Client, token string, conn *models.PlatformConnection, post *models.Post) (string, error) {
	igID := strings.TrimSpace(conn.PlatformUserID)
	if igID == "" {
		return "", rejected("missing_ig_business_id")
	}
	if post.MediaURL == nil || strings.TrimSpace(*post.MediaURL) == "" {
		// Instagram has no text-only posts.
		return "", rejected("instagram_requires_media")
	}

	// Step 1: create the media container.
	form := url.Values{}
	form.Set("image_url", strings.TrimSpace(*post.MediaURL))
	form.Set("caption", post.Content)
	form.Set("access_token", token)

	creationID, err := p.graphPost(ctx, client, fmt.Sprintf("%s/%s/media", p.baseURL(), url.PathEscape(igID)), form)
	if err != nil {
		return "", err
	}
	if creationID == "" {
		return "", &Error{Kind: KindUnknown, Message: "instagram: container create returned no id"}
	}

	// Step 2: publish the container.
	form = url.Values{}
	form.Set("creation_id", creationID)
	form.Set("access_token", token)

	mediaID, err := p.graphPost(ctx, client, fmt.Sprintf("%s/%s/media_publish", p.baseURL(), url.PathEscape(igID)), form)
	if err != nil {
		return "", err
	}
	return nonEmptyID(mediaID, "instagram")
}

func (p InstagramPublisher) graphPost(ctx context.Context, client *http.Client, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	body := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", classifyStatus(res.StatusCode, apiErrorMessage(body, truncate(string(body), 400)))
	}

	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &obj)
	return obj.ID, nil
}
