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

const graphBaseURL = "https://graph.facebook.com/v18.0"

// FacebookPublisher posts to a page feed via the Graph API. The connection's
// platform_user_id holds the page id and access_token the page token.
type FacebookPublisher struct {
	BaseURL string
}

func (p FacebookPublisher) Platform() string { return models.PlatformFacebook }

func (p FacebookPublisher) baseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return graphBaseURL
}

func (p FacebookPublisher) Publish(ctx context.Context, client *http.Client, token string, conn *models.PlatformConnection, post *models.Post) (string, error) {
	pageID := strings.TrimSpace(conn.PlatformUserID)
	if pageID == "" {
		return "", rejected("missing_page_id")
	}

	form := url.Values{}
	form.Set("message", post.Content)
	form.Set("access_token", token)
	if post.MediaURL != nil && strings.TrimSpace(*post.MediaURL) != "" {
		// Feed posts accept a link attachment; full photo uploads go through /photos.
		form.Set("link", strings.TrimSpace(*post.MediaURL))
	}

	endpoint := fmt.Sprintf("%s/%s/feed", p.baseURL(), url.PathEscape(pageID))
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
	return nonEmptyID(obj.ID, "facebook")
}
