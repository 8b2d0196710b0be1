package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"unicode/utf8"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

const xBaseURL = "https://api.twitter.com"

// xMaxTweetLength is the standard tweet limit; longer content is rejected here
// rather than letting the API 403 with a vaguer message.
const xMaxTweetLength = 280

// XPublisher posts a tweet via the v2 Tweets API using the connection's
// user-context bearer token.
type XPublisher struct {
	BaseURL string
}

func (p XPublisher) Platform() string { return models.PlatformX }

func (p XPublisher) baseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return xBaseURL
}

func (p XPublisher) Publish(ctx context.Context, client *http.Client, token string, conn *models.PlatformConnection, post *models.Post) (string, error) {
	if utf8.RuneCountInString(post.Content) > xMaxTweetLength {
		return "", rejected("tweet_too_long")
	}

	raw, err := json.Marshal(map[string]string{"text": post.Content})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/2/tweets", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	body := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", classifyStatus(res.StatusCode, apiErrorMessage(body, truncate(string(body), 400)))
	}

	var obj struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &obj)
	return nonEmptyID(obj.Data.ID, "x")
}
