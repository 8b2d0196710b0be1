package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

const youtubeUploadBaseURL = "https://www.googleapis.com"

// youtubeMaxVideoBytes caps what we pull into memory for an upload. Larger
// assets should go through a resumable upload, which this pipeline doesn't do.
const youtubeMaxVideoBytes = 64 << 20

// YouTubePublisher uploads the post's video via the Data API multipart upload.
// Text-only posts are rejected: YouTube has no caption-only publish.
type YouTubePublisher struct {
	BaseURL string
}

func (p YouTubePublisher) Platform() string { return models.PlatformYouTube }

func (p YouTubePublisher) baseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return youtubeUploadBaseURL
}

func (p YouTubePublisher) Publish(ctx context.Context, client *http.Client, token string, conn *models.PlatformConnection, post *models.Post) (string, error) {
	if post.MediaURL == nil || strings.TrimSpace(*post.MediaURL) == "" {
		return "", rejected("youtube_requires_video")
	}

	video, contentType, err := p.fetchVideo(ctx, client, strings.TrimSpace(*post.MediaURL))
	if err != nil {
		return "", err
	}

	title := post.Content
	if len(title) > 100 {
		title = title[:100]
	}
	meta := map[string]interface{}{
		"snippet": map[string]interface{}{
			"title":       title,
			"description": post.Content,
		},
		"status": map[string]interface{}{
			"privacyStatus": "public",
		},
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaHdr := make(textproto.MIMEHeader)
	metaHdr.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := mw.CreatePart(metaHdr)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return "", err
	}

	videoHdr := make(textproto.MIMEHeader)
	if contentType == "" {
		contentType = "video/mp4"
	}
	videoHdr.Set("Content-Type", contentType)
	part, err = mw.CreatePart(videoHdr)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(video); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	endpoint := p.baseURL() + "/upload/youtube/v3/videos?part=snippet,status&uploadType=multipart"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

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
	return nonEmptyID(obj.ID, "youtube")
}

func (p YouTubePublisher) fetchVideo(ctx context.Context, client *http.Client, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, "", rejected(fmt.Sprintf("media_fetch_failed status=%d", res.StatusCode))
	}

	b, err := io.ReadAll(io.LimitReader(res.Body, youtubeMaxVideoBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(b) > youtubeMaxVideoBytes {
		return nil, "", rejected("video_too_large")
	}
	if len(b) == 0 {
		return nil, "", rejected("empty_media")
	}
	return b, res.Header.Get("Content-Type"), nil
}
