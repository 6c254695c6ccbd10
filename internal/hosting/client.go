// Package hosting talks to the video hosting provider that streams finished
// package videos.
package hosting

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vbmedia/packline/internal/model"
)

const uploadAttempts = 3

// Client is an API client for one hosting account. Campaigns carry their own
// credentials, so a client is built per campaign.
type Client struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a hosting client.
func NewClient(baseURL, key, secret string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		http:    &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
}

// apiResponse is the common envelope of provider answers.
type apiResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Video *Video `json:"video,omitempty"`
	Link  string `json:"link,omitempty"`

	Conversions []Conversion `json:"conversions,omitempty"`
}

// Video is the provider's view of an uploaded video.
type Video struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Conversion is one output rendition of a video.
type Conversion struct {
	Status   string `json:"status"`
	Required bool   `json:"required"`
	Error    string `json:"error,omitempty"`
}

// UploadRequest describes a video to publish.
type UploadRequest struct {
	Title       string
	Tags        string
	Description string
	Link        string
	Author      string
	DownloadURL string

	// ThumbnailPath, when set, is uploaded as the video's poster frame.
	ThumbnailPath string
}

// Upload publishes the video at req.DownloadURL and returns the provider's
// video key. The provider occasionally answers with an empty-response error
// under load; those are retried a few times before giving up.
func (c *Client) Upload(ctx context.Context, req *UploadRequest) (string, error) {
	var resp *apiResponse
	var err error

	for attempt := 0; attempt < uploadAttempts; attempt++ {
		resp, err = c.call(ctx, "/videos/create", map[string]string{
			"title":        req.Title,
			"tags":         req.Tags,
			"description":  req.Description,
			"link":         req.Link,
			"author":       req.Author,
			"download_url": req.DownloadURL,
		})
		if err != nil {
			return "", err
		}
		if resp.Status == "error" && resp.Code == "EmptyResponse" {
			continue
		}
		break
	}

	if resp.Status == "error" {
		c.logger.Error("video hosting refused the upload",
			"code", resp.Code,
			"message", resp.Message,
		)
		return "", &model.InterruptError{Reason: "hosting upload failed: " + resp.Message}
	}
	if resp.Video == nil || resp.Video.Key == "" {
		return "", fmt.Errorf("hosting returned no video key")
	}
	videoKey := resp.Video.Key

	// Attach the poster frame. The provider hands out a one-shot upload link.
	linkResp, err := c.call(ctx, "/videos/thumbnails/update", map[string]string{
		"video_key": videoKey,
	})
	if err != nil {
		return "", err
	}
	if req.ThumbnailPath != "" && linkResp.Link != "" {
		if err := c.uploadFile(ctx, linkResp.Link, req.ThumbnailPath); err != nil {
			return "", fmt.Errorf("failed to upload thumbnail: %w", err)
		}
	}

	return videoKey, nil
}

// Show fetches the provider's record of the video.
func (c *Client) Show(ctx context.Context, videoKey string) (*Video, error) {
	resp, err := c.call(ctx, "/videos/show", map[string]string{
		"video_key": videoKey,
	})
	if err != nil {
		return nil, err
	}
	if resp.Video == nil {
		return nil, fmt.Errorf("hosting returned no video data for %s", videoKey)
	}
	return resp.Video, nil
}

// ListConversions fetches the video's output renditions.
func (c *Client) ListConversions(ctx context.Context, videoKey string) ([]Conversion, error) {
	resp, err := c.call(ctx, "/videos/conversions/list", map[string]string{
		"video_key": videoKey,
	})
	if err != nil {
		return nil, err
	}
	return resp.Conversions, nil
}

// IsReady reports whether the hosted video is fully converted and streamable.
// A failed video over the account's storage limit can never recover and
// surfaces as InterruptError; other failures come back as RestartError so the
// pipeline re-uploads.
func (c *Client) IsReady(ctx context.Context, videoKey string) (bool, error) {
	video, err := c.Show(ctx, videoKey)
	if err != nil {
		return false, err
	}

	switch video.Status {
	case "failed":
		if strings.Contains(video.Error.Message, "content storage limit exceeded") {
			c.logger.Error("video hosting account is out of storage",
				"video_key", videoKey,
				"message", video.Error.Message,
			)
			return false, &model.InterruptError{
				Reason: "hosting failed processing video: " + video.Error.Message,
			}
		}
		c.logger.Info("video hosting failed processing, will re-upload",
			"video_key", videoKey,
			"message", video.Error.Message,
		)
		return false, &model.RestartError{Reason: "hosting failed processing video"}

	case "ready":
		conversions, err := c.ListConversions(ctx, videoKey)
		if err != nil {
			return false, err
		}
		if len(conversions) == 0 {
			return false, nil
		}
		for _, conv := range conversions {
			if conv.Error != "" {
				c.logger.Error("video hosting failed a conversion",
					"video_key", videoKey,
					"error", conv.Error,
				)
				return false, &model.InterruptError{Reason: "hosting failed to convert the video"}
			}
			if conv.Status != "Ready" && conv.Required {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, nil
	}
}

// call performs a signed API request.
func (c *Client) call(ctx context.Context, path string, params map[string]string) (*apiResponse, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("api_format", "json")
	values.Set("api_key", c.key)
	values.Set("api_timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("api_nonce", uuid.NewString()[:8])
	values.Set("api_signature", c.sign(values))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hosting request failed: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode hosting response: %w", err)
	}
	return &out, nil
}

// sign produces the request signature: SHA1 over the sorted query string plus
// the account secret.
func (c *Client) sign(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(values.Get(k)))
	}
	sb.WriteString(c.secret)

	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// uploadFile posts a local file to the provider's upload link.
func (c *Client) uploadFile(ctx context.Context, link, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, link, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload returned %d", resp.StatusCode)
	}
	return nil
}

// VideoTitle builds the provider-facing title from the package coordinates.
func VideoTitle(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		cleaned = append(cleaned, strings.ToLower(strings.ReplaceAll(p, " ", "-")))
	}
	return strings.Join(cleaned, "_")
}
