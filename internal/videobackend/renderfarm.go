package videobackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vbmedia/packline/internal/config"
	"github.com/vbmedia/packline/internal/model"
)

// Renderfarm is the XML-template render service. Jobs are submitted with a
// full scene definition and polled until the farm reports success or error.
type Renderfarm struct {
	baseURL     string
	secret      string
	profile     string
	fatalErrors []string
	client      *http.Client
	logger      *slog.Logger
}

// NewRenderfarm creates a renderfarm client.
func NewRenderfarm(cfg config.RenderfarmConfig, logger *slog.Logger) *Renderfarm {
	return &Renderfarm{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		secret:      cfg.Secret,
		profile:     cfg.APIKey,
		fatalErrors: cfg.FatalErrors,
		client:      &http.Client{Timeout: 60 * time.Second},
		logger:      logger,
	}
}

// Kind identifies the backend variant.
func (r *Renderfarm) Kind() model.VideoBackendKind {
	return model.BackendRenderfarm
}

type renderfarmTask struct {
	TaskName   string `json:"task_name"`
	Preview    bool   `json:"preview"`
	Profile    string `json:"profile"`
	Definition string `json:"definition"`
}

type renderfarmCreateRequest struct {
	Secret string           `json:"secret"`
	Tasks  []renderfarmTask `json:"tasks"`
}

type renderfarmStatusRequest struct {
	Secret string   `json:"secret"`
	Tasks  []string `json:"tasks"`
}

type renderfarmTaskStatus struct {
	Key    string          `json:"key"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// Push submits the rendered XML definition. A non-200 answer is transient;
// the caller's retry budget handles it.
func (r *Renderfarm) Push(ctx context.Context, req *Request) (*PushResult, error) {
	if req.Definition == "" {
		return nil, fmt.Errorf("video definition is empty for package %d; check the campaign's video template", req.PackageID)
	}

	body, err := json.Marshal(renderfarmCreateRequest{
		Secret: r.secret,
		Tasks: []renderfarmTask{{
			TaskName:   "video.create",
			Preview:    false,
			Profile:    r.profile,
			Definition: req.Definition,
		}},
	})
	if err != nil {
		return nil, err
	}

	var tasks []renderfarmTaskStatus
	if err := r.post(ctx, "/v1/create", body, &tasks); err != nil {
		r.logger.Error("renderfarm refused the video",
			"package_id", req.PackageID,
			"error", err,
		)
		return nil, err
	}
	if len(tasks) == 0 || tasks[0].Key == "" {
		return nil, fmt.Errorf("renderfarm returned no task key")
	}

	return &PushResult{Key: tasks[0].Key}, nil
}

// Pull asks the farm about a submitted job.
func (r *Renderfarm) Pull(ctx context.Context, key string) (string, error) {
	body, err := json.Marshal(renderfarmStatusRequest{
		Secret: r.secret,
		Tasks:  []string{key},
	})
	if err != nil {
		return "", err
	}

	var tasks []renderfarmTaskStatus
	if err := r.post(ctx, "/v1/status", body, &tasks); err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "", fmt.Errorf("renderfarm returned no status for key %s", key)
	}

	status := tasks[0]
	switch status.Status {
	case "queued", "executing":
		return "", &model.WaitError{Reason: "renderfarm is still busy"}

	case "error":
		detail := string(status.Result)
		r.logger.Warn("renderfarm returned an error",
			"key", key,
			"result", detail,
		)
		for _, s := range r.fatalErrors {
			if strings.Contains(detail, s) {
				return "", &model.InterruptError{Reason: "renderfarm error: " + detail}
			}
		}
		return "", &model.RestartError{Reason: "renderfarm threw an error"}

	case "success":
		// Fall through.

	default:
		// Keep going and try to read the export anyway, matching how the farm
		// occasionally reports finished jobs under ad-hoc statuses.
		r.logger.Error("unknown renderfarm status", "key", key, "status", status.Status)
	}

	var result struct {
		Export string `json:"export"`
	}
	if err := json.Unmarshal(status.Result, &result); err != nil || result.Export == "" {
		return "", fmt.Errorf("renderfarm result has no export url: %s", status.Result)
	}

	return r.resolveExport(ctx, result.Export)
}

// resolveExport follows the export link's redirect chain to the concrete file
// URL. The download host does not speak TLS, so the scheme is forced to http.
func (r *Renderfarm) resolveExport(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to resolve export url: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	final := resp.Request.URL.String()
	return strings.Replace(final, "https", "http", 1), nil
}

func (r *Renderfarm) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("renderfarm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("renderfarm returned %d: %s", resp.StatusCode, payload)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
