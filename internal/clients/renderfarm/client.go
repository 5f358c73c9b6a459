package renderfarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fablecast/fablecast-backend/internal/platform/httpx"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
)

// TaskState is the remote render task lifecycle as reported by the provider.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

type Task struct {
	ID          string    `json:"id"`
	State       TaskState `json:"state"`
	OutputURL   string    `json:"output_url,omitempty"`
	DurationSec float64   `json:"duration_sec,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (t Task) Done() bool { return t.State == TaskCompleted || t.State == TaskFailed }

type RenderSpec struct {
	ImageURL    string  `json:"image_url"`
	AudioURL    string  `json:"audio_url"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Size        string  `json:"size,omitempty"`
	Style       string  `json:"style,omitempty"`
}

type LipsyncSpec struct {
	VideoURL string `json:"video_url"`
	AudioURL string `json:"audio_url"`
}

type MergeSpec struct {
	SegmentURLs []string `json:"segment_urls"`
	Size        string   `json:"size,omitempty"`
}

// Client talks to the render farm. Every submission is asynchronous: the
// farm answers with a task id and the caller polls TaskStatus until the task
// reaches a terminal state.
type Client interface {
	SubmitRender(ctx context.Context, spec RenderSpec) (string, error)
	SubmitLipsync(ctx context.Context, spec LipsyncSpec) (string, error)
	SubmitMerge(ctx context.Context, spec MergeSpec) (string, error)
	TaskStatus(ctx context.Context, taskID string) (Task, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	size       string
	httpClient *http.Client

	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	apiKey := strings.TrimSpace(os.Getenv("RENDERFARM_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing RENDERFARM_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("RENDERFARM_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing RENDERFARM_BASE_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	size := strings.TrimSpace(os.Getenv("RENDERFARM_VIDEO_SIZE"))
	if size == "" {
		size = "1280x720"
	}

	timeoutSec := 60
	if v := os.Getenv("RENDERFARM_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 3
	if v := os.Getenv("RENDERFARM_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("service", "RenderFarmClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		size:       size,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

type farmHTTPError struct {
	StatusCode int
	Body       string
}

func (e *farmHTTPError) Error() string {
	return fmt.Sprintf("renderfarm http %d: %s", e.StatusCode, e.Body)
}

func (e *farmHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &farmHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("renderfarm decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("RenderFarm request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

type submitResponse struct {
	Task Task `json:"task"`
}

func (c *client) SubmitRender(ctx context.Context, spec RenderSpec) (string, error) {
	if strings.TrimSpace(spec.ImageURL) == "" {
		return "", errors.New("render spec requires image_url")
	}
	if strings.TrimSpace(spec.Size) == "" {
		spec.Size = c.size
	}
	var resp submitResponse
	if err := c.do(ctx, "POST", "/v1/renders", spec, &resp); err != nil {
		return "", err
	}
	if resp.Task.ID == "" {
		return "", errors.New("render submit returned no task id")
	}
	return resp.Task.ID, nil
}

func (c *client) SubmitLipsync(ctx context.Context, spec LipsyncSpec) (string, error) {
	if strings.TrimSpace(spec.VideoURL) == "" || strings.TrimSpace(spec.AudioURL) == "" {
		return "", errors.New("lipsync spec requires video_url and audio_url")
	}
	var resp submitResponse
	if err := c.do(ctx, "POST", "/v1/lipsync", spec, &resp); err != nil {
		return "", err
	}
	if resp.Task.ID == "" {
		return "", errors.New("lipsync submit returned no task id")
	}
	return resp.Task.ID, nil
}

func (c *client) SubmitMerge(ctx context.Context, spec MergeSpec) (string, error) {
	if len(spec.SegmentURLs) == 0 {
		return "", errors.New("merge spec requires segment_urls")
	}
	if strings.TrimSpace(spec.Size) == "" {
		spec.Size = c.size
	}
	var resp submitResponse
	if err := c.do(ctx, "POST", "/v1/merges", spec, &resp); err != nil {
		return "", err
	}
	if resp.Task.ID == "" {
		return "", errors.New("merge submit returned no task id")
	}
	return resp.Task.ID, nil
}

func (c *client) TaskStatus(ctx context.Context, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, errors.New("task id required")
	}
	var resp submitResponse
	if err := c.do(ctx, "GET", "/v1/tasks/"+taskID, nil, &resp); err != nil {
		return Task{}, err
	}
	if resp.Task.ID == "" {
		resp.Task.ID = taskID
	}
	return resp.Task, nil
}

func (c *client) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", err
	}
	// Safe for signed URLs; required when the farm serves outputs itself.
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &farmHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, strings.TrimSpace(resp.Header.Get("Content-Type")), nil
}
