package voice

import (
	"bytes"
	"context"
	"encoding/json"
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

type Synthesis struct {
	Bytes       []byte
	MimeType    string
	DurationSec float64
}

// Client wraps the text-to-speech provider used for scene narration.
type Client interface {
	Synthesize(ctx context.Context, text string, voiceID string) (Synthesis, error)
}

type client struct {
	log            *logger.Logger
	baseURL        string
	apiKey         string
	defaultVoiceID string
	model          string
	httpClient     *http.Client

	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	apiKey := strings.TrimSpace(os.Getenv("VOICE_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing VOICE_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("VOICE_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	voiceID := strings.TrimSpace(os.Getenv("VOICE_DEFAULT_VOICE_ID"))
	model := strings.TrimSpace(os.Getenv("VOICE_MODEL"))
	if model == "" {
		model = "eleven_multilingual_v2"
	}

	timeoutSec := 120
	if v := os.Getenv("VOICE_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 3
	if v := os.Getenv("VOICE_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:            log.With("service", "VoiceClient"),
		baseURL:        baseURL,
		apiKey:         apiKey,
		defaultVoiceID: voiceID,
		model:          model,
		httpClient:     &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries:     maxRetries,
	}, nil
}

type voiceHTTPError struct {
	StatusCode int
	Body       string
}

func (e *voiceHTTPError) Error() string {
	return fmt.Sprintf("voice http %d: %s", e.StatusCode, e.Body)
}

func (e *voiceHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type synthesizeRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, string, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, "", err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, "", err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, "", readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil, "", &voiceHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, strings.TrimSpace(resp.Header.Get("Content-Type")), nil
}

func (c *client) Synthesize(ctx context.Context, text string, voiceID string) (Synthesis, error) {
	var out Synthesis

	text = strings.TrimSpace(text)
	if text == "" {
		return out, fmt.Errorf("narration text required")
	}
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		voiceID = c.defaultVoiceID
	}
	if voiceID == "" {
		return out, fmt.Errorf("missing voice id and VOICE_DEFAULT_VOICE_ID")
	}

	path := "/v1/text-to-speech/" + voiceID
	body := synthesizeRequest{Text: text, ModelID: c.model}

	backoff := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		resp, raw, ct, err := c.doOnce(ctx, path, body)
		if err == nil {
			out.Bytes = raw
			out.MimeType = ct
			if out.MimeType == "" {
				out.MimeType = "audio/mpeg"
			}
			out.DurationSec = estimateDurationSec(text)
			return out, nil
		}

		lastErr = err
		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return out, err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("Voice request retrying",
			"voice_id", voiceID,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}

	return out, lastErr
}

// estimateDurationSec approximates narration length from word count; the
// merge stage only needs a rough figure for progress reporting, the real
// track length comes from the provider metadata when available.
func estimateDurationSec(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	const wordsPerSecond = 2.5
	return float64(words) / wordsPerSecond
}
