package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transcript states reported by the speech service.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateError      = "error"
)

// Status is one poll result.
type Status struct {
	State     string
	Text      string
	ErrorText string
}

// Terminal reports whether polling can stop.
func (s Status) Terminal() bool {
	return s.State == StateCompleted || s.State == StateError
}

// SpeechClient is the external speech-to-text service.
type SpeechClient interface {
	// Upload stores raw audio and returns an opaque handle.
	Upload(ctx context.Context, data []byte) (string, error)
	// Submit starts a transcription for an uploaded handle.
	Submit(ctx context.Context, audioURL, language string) (string, error)
	// Poll queries one transcription's status.
	Poll(ctx context.Context, transcriptID string) (Status, error)
}

// Upload retry policy.
const (
	uploadAttempts     = 3
	uploadBackoff      = 2 * time.Second
	defaultRetryAfter  = 5 * time.Second
	uploadTimeout      = 60 * time.Second
	submitTimeout      = 30 * time.Second
	DefaultSpeechURL   = "https://api.assemblyai.com/v2"
	DefaultLanguage    = "en"
	defaultSpeechModel = "universal"
)

// ErrUnauthorized aborts upload retries immediately.
var ErrUnauthorized = errors.New("speech service rejected the API key")

// AssemblyClient talks to an AssemblyAI-compatible HTTP API.
type AssemblyClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sleep      func(context.Context, time.Duration) error
}

var _ SpeechClient = &AssemblyClient{}

// ClientOption configures an AssemblyClient.
type ClientOption func(*AssemblyClient)

func WithBaseURL(u string) ClientOption { return func(c *AssemblyClient) { c.baseURL = u } }
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *AssemblyClient) { c.httpClient = h }
}

// withSleep replaces the retry delay, for tests.
func withSleep(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *AssemblyClient) { c.sleep = fn }
}

func NewAssemblyClient(apiKey string, opts ...ClientOption) *AssemblyClient {
	c := &AssemblyClient{
		apiKey:     apiKey,
		baseURL:    DefaultSpeechURL,
		httpClient: &http.Client{Timeout: uploadTimeout},
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Upload posts raw audio bytes with bounded retries. Authorization failures
// abort immediately; rate limits honor the Retry-After hint.
func (c *AssemblyClient) Upload(ctx context.Context, data []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, uploadBackoff); err != nil {
				return "", err
			}
		}
		url, err := c.uploadOnce(ctx, data)
		if err == nil {
			return url, nil
		}
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return "", err
		}
		var rl *rateLimitError
		if errors.As(err, &rl) {
			if sleepErr := c.sleep(ctx, rl.retryAfter); sleepErr != nil {
				return "", sleepErr
			}
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("speech upload failed")
		lastErr = err
	}
	return "", errors.Wrapf(lastErr, "upload failed after %d attempts", uploadAttempts)
}

type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return "speech service rate limited" }

func (c *AssemblyClient) uploadOnce(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "building upload request")
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "posting audio")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			UploadURL string `json:"upload_url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", errors.Wrap(err, "decoding upload response")
		}
		if body.UploadURL == "" {
			return "", errors.New("upload response missing upload_url")
		}
		return body.UploadURL, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return "", &rateLimitError{retryAfter: retryAfter}
	default:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Errorf("upload returned %d: %s", resp.StatusCode, string(text))
	}
}

// Submit starts a transcription for an uploaded audio URL.
func (c *AssemblyClient) Submit(ctx context.Context, audioURL, language string) (string, error) {
	if language == "" {
		language = DefaultLanguage
	}
	payload, err := json.Marshal(map[string]string{
		"audio_url":     audioURL,
		"language_code": language,
		"speech_model":  defaultSpeechModel,
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding transcript request")
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "building transcript request")
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "submitting transcript request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Errorf("transcript request returned %d: %s", resp.StatusCode, string(text))
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decoding transcript response")
	}
	if body.ID == "" {
		return "", errors.New("transcript response missing id")
	}
	return body.ID, nil
}

// Poll queries one transcription's current status.
func (c *AssemblyClient) Poll(ctx context.Context, transcriptID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transcript/"+transcriptID, nil)
	if err != nil {
		return Status{}, errors.Wrap(err, "building poll request")
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, errors.Wrap(err, "polling transcript")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Status{}, errors.Errorf("poll returned %d: %s", resp.StatusCode, string(text))
	}
	var body struct {
		Status string `json:"status"`
		Text   string `json:"text"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{}, errors.Wrap(err, "decoding poll response")
	}
	return Status{State: body.Status, Text: body.Text, ErrorText: body.Error}, nil
}
