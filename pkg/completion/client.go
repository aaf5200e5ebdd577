// Package completion is the chat-completions client for the external
// OpenAI-compatible endpoint the twin responses come from.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the OpenRouter chat-completions endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	// DefaultModel is used when no model is configured.
	DefaultModel = "meta-llama/llama-3-8b-instruct"
	// DefaultVisionModel handles requests carrying multimodal content.
	DefaultVisionModel = "meta-llama/llama-3.2-90b-vision-instruct"
	// DefaultTimeout bounds one completion round trip.
	DefaultTimeout = 60 * time.Second
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in the prompt. Content is either a string or a slice
// of Part for multimodal calls.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Part is one element of a multimodal content list.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Completer produces one completion from an assembled prompt.
type Completer interface {
	Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error)
}

// Client calls an OpenAI-compatible chat-completions API.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	visionModel string
	referer     string
	httpClient  *http.Client
}

var _ Completer = &Client{}

type Option func(*Client)

func WithBaseURL(u string) Option          { return func(c *Client) { c.baseURL = u } }
func WithModel(m string) Option            { return func(c *Client) { c.model = m } }
func WithVisionModel(m string) Option      { return func(c *Client) { c.visionModel = m } }
func WithReferer(r string) Option          { return func(c *Client) { c.referer = r } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     DefaultBaseURL,
		model:       DefaultModel,
		visionModel: DefaultVisionModel,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the prompt and returns the first choice's content. The call
// is bounded by the client timeout and the caller's context; errors are
// returned for the orchestrator to translate into a fallback reply.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	model := c.model
	if hasMultimodal(messages) {
		model = c.visionModel
	}
	body, err := json.Marshal(request{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", errors.Wrap(err, "completion: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "completion: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "completion: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "completion: read response")
	}
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("body", string(data)).Msg("completion API error")
		return "", errors.Errorf("completion: API returned status %d", resp.StatusCode)
	}

	var parsed response
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.Wrap(err, "completion: decode response")
	}
	if parsed.Error != nil {
		return "", errors.Errorf("completion: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("completion: response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func hasMultimodal(messages []Message) bool {
	for _, m := range messages {
		if _, ok := m.Content.(string); !ok {
			return true
		}
	}
	return false
}
