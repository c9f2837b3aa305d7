package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"creativepipe/internal/services"
	"creativepipe/internal/services/apicall"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultHTTPTimeout = 45 * time.Second
	// A completion body is a few KB; anything past this is not JSON we want.
	maxResponseBytes    = 1 << 20
	breakerTripFailures = 5
)

// Config captures the runtime settings required to talk to the LLM.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
	// Temperature applies to every completion. Zero is deterministic.
	Temperature float64
	// MaxTokens caps the completion length when positive.
	MaxTokens int
}

// Client wraps the chat completion API.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	policy   apicall.Policy
	caller   *apicall.Caller
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRetryMaxAttempts overrides the default attempt count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) { c.policy.Attempts = attempts }
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.policy.BaseDelay = baseDelay
		c.policy.MaxDelay = maxDelay
	}
}

// WithBreakerListener is called whenever the circuit breaker changes state.
func WithBreakerListener(fn func(from, to string)) Option {
	return func(c *Client) { c.policy.OnStateChange = fn }
}

// NewClient constructs an LLM client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		http:     &http.Client{Timeout: timeout},
		policy: apicall.Policy{
			Name:      "llm",
			Attempts:  4,
			BaseDelay: time.Second,
			MaxDelay:  10 * time.Second,
			TripAfter: breakerTripFailures,
			OpenFor:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.caller = apicall.New(c.policy)
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.cfg.Model
}

// emptyContentError is a 2xx reply that carried no usable text. Models do
// this intermittently, so it is retried.
type emptyContentError struct {
	Op           string
	FinishReason string
	Refusal      string
	Snippet      string
}

func (e *emptyContentError) Error() string {
	return fmt.Sprintf("%s: empty content (finish_reason=%q, refusal=%q, response_snippet=%s)",
		e.Op, e.FinishReason, e.Refusal, e.Snippet)
}

func isEmptyContent(err error) bool {
	var empty *emptyContentError
	return errors.As(err, &empty)
}

// CompleteJSON sends the prompts in JSON mode and returns the raw JSON the
// model produced.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	const op = "complete"
	systemPrompt = strings.TrimSpace(systemPrompt)
	userPrompt = strings.TrimSpace(userPrompt)
	switch {
	case systemPrompt == "":
		return "", services.Wrap(services.ErrValidation, "llm", op, "system prompt required", nil)
	case userPrompt == "":
		return "", services.Wrap(services.ErrValidation, "llm", op, "user prompt required", nil)
	case c.cfg.APIKey == "":
		return "", services.Wrap(services.ErrConfiguration, "llm", op, "api key required", nil)
	}

	return c.run(ctx, op, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	})
}

// CompleteImageJSON sends prompt together with an inline image to a vision
// capable model in JSON mode. contentType defaults to image/png.
func (c *Client) CompleteImageJSON(ctx context.Context, prompt string, image []byte, contentType string) (string, error) {
	const op = "complete_image"
	prompt = strings.TrimSpace(prompt)
	switch {
	case prompt == "":
		return "", services.Wrap(services.ErrValidation, "llm", op, "prompt required", nil)
	case len(image) == 0:
		return "", services.Wrap(services.ErrValidation, "llm", op, "image required", nil)
	case c.cfg.APIKey == "":
		return "", services.Wrap(services.ErrConfiguration, "llm", op, "api key required", nil)
	}
	if contentType == "" {
		contentType = "image/png"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image)
	return c.run(ctx, op, []chatMessage{{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		},
	}})
}

func (c *Client) run(ctx context.Context, op string, messages []chatMessage) (string, error) {
	req := chatRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		Temperature:    c.cfg.Temperature,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	var content string
	attempts, err := c.caller.Do(ctx, func() error {
		var err error
		content, err = c.complete(ctx, req, op)
		return err
	}, isEmptyContent)
	if err != nil {
		return "", apicall.Classify("llm", op, attempts, err)
	}
	return content, nil
}

// HealthCheck issues a fast ping to verify the API key and model are usable.
func (c *Client) HealthCheck(ctx context.Context) error {
	content, err := c.CompleteJSON(ctx, "You must respond with JSON only.", `Respond with {"ok":true}`)
	if err != nil {
		return err
	}
	var reply struct {
		OK bool `json:"ok"`
	}
	if err := DecodeLLMJSON(content, &reply); err != nil {
		return services.Wrap(services.ErrExternalTool, "llm", "health", "parse payload", err)
	}
	if !reply.OK {
		return services.Wrap(services.ErrExternalTool, "llm", "health", "unexpected response", nil)
	}
	return nil
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format"`
}

// chatMessage content is a string or a []contentPart.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatChoice struct {
	Message struct {
		Content   string `json:"content"`
		Refusal   string `json:"refusal"`
		ToolCalls []struct {
			Function struct {
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// text returns the message content, falling back to the first tool call's
// arguments for servers that answer JSON mode with a function call.
func (ch chatChoice) text() string {
	if content := strings.TrimSpace(ch.Message.Content); content != "" {
		return content
	}
	for _, call := range ch.Message.ToolCalls {
		if args := strings.TrimSpace(call.Function.Arguments); args != "" {
			return args
		}
	}
	return ""
}

func (c *Client) complete(ctx context.Context, req chatRequest, op string) (string, error) {
	body, err := apicall.PostJSON(ctx, c.http, c.endpoint, c.cfg.APIKey, req, maxResponseBytes)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("llm request: decode response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("llm request: api error: %s", strings.TrimSpace(resp.Error.Message))
	}

	empty := &emptyContentError{Op: op, Snippet: apicall.Snippet(string(body), 160)}
	for _, choice := range resp.Choices {
		if text := choice.text(); text != "" {
			return text, nil
		}
		if empty.FinishReason == "" {
			empty.FinishReason = strings.TrimSpace(choice.FinishReason)
		}
		if empty.Refusal == "" {
			empty.Refusal = strings.TrimSpace(choice.Message.Refusal)
		}
	}
	return "", empty
}
