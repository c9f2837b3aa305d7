package imagegen

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
	defaultModel       = "dall-e-3"
	defaultQuality     = "standard"
	defaultHTTPTimeout = 120 * time.Second
	maxImageBytes      = 32 << 20
)

// Config captures the image endpoint settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Quality        string
	TimeoutSeconds int
}

// Request describes one image to generate.
type Request struct {
	Prompt string
	// Size is WIDTHxHEIGHT as accepted by the endpoint.
	Size string
}

// Result is a generated image.
type Result struct {
	Data          []byte
	RevisedPrompt string
	Model         string
	Size          string
}

// Generator produces images from prompts.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Client implements Generator over HTTP.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	policy   apicall.Policy
	caller   *apicall.Caller
}

var _ Generator = (*Client)(nil)

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

// WithRetry overrides attempt count and backoff bounds.
func WithRetry(attempts int, base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.policy.Attempts = attempts
		c.policy.BaseDelay = base
		c.policy.MaxDelay = maxDelay
	}
}

// NewClient builds an image generation client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL = strings.TrimSpace(cfg.BaseURL); cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model = strings.TrimSpace(cfg.Model); cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Quality = strings.TrimSpace(cfg.Quality); cfg.Quality == "" {
		cfg.Quality = defaultQuality
	}
	c := &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/images/generations",
		http:     &http.Client{Timeout: timeout},
		policy: apicall.Policy{
			Name:      "imagegen",
			Attempts:  3,
			BaseDelay: 2 * time.Second,
			MaxDelay:  20 * time.Second,
			TripAfter: 5,
			OpenFor:   time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.caller = apicall.New(c.policy)
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	Quality        string `json:"quality,omitempty"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format"`
}

type generationResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate produces one image for req.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	const op = "generate"
	if c.cfg.APIKey == "" {
		return Result{}, services.Wrap(services.ErrConfiguration, "imagegen", op, "api key required", nil)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "imagegen", op, "prompt required", nil)
	}
	body := generationRequest{
		Model:          c.cfg.Model,
		Prompt:         req.Prompt,
		Size:           req.Size,
		Quality:        c.cfg.Quality,
		N:              1,
		ResponseFormat: "b64_json",
	}

	var result Result
	attempts, err := c.caller.Do(ctx, func() error {
		var err error
		result, err = c.generate(ctx, body)
		return err
	}, malformedReply)
	if err == nil {
		return result, nil
	}
	var statusErr *apicall.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
		// Content policy rejections come back as 400; the same prompt will be rejected again.
		return Result{}, services.Wrap(services.ErrValidation, "imagegen", op, "request rejected", err)
	}
	return Result{}, apicall.Classify("imagegen", op, attempts, err)
}

// malformedReply covers 2xx bodies we could not use. The endpoint
// occasionally returns an empty data array under load.
func malformedReply(err error) bool {
	var statusErr *apicall.StatusError
	return !errors.As(err, &statusErr) && !apicall.BreakerOpen(err)
}

func (c *Client) generate(ctx context.Context, body generationRequest) (Result, error) {
	raw, err := apicall.PostJSON(ctx, c.http, c.endpoint, c.cfg.APIKey, body, maxImageBytes*2)
	if err != nil {
		return Result{}, fmt.Errorf("image request: %w", err)
	}
	var resp generationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("image request: decode response: %w", err)
	}
	if resp.Error != nil {
		return Result{}, fmt.Errorf("image request: api error: %s", resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return Result{}, errors.New("image request: empty data")
	}

	item := resp.Data[0]
	out := Result{RevisedPrompt: strings.TrimSpace(item.RevisedPrompt), Model: body.Model, Size: body.Size}
	if out.RevisedPrompt == "" {
		out.RevisedPrompt = body.Prompt
	}
	switch {
	case item.B64JSON != "":
		if out.Data, err = base64.StdEncoding.DecodeString(item.B64JSON); err != nil {
			return Result{}, fmt.Errorf("image request: decode b64_json: %w", err)
		}
	case item.URL != "":
		if out.Data, err = apicall.Get(ctx, c.http, item.URL, maxImageBytes); err != nil {
			return Result{}, fmt.Errorf("image download: %w", err)
		}
	default:
		return Result{}, errors.New("image request: response has neither b64_json nor url")
	}
	return out, nil
}
