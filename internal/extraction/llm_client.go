package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-haiku-20241022"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 2048
	defaultTimeout          = 60 * time.Second
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
)

// 50 requests per minute, bursts of 5.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// LLMClient completes a single prompt.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMConfig selects and configures an LLM provider.
type LLMConfig struct {
	// Provider is "anthropic", "openai", "langchaingo" or "" for none.
	Provider  string
	Model     string
	APIKey    string `json:"-"`
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
	// MaxRetries applies to anthropic and openai. Zero uses the default;
	// negative disables retries.
	MaxRetries int
}

// NewLLMClient builds a client for cfg.Provider. An empty provider returns
// nil and no error.
func NewLLMClient(cfg LLMConfig) (LLMClient, error) {
	var (
		client LLMClient
		err    error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "disabled", "none":
		return nil, nil
	case "anthropic":
		var c *anthropicClient
		c, err = newAnthropicClient(cfg)
		client = c
	case "openai":
		var c *openAIClient
		c, err = newOpenAIClient(cfg)
		client = c
	case "langchaingo":
		var c *langchainClient
		c, err = newLangchainClient(cfg)
		client = c
	default:
		return nil, expertise.NewValidationError("llm.provider", fmt.Sprintf("unknown provider %q (anthropic, openai, langchaingo)", cfg.Provider))
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

type httpClient struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

func newHTTPClient(cfg LLMConfig, defaultModel, defaultBaseURL string) httpClient {
	c := httpClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: cfg.MaxRetries,
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.maxTokens == 0 {
		c.maxTokens = defaultMaxTokens
	}
	if c.httpClient.Timeout == 0 {
		c.httpClient.Timeout = defaultTimeout
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = defaultMaxRetries
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	return c
}

// complete runs do with rate limiting and exponential backoff on retryable errors.
func (c *httpClient) complete(ctx context.Context, do func(context.Context) (string, error)) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		out, err := do(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// post sends a JSON body and returns the response body of a 200 reply.
func (c *httpClient) post(ctx context.Context, path string, body any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("%w: %v", expertise.ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: fmt.Errorf("%w: rate limited (429)", expertise.ErrUnavailable)}
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("%w: server error (%d): %s", expertise.ErrUnavailable, resp.StatusCode, truncate(string(respBody), 200))}
	case resp.StatusCode != http.StatusOK:
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicClient struct {
	httpClient
}

func newAnthropicClient(cfg LLMConfig) (*anthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, expertise.NewValidationError("llm.api_key", "required for anthropic")
	}
	return &anthropicClient{newHTTPClient(cfg, defaultAnthropicModel, defaultAnthropicBaseURL)}, nil
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete implements LLMClient.
func (a *anthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
	}
	headers := map[string]string{
		"X-API-Key":         a.apiKey,
		"Anthropic-Version": "2023-06-01",
	}
	return a.complete(ctx, func(ctx context.Context) (string, error) {
		body, err := a.post(ctx, "/v1/messages", req, headers)
		if err != nil {
			return "", err
		}
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("parsing response: %w", err)
		}
		for _, c := range resp.Content {
			if c.Type == "text" || c.Type == "" {
				return c.Text, nil
			}
		}
		return "", errors.New("empty response from API")
	})
}

type openAIClient struct {
	httpClient
}

func newOpenAIClient(cfg LLMConfig) (*openAIClient, error) {
	if cfg.APIKey == "" {
		return nil, expertise.NewValidationError("llm.api_key", "required for openai")
	}
	return &openAIClient{newHTTPClient(cfg, defaultOpenAIModel, defaultOpenAIBaseURL)}, nil
}

type openAIRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete implements LLMClient.
func (o *openAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := openAIRequest{
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
	return o.complete(ctx, func(ctx context.Context) (string, error) {
		body, err := o.post(ctx, "/v1/chat/completions", req, headers)
		if err != nil {
			return "", err
		}
		var resp openAIResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("parsing response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("empty response from API")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// langchainClient talks to any OpenAI-compatible server (vLLM, Ollama,
// LocalAI) through langchaingo.
type langchainClient struct {
	llm       llms.Model
	maxTokens int
	limiter   *rate.Limiter
}

func newLangchainClient(cfg LLMConfig) (*langchainClient, error) {
	if cfg.BaseURL == "" {
		return nil, expertise.NewValidationError("llm.base_url", "required for langchaingo")
	}
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating langchaingo client: %w", err)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	return &langchainClient{
		llm:       llm,
		maxTokens: maxTokens,
		limiter:   rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}, nil
}

// Complete implements LLMClient.
func (l *langchainClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, l.llm, prompt,
		llms.WithMaxTokens(l.maxTokens),
		llms.WithTemperature(0.2),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", expertise.ErrUnavailable, err)
	}
	return out, nil
}

// retryableError marks a transient failure.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ LLMClient = (*anthropicClient)(nil)
	_ LLMClient = (*openAIClient)(nil)
	_ LLMClient = (*langchainClient)(nil)
)
