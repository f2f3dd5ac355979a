package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"caseflow/internal/config"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/services"
)

const (
	defaultTimeout        = 60 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// Request is one capability invocation.
type Request struct {
	Stage   string
	Content string
	// Prompt adds stage-specific instructions, such as the target language.
	Prompt string
}

// Response is the parsed model output.
type Response struct {
	Payload    json.RawMessage
	Confidence float64
	Reason     string
	Model      string
}

// Client wraps an OpenAI-compatible chat completion API.
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
	httpClient       *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the in-process retry count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed.
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a client from configuration. A missing API key is a
// configuration error.
func NewClient(cfg config.Inference, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "inference", "init", "inference.api_key is not set", nil)
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	client := &Client{
		model:            strings.TrimSpace(cfg.Model),
		limiter:          rate.NewLimiter(limit, 1),
		logger:           logging.NewNop(),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		httpClient:       &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	client.logger = logging.NewComponentLogger(client.logger, "inference")
	if client.model == "" {
		client.model = openai.GPT4oMini
	}

	apiCfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		apiCfg.BaseURL = base
	}
	apiCfg.HTTPClient = client.httpClient
	client.api = openai.NewClientWithConfig(apiCfg)
	return client, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Infer runs req through the stage prompt and parses the JSON envelope.
func (c *Client) Infer(ctx context.Context, req Request) (Response, error) {
	stage := strings.ToLower(strings.TrimSpace(req.Stage))
	system, ok := SystemPrompt(stage)
	if !ok {
		return Response{}, services.Wrap(services.ErrValidation, "inference", "infer",
			fmt.Sprintf("unknown stage %q", req.Stage), nil)
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Response{}, services.Wrap(services.ErrValidation, stage, "infer", "content is required", nil)
	}
	if extra := strings.TrimSpace(req.Prompt); extra != "" {
		system += "\n\n" + extra
	}

	raw, err := c.completeWithRetry(ctx, stage, system, content)
	if err != nil {
		metrics.InferenceRequests.WithLabelValues(stage, outcomeFor(err)).Inc()
		return Response{}, err
	}
	resp, err := parseEnvelope(raw)
	if err != nil {
		metrics.InferenceRequests.WithLabelValues(stage, "invalid").Inc()
		return Response{}, services.Wrap(services.ErrValidation, stage, "parse response", err.Error(), nil)
	}
	resp.Model = c.model
	metrics.InferenceRequests.WithLabelValues(stage, "success").Inc()
	logging.WithContext(ctx, c.logger).Debug("inference completed",
		logging.String(logging.FieldEventType, "inference_completed"),
		logging.String(logging.FieldStage, stage),
		logging.Float64("confidence", resp.Confidence),
	)
	return resp, nil
}

// HealthCheck issues a minimal request to verify the key and model.
func (c *Client) HealthCheck(ctx context.Context) error {
	raw, err := c.completeWithRetry(ctx, "health", "You must respond with JSON only.", `Respond with {"ok":true}`)
	if err != nil {
		return err
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := DecodeJSON(raw, &parsed); err != nil {
		return services.Wrap(services.ErrValidation, "inference", "health", err.Error(), nil)
	}
	if !parsed.OK {
		return services.Wrap(services.ErrValidation, "inference", "health", "unexpected response", nil)
	}
	return nil
}

type envelope struct {
	Result     json.RawMessage `json:"result"`
	Confidence *float64        `json:"confidence"`
	Reason     string          `json:"reason"`
}

func parseEnvelope(raw string) (Response, error) {
	var env envelope
	if err := DecodeJSON(raw, &env); err != nil {
		return Response{}, err
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return Response{}, errors.New("response has no result")
	}
	if env.Confidence == nil {
		return Response{}, errors.New("response has no confidence")
	}
	confidence := *env.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Response{
		Payload:    env.Result,
		Confidence: confidence,
		Reason:     strings.TrimSpace(env.Reason),
	}, nil
}

var errEmptyContent = errors.New("empty completion content")

func (c *Client) completeWithRetry(ctx context.Context, stage, system, user string) (string, error) {
	attempts := c.retryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", classify(stage, ctx.Err())
			}
			return "", services.Wrap(services.ErrRateLimited, stage, "infer", "local rate limit", err)
		}
		content, err := c.completeOnce(ctx, req)
		if err == nil {
			return content, nil
		}
		lastErr = classify(stage, err)
		if attempt == attempts || services.IsTerminal(lastErr) || ctx.Err() != nil {
			break
		}
		delay := c.backoffDelay(attempt)
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "inference attempt failed", "inference_retry",
			logging.String(logging.FieldStage, stage),
			logging.Int("attempt", attempt),
			logging.Duration("retry_in", delay),
			logging.Error(lastErr),
			logging.String(logging.FieldImpact, "request will be retried"),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return "", classify(stage, err)
		}
	}
	return "", lastErr
}

func (c *Client) completeOnce(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	for _, choice := range resp.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
		for _, call := range choice.Message.ToolCalls {
			if args := strings.TrimSpace(call.Function.Arguments); args != "" {
				return args, nil
			}
		}
	}
	if len(resp.Choices) > 0 {
		return "", fmt.Errorf("%w (finish_reason=%q)", errEmptyContent, resp.Choices[0].FinishReason)
	}
	return "", fmt.Errorf("%w (no choices)", errEmptyContent)
}

// classify tags err with the services marker the retry policy expects.
func classify(stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, stage, "infer", "deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return services.Wrap(services.ErrTransient, stage, "infer", "cancelled", err)
	}
	if errors.Is(err, errEmptyContent) {
		return services.Wrap(services.ErrTransient, stage, "infer", "model returned no content", err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status > 0 {
		switch {
		case status == http.StatusTooManyRequests:
			return services.Wrap(services.ErrRateLimited, stage, "infer", "provider rate limit", err)
		case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
			return services.Wrap(services.ErrTimeout, stage, "infer", "provider timeout", err)
		case status >= http.StatusInternalServerError:
			return services.Wrap(services.ErrTransient, stage, "infer", fmt.Sprintf("provider returned %d", status), err)
		case status == http.StatusUnauthorized, status == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, stage, "infer", "provider rejected credentials", err)
		default:
			return services.Wrap(services.ErrValidation, stage, "infer", fmt.Sprintf("provider returned %d", status), err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, stage, "infer", "network timeout", err)
	}
	return services.Wrap(services.ErrTransient, stage, "infer", "request failed", err)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, services.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, services.ErrTimeout):
		return "timeout"
	case services.IsTerminal(err):
		return "rejected"
	default:
		return "transient"
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.retryBaseDelay
	maxDelay := c.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	if base <= 0 {
		return 0
	}
	// attempt 1 -> base, attempt 2 -> base*2, ...
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
