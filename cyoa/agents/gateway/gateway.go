// Package gateway talks to OpenAI-compatible inference servers with separate
// readiness and retry policies.
package gateway

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

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ZanzyTHEbar/cyoa-agents/cyoa/config"
)

var (
	// ErrGatewayExhausted is returned when every attempt ended with a non-2xx status.
	ErrGatewayExhausted = errors.New("gateway retries exhausted")
	// ErrServerUnavailable is returned when a server never became ready after a connection failure.
	ErrServerUnavailable = errors.New("inference server unavailable")
	// ErrMalformedResponse is returned when a 2xx body carries no completion.
	ErrMalformedResponse = errors.New("malformed completion response")
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	modelsPath          = "/v1/models"
	readyProbeTimeout   = 5 * time.Second
	maxErrorBody        = 512
)

// Policy holds the retry and readiness settings.
type Policy struct {
	MaxRetries     int           // total attempts on non-2xx
	Backoff        time.Duration // wait between attempts
	ReadyTimeout   time.Duration // readiness wait after a connection failure
	ReadyInterval  time.Duration // readiness poll interval
	RequestTimeout time.Duration // per HTTP request, 0 means none
}

// DefaultPolicy returns 5 attempts 3s apart and a 60s readiness wait polled every second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		Backoff:        3 * time.Second,
		ReadyTimeout:   60 * time.Second,
		ReadyInterval:  time.Second,
		RequestTimeout: 10 * time.Minute,
	}
}

// PolicyFrom maps the gateway config section onto a Policy.
func PolicyFrom(cfg config.GatewayConfig) Policy {
	return Policy{
		MaxRetries:     cfg.MaxRetries,
		Backoff:        cfg.Backoff,
		ReadyTimeout:   cfg.ReadyTimeout,
		ReadyInterval:  cfg.ReadyInterval,
		RequestTimeout: cfg.RequestTimeout,
	}
}

// Response is the final HTTP response of a Call.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// Gateway issues chat completion requests to inference servers.
type Gateway struct {
	httpClient *http.Client
	policy     Policy
	logger     zerolog.Logger
}

// New creates a Gateway.
func New(policy Policy, logger zerolog.Logger, opts ...Option) *Gateway {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	if policy.ReadyInterval <= 0 {
		policy.ReadyInterval = time.Second
	}
	g := &Gateway{
		httpClient: &http.Client{Timeout: policy.RequestTimeout},
		policy:     policy,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the effective policy.
func (g *Gateway) Policy() Policy { return g.policy }

// statusError marks a non-2xx attempt as retryable.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// Call posts req to baseURL's chat completions endpoint. A connection failure
// triggers WaitForReady and a re-post within the same attempt; non-2xx statuses
// are retried with backoff. The last response is returned even when it is not 2xx.
func (g *Gateway) Call(ctx context.Context, baseURL string, req *ChatCompletionRequest) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return g.retryWithBackoff(ctx, baseURL, func(ctx context.Context) (*Response, error) {
		resp, err := g.post(ctx, baseURL, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		g.logger.Warn().Err(err).Str("base_url", baseURL).Msg("Connection failed, waiting for server readiness")
		if err := g.WaitForReady(ctx, baseURL, g.policy.ReadyTimeout); err != nil {
			return nil, err
		}
		resp, err = g.post(ctx, baseURL, body)
		if err != nil {
			// Counts as a failed attempt rather than ending the call.
			return nil, retry.RetryableError(fmt.Errorf("%w: %v", ErrServerUnavailable, err))
		}
		return resp, nil
	})
}

// retryWithBackoff runs attempt until it yields a 2xx response, a non-retryable
// error, or MaxRetries attempts have been made.
func (g *Gateway) retryWithBackoff(ctx context.Context, baseURL string, attempt func(ctx context.Context) (*Response, error)) (*Response, error) {
	backoff := g.policy.Backoff
	if backoff <= 0 {
		backoff = time.Nanosecond
	}
	b := retry.WithMaxRetries(uint64(g.policy.MaxRetries-1), retry.NewConstant(backoff))

	var last *Response
	n := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		n++
		resp, err := attempt(ctx)
		if err != nil {
			return err
		}
		last = resp
		if resp.OK() {
			return nil
		}
		g.logger.Warn().
			Int("attempt", n).
			Int("max_attempts", g.policy.MaxRetries).
			Int("status", resp.StatusCode).
			Str("base_url", baseURL).
			Msg("Non-2xx response, retrying")
		return retry.RetryableError(&statusError{code: resp.StatusCode})
	})

	var se *statusError
	switch {
	case err == nil:
		return last, nil
	case errors.As(err, &se):
		g.logger.Error().Int("attempts", n).Int("status", se.code).Str("base_url", baseURL).Msg("Retries exhausted")
		return last, nil
	default:
		return nil, err
	}
}

func (g *Gateway) post(ctx context.Context, baseURL string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// WaitForReady polls GET {baseURL}/v1/models until it answers 200 with a model
// list or timeout elapses.
func (g *Gateway) WaitForReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	baseURL = strings.TrimSuffix(baseURL, "/")
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.policy.ReadyInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		if g.modelsReady(waitCtx, baseURL) {
			g.logger.Info().Str("base_url", baseURL).Dur("waited", time.Since(start)).Msg("Server is ready")
			return nil
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s not ready after %s", ErrServerUnavailable, baseURL, timeout)
		case <-ticker.C:
		}
	}
}

func (g *Gateway) modelsReady(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+modelsPath, nil)
	if err != nil {
		return false
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false
	}

	// A 200 without a model list is not ready yet.
	var models ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return false
	}
	return models.Data != nil
}

// Complete calls the server and returns choices[0].message.content.
func (g *Gateway) Complete(ctx context.Context, baseURL string, req *ChatCompletionRequest) (string, error) {
	resp, err := g.Call(ctx, baseURL, req)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: last status %d: %s", ErrGatewayExhausted, resp.StatusCode, errorDetail(resp.Body))
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return result.Choices[0].Message.Content, nil
}

func errorDetail(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Error != nil && errResp.Error.Message != "" {
			return errResp.Error.Message
		}
		if errResp.Message != "" {
			return errResp.Message
		}
	}
	s := string(body)
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
