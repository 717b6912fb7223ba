package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/stellarlinkco/pawnmind/internal/config"
	"github.com/stellarlinkco/pawnmind/internal/observability"
)

const (
	providerAttempts   = 3
	providerTimeout    = 30 * time.Second
	providerBackoff    = 2 * time.Second
	summaryTemperature = 0.7
	summaryMaxTokens   = 200
	errorDetailLimit   = 200
)

var (
	ErrSummarizerUnavailable = errors.New("summarizer unavailable")
	ErrEmptyResponse         = errors.New("no summary text in provider response")
	errMalformedResponse     = errors.New("malformed provider response")
)

var (
	googleTextPattern = regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	chatTextPattern   = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// Completer sends one prompt to the configured provider and returns the
// generated text.
type Completer interface {
	Complete(ctx context.Context, ai config.AIConfig, prompt string) (string, error)
}

type statusError struct {
	code       int
	body       string
	overloaded bool
}

// newStatusError classifies the full body and keeps a clipped copy for logs.
func newStatusError(code int, body []byte) *statusError {
	text := strings.TrimSpace(string(body))
	return &statusError{
		code:       code,
		body:       truncateRunes(text, errorDetailLimit),
		overloaded: strings.Contains(text, "overloaded") || strings.Contains(text, "UNAVAILABLE"),
	}
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.code, e.body)
}

// Client talks to Google generateContent or any chat-completions endpoint,
// retrying transient failures with linear backoff.
type Client struct {
	httpClient *http.Client
	metrics    *observability.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) Complete(ctx context.Context, ai config.AIConfig, prompt string) (string, error) {
	if !ai.Available() {
		return "", ErrSummarizerUnavailable
	}

	payload, err := json.Marshal(buildRequestBody(ai, prompt))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= providerAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("[summarizer] retry attempt %d/%d", attempt, providerAttempts)
		}

		start := time.Now()
		text, err := c.attempt(ctx, ai, payload)
		if err == nil {
			c.metrics.ProviderAttempt(ai.Provider, "ok", time.Since(start))
			if attempt > 1 {
				log.Printf("[summarizer] retry succeeded on attempt %d", attempt)
			}
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !shouldRetry(err) {
			c.metrics.ProviderAttempt(ai.Provider, "fatal", time.Since(start))
			log.Printf("[summarizer] request failed (attempt %d/%d) error: %v", attempt, providerAttempts, err)
			return "", err
		}
		c.metrics.ProviderAttempt(ai.Provider, "retryable", time.Since(start))
		log.Printf("[summarizer] transient failure (attempt %d/%d) error: %v", attempt, providerAttempts, err)

		if attempt < providerAttempts {
			if err := c.sleep(ctx, providerBackoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", providerAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, ai config.AIConfig, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL(ai), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !ai.IsGoogle() {
		req.Header.Set("Authorization", "Bearer "+ai.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newStatusError(resp.StatusCode, body)
	}
	return parseResponse(ai, body)
}

func requestURL(ai config.AIConfig) string {
	if !ai.IsGoogle() {
		return ai.APIURL
	}
	url := strings.ReplaceAll(ai.APIURL, "MODEL_PLACEHOLDER", ai.Model)
	return strings.ReplaceAll(url, "API_KEY_PLACEHOLDER", ai.APIKey)
}

func buildRequestBody(ai config.AIConfig, prompt string) map[string]any {
	if ai.IsGoogle() {
		generation := map[string]any{
			"temperature":     summaryTemperature,
			"maxOutputTokens": summaryMaxTokens,
		}
		if strings.Contains(ai.Model, "flash") {
			generation["thinkingConfig"] = map[string]any{"thinkingBudget": 0}
		}
		return map[string]any{
			"contents": []map[string]any{{
				"parts": []map[string]string{{"text": prompt}},
			}},
			"generationConfig": generation,
		}
	}

	return map[string]any{
		"model": ai.Model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"temperature": summaryTemperature,
		"max_tokens":  summaryMaxTokens,
	}
}

// parseResponse pulls the first text field out of the provider envelope.
func parseResponse(ai config.AIConfig, body []byte) (string, error) {
	pattern := chatTextPattern
	if ai.IsGoogle() {
		pattern = googleTextPattern
	}
	match := pattern.FindSubmatch(body)
	if match == nil {
		return "", ErrEmptyResponse
	}
	var text string
	if err := json.Unmarshal([]byte(`"`+string(match[1])+`"`), &text); err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func shouldRetry(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		// parse failures are final; everything else is transport
		return !errors.Is(err, ErrEmptyResponse) && !errors.Is(err, errMalformedResponse)
	}
	switch se.code {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusGatewayTimeout:
		return true
	}
	return se.overloaded
}
