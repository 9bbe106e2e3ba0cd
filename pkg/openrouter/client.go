// Package openrouter talks to the OpenRouter chat-completions API for
// vision classification. Images travel inline as base64 data URLs; the
// response wire format carries OpenRouter's reasoning-token extension, which
// some models use instead of regular content.
package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// reasoningFallbackThreshold: when the content is shorter than this, models
// that answer inside reasoning tokens get their reasoning promoted to the
// response text.
const reasoningFallbackThreshold = 5

// Result is one completed classification request.
type Result struct {
	RawText   string  `json:"raw_text"`
	Reasoning string  `json:"reasoning"`
	LatencyMs float64 `json:"latency_ms"`
}

// Classifier is the inference provider boundary. Implementations must be
// safe for concurrent use.
type Classifier interface {
	ClassifyImage(ctx context.Context, model, imagePath string) (Result, error)
	ClassifyImageData(ctx context.Context, model string, data []byte, mimeType string) (Result, error)
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openrouter: status %d: %s", e.StatusCode, e.Message)
}

// IsNonRecoverable reports whether err indicates a condition retries cannot
// fix, such as rejected credentials. Runners abort on these instead of
// burning through their error budget.
func IsNonRecoverable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// Config for the client.
type Config struct {
	BaseURL           string
	APIKey            string
	Prompt            string
	RequestsPerMinute int
	RequestTimeout    time.Duration

	// RetryDelays overrides the backoff ladder, mainly for tests.
	RetryDelays []time.Duration
}

// Client implements Classifier against the OpenRouter HTTP API. A shared
// rate limiter paces all requests regardless of which component issues them.
type Client struct {
	log         logrus.FieldLogger
	httpClient  *http.Client
	limiter     *rate.Limiter
	baseURL     string
	apiKey      string
	prompt      string
	retryDelays []time.Duration
}

// NewClient creates an OpenRouter client.
func NewClient(log logrus.FieldLogger, cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}

	delays := cfg.RetryDelays
	if delays == nil {
		delays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	}

	return &Client{
		log:         log.WithField("component", "openrouter"),
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		prompt:      cfg.Prompt,
		retryDelays: delays,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
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
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ClassifyImage reads the image from disk and classifies it.
func (c *Client) ClassifyImage(ctx context.Context, model, imagePath string) (Result, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read image: %w", err)
	}

	return c.ClassifyImageData(ctx, model, data, mimeTypeForPath(imagePath))
}

// ClassifyImageData sends one vision chat completion and returns the raw
// response text. Temperature is pinned to zero so repeated runs are as
// reproducible as the model allows.
func (c *Client) ClassifyImageData(ctx context.Context, model string, data []byte, mimeType string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter: %w", err)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: c.prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}},
		Temperature: 0,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()

	raw, reasoning, err := c.completeWithRetry(ctx, model, body)
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		return Result{LatencyMs: latency}, err
	}

	// Some models put the whole answer in reasoning tokens and leave the
	// content nearly empty.
	if len(strings.TrimSpace(raw)) < reasoningFallbackThreshold && strings.TrimSpace(reasoning) != "" {
		raw = reasoning
	}

	return Result{RawText: raw, Reasoning: reasoning, LatencyMs: latency}, nil
}

// completeWithRetry sends the request, retrying transient failures
// (timeouts, rate limits, upstream errors) on a fixed backoff ladder.
func (c *Client) completeWithRetry(ctx context.Context, model string, body []byte) (string, string, error) {
	var lastErr error

	for attempt := 0; attempt <= len(c.retryDelays); attempt++ {
		if attempt > 0 {
			delay := c.retryDelays[attempt-1]

			c.log.WithFields(logrus.Fields{
				"model":   model,
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Retrying request")

			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(delay):
			}
		}

		raw, reasoning, err := c.complete(ctx, body)
		if err == nil {
			return raw, reasoning, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return "", "", err
		}
	}

	return "", "", fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Client) complete(ctx context.Context, body []byte) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))

		var parsed chatResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}

		return "", "", &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", "", fmt.Errorf("failed to decode response: %w", err)
	}

	if parsed.Error != nil {
		return "", "", fmt.Errorf("provider error: %s", parsed.Error.Message)
	}

	if len(parsed.Choices) == 0 {
		return "", "", errors.New("empty choices in response")
	}

	return parsed.Choices[0].Message.Content, parsed.Choices[0].Message.Reasoning, nil
}

// isRetryable reports whether a request failure is worth another attempt:
// network timeouts and the provider's transient statuses (rate limit,
// credit check, upstream errors).
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusPaymentRequired,
			http.StatusBadGateway,
			http.StatusServiceUnavailable:
			return true
		}

		return false
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

func mimeTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
