// Package gemini implements the reasoning-service and embedding-service
// clients. Generation goes through the Gemini REST API with serialized
// access, capped exponential backoff, and strict response extraction;
// embeddings go through the google.golang.org/genai SDK.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrMissingAPIKey indicates the call path was entered without
	// credentials configured.
	ErrMissingAPIKey = errors.New("GEMINI_API_KEY missing in .env")

	// ErrEmptyResponse indicates the service was reachable but returned no
	// usable content. Distinct from a transport failure.
	ErrEmptyResponse = errors.New("gemini returned no content")
)

// ServiceError is a transport or HTTP failure that survived the retry
// budget.
type ServiceError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gemini request failed: HTTP %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("gemini request failed: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Temperature presets. Generation and classification are deterministic;
// narrative summarization is allowed some variation.
const (
	TempDeterministic = 0.0
	TempNarrative     = 0.2
)

// Retryable HTTP statuses mirror the upstream rate-limit and transient
// failure codes.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusRequestTimeout:      true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client calls the Gemini generateContent endpoint. All calls are
// serialized through a process-wide gate to respect upstream rate limits.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
	gate       *semaphore.Weighted

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          func(time.Duration)
}

// Config holds client settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient creates a Gemini client. The gate serializes every reasoning
// and embedding call in the process; pass the same gate to NewEmbedder.
func NewClient(cfg Config, gate *semaphore.Weighted, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if gate == nil {
		gate = semaphore.NewWeighted(1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		model:          cfg.Model,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         logger.Named("gemini"),
		gate:           gate,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: 1500 * time.Millisecond,
		maxBackoff:     15 * time.Second,
		sleep:          time.Sleep,
	}
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Complete sends a prompt with the deterministic sampling preset and
// returns the text of the first candidate.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, TempDeterministic)
}

// Narrative sends a prompt with the narrative sampling preset.
func (c *Client) Narrative(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, TempNarrative)
}

func (c *Client) generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	reqBody := generateRequest{
		Contents:         []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{Temperature: temperature},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	start := time.Now()
	body, err := c.doWithRetry(ctx, url, payload)
	if err != nil {
		c.logger.Error("generate failed",
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return "", &ServiceError{StatusCode: resp.Error.Code, Detail: resp.Error.Message}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	text := resp.Candidates[0].Content.Parts[0].Text
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("generate completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("prompt_len", len(prompt)),
		zap.Int("response_len", len(text)))
	return text, nil
}

// doWithRetry issues the request under the process-wide gate, retrying
// retryable statuses with capped exponential backoff. A server-supplied
// Retry-After value overrides the computed backoff.
func (c *Client) doWithRetry(ctx context.Context, url string, payload []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		if err := c.gate.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		c.gate.Release(1)

		if err != nil {
			lastErr = &ServiceError{Err: err}
			if attempt < c.maxRetries {
				c.sleep(Backoff(attempt, c.initialBackoff, c.maxBackoff))
				continue
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &ServiceError{Err: readErr}
			if attempt < c.maxRetries {
				c.sleep(Backoff(attempt, c.initialBackoff, c.maxBackoff))
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastErr = &ServiceError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
		if retryableStatus[resp.StatusCode] && attempt < c.maxRetries {
			wait := Backoff(attempt, c.initialBackoff, c.maxBackoff)
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
				wait = after
			}
			c.logger.Warn("retryable gemini status",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait))
			c.sleep(wait)
			continue
		}
		return nil, lastErr
	}

	return nil, lastErr
}

// Backoff computes the wait before retry attempt n (zero-based): the
// initial delay doubled per attempt, capped at the ceiling.
func Backoff(attempt int, initial, ceiling time.Duration) time.Duration {
	wait := initial
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= ceiling {
			return ceiling
		}
	}
	if wait > ceiling {
		return ceiling
	}
	return wait
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
