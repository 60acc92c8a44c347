package backend

import (
	"bufio"
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
)

// Client streams chat completions from an OpenAI-compatible endpoint.
// The credential is supplied per call by the dispatcher, never stored here.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	timeout    time.Duration
}

// Config holds configuration for the streaming client.
type Config struct {
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Model          string
	RequestTimeout time.Duration // per-call internal timeout
}

var _ Generator = (*Client)(nil)

// NewClient creates a streaming backend client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("backend: model required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		model:   model,
		// The http.Client carries no Timeout of its own: the per-call
		// context governs the full stream lifetime instead.
		httpClient: &http.Client{},
		timeout:    timeout,
	}, nil
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate starts one streaming completion. The returned channel closes after
// the terminal fragment. Immediate upstream rejections are returned as an
// error instead of a channel so the dispatcher can classify before any chunk
// reaches the caller.
func (c *Client) Generate(ctx context.Context, prompt, secret string) (<-chan Fragment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	payload := map[string]any{
		"model":  c.model,
		"stream": true,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backend: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransientError{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, ClassifyStatus(resp.StatusCode, resp.Header)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		sawData := false
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if errors.Is(err, io.EOF) && sawData {
					// Upstream closed without [DONE]; treat the stream
					// as complete rather than failing a finished answer.
					out <- Fragment{Done: true}
					return
				}
				if ctx.Err() != nil {
					out <- Fragment{Err: &TransientError{Cause: ctx.Err()}}
					return
				}
				out <- Fragment{Err: &TransientError{Cause: err}}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				out <- Fragment{Done: true}
				return
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				out <- Fragment{Err: &ProtocolError{Detail: fmt.Sprintf("unparseable chunk: %v", err)}}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			sawData = true
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				out <- Fragment{Delta: delta}
			}
			if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
				out <- Fragment{Done: true}
				return
			}
		}
	}()
	return out, nil
}

// ClassifyStatus maps an upstream HTTP rejection to the backend error
// taxonomy: 429 to RateLimitError (honoring Retry-After), 401/403 to
// AuthError, everything else to TransientError.
func ClassifyStatus(status int, header http.Header) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(header)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status}
	default:
		return &TransientError{Cause: fmt.Errorf("unexpected status %d", status)}
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
