package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
	"unicode/utf8"

	"transcription-orchestrator/pkg/models"
)

// ErrorKind classifies engine failures so the caller can decide whether to
// retry. The client itself never retries.
type ErrorKind string

const (
	KindRetryable ErrorKind = "retryable"
	KindTerminal  ErrorKind = "terminal"
)

// EngineError is the typed failure surfaced across the engine boundary.
type EngineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s error: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is an engine error worth re-attempting.
func Retryable(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == KindRetryable
}

// Config carries the per-call transcription options.
type Config struct {
	SystemPrompt string
	Language     string
}

// Result is the engine response for one audio payload.
type Result struct {
	Text     string           `json:"text"`
	Segments []models.Segment `json:"segments"`
	Language string           `json:"language"`
	Metadata struct {
		ProcessingTime float64 `json:"processingTime"`
	} `json:"metadata"`
}

// Client is the narrow adapter to the external transcription engine.
type Client interface {
	Transcribe(ctx context.Context, audio []byte, format string, cfg Config) (*Result, error)
}

// HTTPClient talks to an HTTP transcription engine via multipart upload.
type HTTPClient struct {
	url          string
	apiKey       string
	maxPromptLen int
	httpClient   *http.Client
}

// NewHTTPClient builds a client for the engine at url. The per-call timeout
// comes from the caller's context, not from the underlying http.Client.
func NewHTTPClient(url, apiKey string, maxPromptLen int) *HTTPClient {
	return &HTTPClient{
		url:          url,
		apiKey:       apiKey,
		maxPromptLen: maxPromptLen,
		httpClient:   &http.Client{},
	}
}

// Transcribe performs exactly one bounded engine call. Timeouts, connection
// failures and 5xx responses are retryable; validation failures are terminal.
func (c *HTTPClient) Transcribe(ctx context.Context, audio []byte, format string, cfg Config) (*Result, error) {
	if len(audio) == 0 {
		return nil, &EngineError{Kind: KindTerminal, Message: "empty audio payload"}
	}
	if utf8.RuneCountInString(cfg.SystemPrompt) > c.maxPromptLen {
		return nil, &EngineError{
			Kind:    KindTerminal,
			Message: fmt.Sprintf("system prompt exceeds %d characters", c.maxPromptLen),
		}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "chunk."+format)
	if err != nil {
		return nil, &EngineError{Kind: KindTerminal, Message: "failed to build request body", Err: err}
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, &EngineError{Kind: KindTerminal, Message: "failed to write audio payload", Err: err}
	}
	mw.WriteField("format", format)
	if cfg.SystemPrompt != "" {
		mw.WriteField("prompt", cfg.SystemPrompt)
	}
	if cfg.Language != "" {
		mw.WriteField("language", cfg.Language)
	}
	if err := mw.Close(); err != nil {
		return nil, &EngineError{Kind: KindTerminal, Message: "failed to finalize request body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, &EngineError{Kind: KindTerminal, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Context deadline, connection refused, reset: all transient.
		return nil, &EngineError{Kind: KindRetryable, Message: "engine request failed", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &EngineError{
			Kind:    KindRetryable,
			Message: fmt.Sprintf("engine returned %d: %s", resp.StatusCode, string(b)),
		}
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &EngineError{
			Kind:    KindTerminal,
			Message: fmt.Sprintf("engine rejected request with %d: %s", resp.StatusCode, string(b)),
		}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &EngineError{Kind: KindTerminal, Message: "malformed engine response", Err: err}
	}
	if result.Metadata.ProcessingTime == 0 {
		result.Metadata.ProcessingTime = time.Since(start).Seconds()
	}
	return &result, nil
}
