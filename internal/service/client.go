// Package service is the HTTP client for the remote recognition, narrative
// and audio generation service.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/stream"
)

const (
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
	maxErrorBody     = 64 << 10
)

// Client talks to the generation service.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	backoff    time.Duration
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the deadline for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBackoff sets the initial delay between rate-limited attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		// Streams can outlive any fixed client timeout; calls carry their own deadlines.
		httpClient: &http.Client{Timeout: 0},
		timeout:    defaultTimeout,
		backoff:    initialBackoff,
		userAgent:  "docent",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Recognize uploads the photos and returns the recognised object.
func (c *Client) Recognize(ctx context.Context, photos []string, meta *feed.Metadata) (Recognition, error) {
	if len(photos) == 0 {
		return Recognition{}, errors.New("no photos to recognize")
	}
	body, contentType, err := buildUpload(photos, meta)
	if err != nil {
		return Recognition{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, "/v1/recognize", body, contentType, "application/json")
	if err != nil {
		return Recognition{}, err
	}
	defer resp.Body.Close()

	var rec Recognition
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Recognition{}, fmt.Errorf("decoding recognition response: %w", err)
	}
	if rec.ObjectID == "" {
		return Recognition{}, errors.New("object not recognized")
	}
	return rec, nil
}

// Narrate requests the narrative text for a recognised object.
func (c *Client) Narrate(ctx context.Context, objectID, narrativeContext string) (string, error) {
	body, err := json.Marshal(narrativeRequest{ObjectID: objectID, Context: narrativeContext})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, "/v1/narrative", body, "application/json", "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out narrativeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding narrative response: %w", err)
	}
	return out.Text, nil
}

// StreamAudio opens the audio stream for an object and hands every decoded
// chunk to fn. It returns after the complete chunk or on failure.
func (c *Client) StreamAudio(ctx context.Context, req AudioRequest, fn stream.Handler) (stream.Completion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return stream.Completion{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, streamingTimeout)
	defer cancel()

	resp, err := c.do(ctx, "/v1/audio/stream", body, "application/json", "text/event-stream, application/x-ndjson")
	if err != nil {
		return stream.Completion{}, err
	}
	defer resp.Body.Close()

	return stream.Consume(ctx, resp.Body, stream.FramingFor(resp.Header.Get("Content-Type")), fn)
}

// do POSTs body to path, retrying on HTTP 429 with exponential backoff.
// The caller closes the returned body.
func (c *Client) do(ctx context.Context, path string, body []byte, contentType, accept string) (*http.Response, error) {
	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.post(ctx, path, body, contentType, accept)
		if err == nil {
			return resp, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, path string, body []byte, contentType, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, readStatusError(resp)
}

func readStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Code: resp.StatusCode}

	var env apiError
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		se.Message = env.Error.Message
	} else if msg := strings.TrimSpace(string(raw)); msg != "" {
		se.Message = msg
	}
	return se
}

func isRateLimit(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// buildUpload encodes the photos and optional metadata as multipart/form-data.
// The body is fully buffered so a rate-limited request can be replayed.
func buildUpload(photos []string, meta *feed.Metadata) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, p := range photos {
		if err := writePhoto(w, p); err != nil {
			return nil, "", err
		}
	}
	if meta != nil && !meta.IsZero() {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, "", err
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="metadata"`)
		h.Set("Content-Type", "application/json")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(b); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writePhoto(w *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening photo: %w", err)
	}
	defer f.Close()

	part, err := w.CreateFormFile("photos", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading photo %s: %w", path, err)
	}
	return nil
}
