// Package webhook talks to the external DM workflow endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"lorekeeper/internal/chat"
	"lorekeeper/internal/metrics"
)

var (
	// ErrServiceOffline reports the known misconfiguration where the
	// workflow behind the webhook is not active (the endpoint answers 404).
	ErrServiceOffline = errors.New("dm service offline")

	// ErrTimeout reports a webhook call that exceeded its deadline.
	ErrTimeout = errors.New("webhook timeout")
)

// Response is the parsed DM reply. Pending means the endpoint answered with
// an empty or non-JSON body: the DM is still thinking, not failing.
type Response struct {
	SessionID string          `json:"sessionId"`
	MessageID string          `json:"messageId"`
	Text      string          `json:"text"`
	Audio     []chat.AudioRef `json:"audio"`
	Pending   bool            `json:"-"`
}

type textPayload struct {
	SessionID      string `json:"sessionId"`
	MessageID      string `json:"messageId"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
	IsVoiceMessage bool   `json:"isVoiceMessage"`
}

type Client struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	URL        string
	HTTPClient *http.Client
	MaxRetries int
	Backoff    time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Client {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		url:     cfg.URL,
		client:  cfg.HTTPClient,
		retries: cfg.MaxRetries,
		backoff: cfg.Backoff,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// SendText posts a player text message and returns the DM's reply.
func (c *Client) SendText(ctx context.Context, sessionID, messageID, text string, at time.Time) (Response, error) {
	body, err := json.Marshal(textPayload{
		SessionID:      sessionID,
		MessageID:      messageID,
		Message:        text,
		Timestamp:      at.UTC().Format(time.RFC3339),
		IsVoiceMessage: false,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return c.post(ctx, body, "application/json")
}

// SendVoice posts a recorded voice message as a multipart form. The binary
// part is named "data"; mime and ext come from the recording platform
// (audio/mpeg + .mp3 on mobile, audio/webm + .webm in the browser).
func (c *Client) SendVoice(ctx context.Context, sessionID, messageID string, data []byte, mime, ext string) (Response, error) {
	if mime == "" {
		mime = "audio/mpeg"
	}
	if ext == "" {
		ext = ".mp3"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"sessionId":      sessionID,
		"messageId":      messageID,
		"message":        "",
		"isVoiceMessage": "true",
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return Response{}, fmt.Errorf("write form field %s: %w", k, err)
		}
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="data"; filename="voice_message%s"`, ext))
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return Response{}, fmt.Errorf("create voice part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Response{}, fmt.Errorf("write voice data: %w", err)
	}
	if err := w.Close(); err != nil {
		return Response{}, fmt.Errorf("finalize form: %w", err)
	}

	return c.post(ctx, buf.Bytes(), w.FormDataContentType())
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (Response, error) {
	if strings.TrimSpace(c.url) == "" {
		return Response{}, fmt.Errorf("webhook url is empty")
	}

	c.metrics.WebhookRequests.Inc()

	var out Response
	backoff := retry.WithMaxRetries(uint64(c.retries), retry.NewExponential(c.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.once(ctx, body, contentType)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		c.metrics.WebhookFailures.Inc()
		return Response{}, err
	}
	return out, nil
}

func (c *Client) once(ctx context.Context, body []byte, contentType string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "lorekeeper/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Response{}, retry.RetryableError(fmt.Errorf("%w: %v", ErrTimeout, err))
		}
		return Response{}, retry.RetryableError(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read webhook response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// n8n answers 404 when the workflow is not active.
		return Response{}, ErrServiceOffline
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, retry.RetryableError(fmt.Errorf("webhook temporary status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Response{}, fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	return parseResponse(resp.Header.Get("Content-Type"), raw), nil
}

// parseResponse treats empty and non-JSON bodies as a soft "still thinking"
// state rather than an error.
func parseResponse(contentType string, raw []byte) Response {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || !strings.Contains(contentType, "application/json") {
		return Response{Pending: true}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil || strings.TrimSpace(out.Text) == "" {
		return Response{Pending: true}
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
