// Package channel delivers outbound text through the messaging gateway.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"parley.app/dialog/common/logger"
	"parley.app/dialog/core/config"
)

// ErrSendFailed wraps every delivery failure, including non-2xx gateway answers.
var ErrSendFailed = errors.New("channel send failed")

type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

type HTTPSender struct {
	baseURL  string
	apiKey   string
	instance string
	client   *http.Client
}

func NewHTTPSender(cfg config.ChannelConfig) *HTTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSender{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		instance: cfg.Instance,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

func (s *HTTPSender) Send(ctx context.Context, recipient, text string) error {
	body, err := json.Marshal(sendTextRequest{Number: recipient, Text: text})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/message/sendText/%s", s.baseURL, s.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: gateway returned %d: %s", ErrSendFailed, resp.StatusCode, logger.Truncate(string(snippet), 200))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.DebugContext(ctx, "channel message sent",
		"instance", s.instance,
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
