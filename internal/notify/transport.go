// Package notify is the boundary to the external channel transport that
// performs actual push/email/SMS delivery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/salimomrani/trucktrack-sub002/internal/retry"
)

// Message is one formatted notification bound for a named channel.
type Message struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
	Address        string `json:"address"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Severity       string `json:"severity"`
}

// Result is the transport's synchronous verdict. Delivered=false with no
// error means handoff succeeded but delivery confirmation is pending.
type Result struct {
	Delivered  bool   `json:"delivered"`
	ProviderID string `json:"provider_id"`
}

type HTTPTransport struct {
	baseURL string
	http    *http.Client
}

func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send hands the message to the channel transport. A 4xx response is
// non-retryable; network errors and 5xx are left retryable for the dispatch
// service's backoff loop.
func (t *HTTPTransport) Send(ctx context.Context, msg Message) (Result, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, retry.NonRetryable(fmt.Errorf("marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("channel transport: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out Result
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			// Handoff succeeded; treat an unparseable body as pending.
			return Result{}, nil
		}
		return out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Result{}, retry.NonRetryable(fmt.Errorf("channel transport rejected message: %d", resp.StatusCode))
	default:
		return Result{}, fmt.Errorf("channel transport returned %d", resp.StatusCode)
	}
}
