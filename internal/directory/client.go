// Package directory resolves alert recipients and their channel preferences
// from the external directory service.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/salimomrani/trucktrack-sub002/internal/breaker"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
)

// ErrUnavailable is returned when the circuit is open or the service cannot
// be reached; callers fail open to an empty recipient list.
var ErrUnavailable = errors.New("directory service unavailable")

type Client struct {
	baseURL string
	http    *http.Client
	breaker *breaker.Breaker
	m       *metrics.Metrics
}

func NewClient(baseURL string, timeout time.Duration, b *breaker.Breaker, m *metrics.Metrics) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: b,
		m:       m,
	}
}

// Recipients returns the ids of everyone who should be notified about the
// given alert kind for a vehicle.
func (c *Client) Recipients(ctx context.Context, vehicleID string, kind domain.RuleKind) ([]string, error) {
	var out struct {
		Recipients []string `json:"recipients"`
	}

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/recipients?vehicle_id=%s&kind=%s",
			c.baseURL, url.QueryEscape(vehicleID), url.QueryEscape(string(kind)))
		return c.getJSON(ctx, u, &out)
	})
	if errors.Is(err, breaker.ErrOpen) {
		c.shortCircuited()
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("resolve recipients for %s: %w", vehicleID, err)
	}
	return out.Recipients, nil
}

// Preferences returns the enabled delivery channels for one recipient.
func (c *Client) Preferences(ctx context.Context, recipientID string) ([]domain.ChannelPreference, error) {
	var out struct {
		Preferences []domain.ChannelPreference `json:"preferences"`
	}

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/recipients/%s/preferences", c.baseURL, url.PathEscape(recipientID))
		return c.getJSON(ctx, u, &out)
	})
	if errors.Is(err, breaker.ErrOpen) {
		c.shortCircuited()
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("resolve preferences for %s: %w", recipientID, err)
	}
	return out.Preferences, nil
}

func (c *Client) shortCircuited() {
	if c.m != nil {
		c.m.BreakerShortCircuits.WithLabelValues("directory").Inc()
	}
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory service returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
