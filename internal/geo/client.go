// Package geo talks to the external geospatial query service. Lookups are
// wrapped in a circuit breaker; the rule engine treats ErrUnavailable as "no
// geofence match".
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/salimomrani/trucktrack-sub002/internal/breaker"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
)

// ErrUnavailable is returned when the circuit is open or the service cannot
// be reached; callers fail open.
var ErrUnavailable = errors.New("geospatial service unavailable")

// Result is the inside/outside verdict plus distance to the boundary.
type Result struct {
	Inside    bool    `json:"inside"`
	DistanceM float64 `json:"distance_m"`
}

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

// Evaluate queries whether (lat, lng) lies inside the geofence.
func (c *Client) Evaluate(ctx context.Context, geofenceID string, lat, lng float64) (Result, error) {
	var out Result

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/geofences/%s/evaluate?lat=%s&lng=%s",
			c.baseURL,
			url.PathEscape(geofenceID),
			strconv.FormatFloat(lat, 'f', -1, 64),
			strconv.FormatFloat(lng, 'f', -1, 64),
		)
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
			return fmt.Errorf("geo service returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if errors.Is(err, breaker.ErrOpen) {
		if c.m != nil {
			c.m.BreakerShortCircuits.WithLabelValues("geo").Inc()
		}
		return Result{}, ErrUnavailable
	}
	if err != nil {
		return Result{}, fmt.Errorf("evaluate geofence %s: %w", geofenceID, err)
	}
	return out, nil
}
