// Package dispatch turns alert events into notifications: it resolves each
// recipient's channel preferences, drives delivery through the external
// channel transport with bounded retry, and records the lifecycle of every
// notification.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
	"github.com/salimomrani/trucktrack-sub002/internal/notify"
	"github.com/salimomrani/trucktrack-sub002/internal/retry"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

const previewLimit = 140

// Store persists notification records (implemented by store.Postgres).
type Store interface {
	CreateNotification(ctx context.Context, n *domain.NotificationRecord) error
	UpdateNotification(ctx context.Context, id string, status domain.NotificationStatus, retryCount int, lastError string) error
}

// Directory resolves channel preferences (implemented by directory.Client).
type Directory interface {
	Preferences(ctx context.Context, recipientID string) ([]domain.ChannelPreference, error)
}

// Transport hands formatted notifications to the external channel transport
// (implemented by notify.HTTPTransport).
type Transport interface {
	Send(ctx context.Context, msg notify.Message) (notify.Result, error)
}

// Fanout pushes alerts to live clients (implemented by live.Broadcaster).
type Fanout interface {
	PublishAlert(ctx context.Context, ev *domain.AlertTriggeredEvent)
}

// SendRequest is a direct, non-alert notification request.
type SendRequest struct {
	RequestID  string   `json:"request_id"`
	Kind       string   `json:"kind"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Severity   string   `json:"severity"`
}

type Service struct {
	store     Store
	dir       Directory
	transport Transport
	fanout    Fanout
	retryCfg  retry.Config
	logger    zerolog.Logger
	m         *metrics.Metrics
	now       func() time.Time
}

func NewService(st Store, dir Directory, tr Transport, fanout Fanout, retryCfg retry.Config, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:     st,
		dir:       dir,
		transport: tr,
		fanout:    fanout,
		retryCfg:  retryCfg,
		logger:    logger.With().Str("component", "dispatch").Logger(),
		m:         m,
		now:       time.Now,
	}
}

// HandleAlert is the bus handler for the alerts-triggered topic. Live fan-out
// happens unconditionally; channel delivery honors per-recipient preferences.
// Redelivery of the same alert event id cannot create duplicate records.
func (s *Service) HandleAlert(ctx context.Context, ev bus.Event) error {
	alert := &domain.AlertTriggeredEvent{}
	if err := json.Unmarshal(ev.Payload, alert); err != nil {
		return fmt.Errorf("decode alert event: %w", err)
	}

	s.fanout.PublishAlert(ctx, alert)

	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Kind)

	var errs []error
	for _, recipient := range alert.Recipients {
		prefs, err := s.dir.Preferences(ctx, recipient)
		if err != nil {
			// Fail open on preference lookup, same stance as the rule
			// engine's recipient resolution.
			s.logger.Warn().Err(err).Str("recipient", recipient).Str("alert_id", alert.EventID).
				Msg("preference lookup failed, recipient skipped")
			continue
		}

		for _, pref := range prefs {
			if !pref.Enabled {
				continue
			}
			if err := s.dispatchOne(ctx, alert.EventID, string(alert.Kind), recipient, pref, subject, alert.Message, string(alert.Severity)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// HandleSendRequest delivers a direct notification outside the alert flow.
// RequestID takes the alert-event slot in the idempotency key.
func (s *Service) HandleSendRequest(ctx context.Context, req SendRequest) error {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = "DIRECT"
	}

	var errs []error
	for _, recipient := range req.Recipients {
		prefs, err := s.dir.Preferences(ctx, recipient)
		if err != nil {
			s.logger.Warn().Err(err).Str("recipient", recipient).Str("request_id", req.RequestID).
				Msg("preference lookup failed, recipient skipped")
			continue
		}
		for _, pref := range prefs {
			if !pref.Enabled {
				continue
			}
			if err := s.dispatchOne(ctx, req.RequestID, req.Kind, recipient, pref, req.Subject, req.Body, req.Severity); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// dispatchOne creates the PENDING record and drives it to a terminal state.
func (s *Service) dispatchOne(ctx context.Context, eventID, kind, recipient string, pref domain.ChannelPreference, subject, body, severity string) error {
	now := s.now()
	rec := &domain.NotificationRecord{
		ID:           uuid.NewString(),
		AlertEventID: eventID,
		Kind:         kind,
		Channel:      pref.Channel,
		Recipient:    recipient,
		Subject:      subject,
		Preview:      truncate(body, previewLimit),
		Status:       domain.NotificationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.store.CreateNotification(ctx, rec)
	if errors.Is(err, store.ErrDuplicate) {
		// Already dispatched for this (event, recipient, channel).
		return nil
	}
	if err != nil {
		return fmt.Errorf("create notification for %s/%s: %w", recipient, pref.Channel, err)
	}

	s.deliver(ctx, rec, pref, body, severity)
	return nil
}

// deliver attempts transport handoff with backoff. Exhausted or rejected
// deliveries end FAILED; this is terminal handling, not a pipeline error.
func (s *Service) deliver(ctx context.Context, rec *domain.NotificationRecord, pref domain.ChannelPreference, body, severity string) {
	msg := notify.Message{
		NotificationID: rec.ID,
		Channel:        pref.Channel,
		Address:        pref.Address,
		Subject:        rec.Subject,
		Body:           body,
		Severity:       severity,
	}

	attempts := 0
	var result notify.Result
	err := retry.Do(ctx, s.retryCfg, func() error {
		attempts++
		var sendErr error
		result, sendErr = s.transport.Send(ctx, msg)
		return sendErr
	})

	if err != nil {
		s.updateStatus(ctx, rec.ID, domain.NotificationFailed, attempts, err.Error())
		s.m.Notifications.WithLabelValues(pref.Channel, string(domain.NotificationFailed)).Inc()
		s.logger.Error().Err(err).
			Str("notification_id", rec.ID).
			Str("recipient", rec.Recipient).
			Str("channel", pref.Channel).
			Int("attempts", attempts).
			Msg("notification delivery failed")
		return
	}

	status := domain.NotificationSent
	if result.Delivered {
		status = domain.NotificationDelivered
	}
	s.updateStatus(ctx, rec.ID, status, attempts, "")
	s.m.Notifications.WithLabelValues(pref.Channel, string(status)).Inc()
	s.logger.Info().
		Str("notification_id", rec.ID).
		Str("recipient", rec.Recipient).
		Str("channel", pref.Channel).
		Str("status", string(status)).
		Msg("notification dispatched")
}

func (s *Service) updateStatus(ctx context.Context, id string, status domain.NotificationStatus, attempts int, lastError string) {
	// Attempt count excludes the first try; the column records retries.
	if err := s.store.UpdateNotification(ctx, id, status, attempts-1, lastError); err != nil {
		s.logger.Error().Err(err).Str("notification_id", id).Msg("notification status update failed")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
