package domain

import "time"

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "PENDING"
	NotificationSent      NotificationStatus = "SENT"
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationFailed    NotificationStatus = "FAILED"
	NotificationRead      NotificationStatus = "READ"
)

// Terminal reports whether the status accepts no further transitions other
// than DELIVERED→READ.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationDelivered || s == NotificationFailed || s == NotificationRead
}

// NotificationRecord lifecycle is owned by the dispatch service. Uniqueness
// on (AlertEventID, Recipient, Channel) guards against duplicate records on
// bus redelivery.
type NotificationRecord struct {
	ID           string             `json:"id"`
	AlertEventID string             `json:"alert_event_id"`
	Kind         string             `json:"kind"`
	Channel      string             `json:"channel"`
	Recipient    string             `json:"recipient"`
	Subject      string             `json:"subject"`
	Preview      string             `json:"preview"`
	Status       NotificationStatus `json:"status"`
	RetryCount   int                `json:"retry_count"`
	LastError    string             `json:"last_error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ChannelPreference is one enabled delivery channel for a recipient, resolved
// through the directory.
type ChannelPreference struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
}
