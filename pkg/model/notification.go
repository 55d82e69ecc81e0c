package model

import "time"

// DeliveryStatus tracks a notification through delivery.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
)

// Notice is the privacy-filtered content of a notification. It holds
// nothing beyond these fields.
type Notice struct {
	ItemNickname   string    `json:"item_nickname"`
	ItemModel      string    `json:"item_model,omitempty"`
	TransitionType string    `json:"transition_type"`
	Timestamp      time.Time `json:"timestamp"`
	CoarseLocation string    `json:"coarse_location,omitempty"`
	RequiredAction string    `json:"required_action"`
}

// NotificationRecord is one append-only entry in the notification log.
// A notification's current status is its most recent record.
type NotificationRecord struct {
	NotificationID string         `json:"notification_id"`
	ItemID         string         `json:"item_id"`
	TransitionID   string         `json:"transition_id,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	Recipient      string         `json:"recipient"`
	Template       string         `json:"template"`
	Notice         Notice         `json:"notice"`
	Attempt        int            `json:"attempt"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
	Error          string         `json:"error,omitempty"`
}

// LatestNotifications collapses a record log to the latest record per id,
// preserving first-seen order.
func LatestNotifications(records []NotificationRecord) []NotificationRecord {
	idx := make(map[string]int)
	var out []NotificationRecord
	for _, r := range records {
		if i, ok := idx[r.NotificationID]; ok {
			out[i] = r
			continue
		}
		idx[r.NotificationID] = len(out)
		out = append(out, r)
	}
	return out
}
