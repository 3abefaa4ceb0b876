package notifier

import "time"

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Delivery is one entry of the recent-delivery history.
type Delivery struct {
	At             time.Time `json:"at"`
	UserID         string    `json:"user_id"`
	NotificationID string    `json:"notification_id"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
}

// DeliveryEvent is the Data of realtime.* bus events.
type DeliveryEvent struct {
	UserID         string `json:"user_id"`
	NotificationID string `json:"notification_id"`
	Error          string `json:"error,omitempty"`
}
