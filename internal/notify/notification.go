package notify

import (
	"time"

	"github.com/google/uuid"

	"XCMFlow/internal/events"
	"XCMFlow/internal/monitor"
)

// Channel identifies a delivery channel type.
type Channel string

const (
	ChannelWebhook  Channel = "webhook"
	ChannelDiscord  Channel = "discord"
	ChannelSlack    Channel = "slack"
	ChannelTelegram Channel = "telegram"
)

// Priority orders notifications for rate limiting. Critical and high are
// never dropped.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Notification is one message bound for every configured channel.
type Notification struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Priority  Priority          `json:"priority"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	ChainID   string            `json:"chain_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func newNotification(kind string, priority Priority, title, body string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Priority:  priority,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now(),
	}
}

// eventPriority derives the notification priority from an event class.
func eventPriority(event events.Event) Priority {
	switch {
	case event.Critical:
		return PriorityCritical
	case event.Class == events.ClassXCMFailed:
		return PriorityHigh
	case event.Class == events.ClassBalanceTransfer:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// transactionPriority derives the priority from a lifecycle signal.
func transactionPriority(status monitor.Status) Priority {
	switch status {
	case monitor.StatusFailed:
		return PriorityHigh
	case monitor.StatusRetrying:
		return PriorityNormal
	case monitor.StatusSuccess, monitor.StatusFinalized:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
