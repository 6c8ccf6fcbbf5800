package model

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant unit. It owns tasks, chains, monitors, executions
// and queue entries, and carries the notification settings C9 consults.
type Workspace struct {
	ID   uuid.UUID `db:"id" json:"id"`
	Name string    `db:"name" json:"name"`

	// Execution rows older than this many days are garbage collected.
	RetentionDays int `db:"retention_days" json:"retention_days"`

	// Notification channel settings. A channel is enabled when its address
	// field is populated.
	TelegramChatID *int64     `db:"telegram_chat_id" json:"telegram_chat_id,omitempty"`
	NotifyEmails   StringList `db:"notify_emails" json:"notify_emails,omitempty"`
	WebhookURL     *string    `db:"webhook_url" json:"webhook_url,omitempty"`
	WebhookSecret  *string    `db:"webhook_secret" json:"webhook_secret,omitempty"`

	// Recipient language for notification templates, "en" fallback.
	Language string `db:"language" json:"language"`

	IsActive bool `db:"is_active" json:"is_active"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TelegramEnabled reports whether telegram delivery is configured.
func (w *Workspace) TelegramEnabled() bool {
	return w.TelegramChatID != nil && *w.TelegramChatID != 0
}

// EmailEnabled reports whether email delivery is configured.
func (w *Workspace) EmailEnabled() bool {
	return len(w.NotifyEmails) > 0
}

// WebhookEnabled reports whether webhook delivery is configured.
func (w *Workspace) WebhookEnabled() bool {
	return w.WebhookURL != nil && *w.WebhookURL != ""
}
