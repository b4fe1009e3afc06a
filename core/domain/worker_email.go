package domain

import (
	"strings"
	"time"
)

// MessageMetadata is the normalized header-level view of one provider message.
// Bodies are never stored.
type MessageMetadata struct {
	ID             string    `json:"id" db:"id"`
	ThreadID       string    `json:"thread_id" db:"thread_id"`
	FromEmail      string    `json:"from_email" db:"from_email"`
	FromName       string    `json:"from_name" db:"from_name"`
	Subject        string    `json:"subject" db:"subject"`
	Snippet        string    `json:"snippet" db:"snippet"`
	Date           time.Time `json:"date" db:"date"`
	SizeBytes      int64     `json:"size_bytes" db:"size_bytes"`
	Labels         []string  `json:"labels" db:"-"`
	IsUnread       bool      `json:"is_unread" db:"is_unread"`
	IsStarred      bool      `json:"is_starred" db:"is_starred"`
	IsTrash        bool      `json:"is_trash" db:"is_trash"`
	IsSpam         bool      `json:"is_spam" db:"is_spam"`
	HasAttachments bool      `json:"has_attachments" db:"has_attachments"`
	Category       string    `json:"category,omitempty" db:"category"`
}

// SenderDomain returns the lower-cased domain part of the sender address.
func (m *MessageMetadata) SenderDomain() string {
	if i := strings.LastIndex(m.FromEmail, "@"); i >= 0 {
		return strings.ToLower(m.FromEmail[i+1:])
	}
	return ""
}

// SenderAggregate is the per-sender rollup rebuilt after every sync.
type SenderAggregate struct {
	Email       string    `json:"email" db:"email"`
	Name        string    `json:"name" db:"name"`
	Domain      string    `json:"domain" db:"domain"`
	Count       int       `json:"count" db:"count"`
	UnreadCount int       `json:"unread_count" db:"unread_count"`
	TotalSize   int64     `json:"total_size" db:"total_size"`
	FirstDate   time.Time `json:"first_date" db:"first_date"`
	LastDate    time.Time `json:"last_date" db:"last_date"`
}

// CategoryFromLabels maps Gmail system category labels to a short name.
func CategoryFromLabels(labels []string) string {
	for _, l := range labels {
		switch l {
		case "CATEGORY_PROMOTIONS":
			return "promotions"
		case "CATEGORY_SOCIAL":
			return "social"
		case "CATEGORY_UPDATES":
			return "updates"
		case "CATEGORY_FORUMS":
			return "forums"
		case "CATEGORY_PERSONAL":
			return "primary"
		}
	}
	return ""
}
