// Package domain contains core concepts of the CRM dashboard.
// This file defines Message events exchanged inside a conversation.
// Messages are immutable once created.
package domain

import "time"

type MessageID string

// Message represents an immutable chat event.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       UserID
	Content        string
	Read           bool
	CreatedAt      time.Time
}

// TimeLayout is fixed width so that formatted timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
