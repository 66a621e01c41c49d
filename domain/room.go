package domain

import "time"

type ConversationID string

// Conversation links one client with one staff member.
type Conversation struct {
	ID                  ConversationID
	ClientParticipantID UserID
	StaffParticipantID  UserID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ConversationSummary is a conversation as listed for a viewer.
type ConversationSummary struct {
	Conversation
	ClientName string
	StaffName  string
}

// CounterpartName is the name shown to the viewer: clients see their
// staff member, everyone else sees the client.
func (c ConversationSummary) CounterpartName(viewer Role) string {
	if viewer == RoleClient {
		return c.StaffName
	}
	return c.ClientName
}
