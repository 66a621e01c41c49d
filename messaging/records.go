package messaging

import (
	"agency-crm/contract"
	"agency-crm/domain"
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
)

func toMessage(r contract.Record) (domain.Message, error) {
	id := r.String("id")
	if id == "" {
		return domain.Message{}, fmt.Errorf("message without id")
	}
	createdAt, err := domain.ParseTime(r.String("created_at"))
	if err != nil {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return domain.Message{
		ID:             domain.MessageID(id),
		ConversationID: domain.ConversationID(r.String("conversation_id")),
		SenderID:       domain.UserID(r.String("sender_id")),
		Content:        r.String("content"),
		Read:           r.Bool("read"),
		CreatedAt:      createdAt,
	}, nil
}

func toConversation(r contract.Record) domain.Conversation {
	return domain.Conversation{
		ID:                  domain.ConversationID(r.String("id")),
		ClientParticipantID: domain.UserID(r.String("client_id")),
		StaffParticipantID:  domain.UserID(r.String("staff_id")),
		CreatedAt:           parseTimeOrZero(r.String("created_at")),
		UpdatedAt:           parseTimeOrZero(r.String("updated_at")),
	}
}

func parseTimeOrZero(s string) time.Time {
	t, err := domain.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// participantFilter scopes the conversation list: clients see their own,
// staff the ones assigned to them, admins everything.
func participantFilter(viewer domain.Identity) []contract.Filter {
	switch viewer.Role {
	case domain.RoleClient:
		return []contract.Filter{contract.Eq("client_id", string(viewer.ID))}
	case domain.RoleStaff:
		return []contract.Filter{contract.Eq("staff_id", string(viewer.ID))}
	default:
		return nil
	}
}

func (s *Synchronizer) fetchConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	rows, err := s.tables.Select(ctx, contract.TableConversations, contract.Query{
		Filters: participantFilter(s.viewer),
		Order:   &contract.Order{Column: "updated_at", Descending: true},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	profiles, err := s.tables.Select(ctx, contract.TableProfiles, contract.Query{
		Columns: []string{"id", "full_name"},
	})
	if err != nil {
		return nil, err
	}
	names := lo.SliceToMap(profiles, func(r contract.Record) (string, string) {
		return r.String("id"), r.String("full_name")
	})

	return lo.Map(rows, func(r contract.Record, _ int) domain.ConversationSummary {
		conversation := toConversation(r)
		return domain.ConversationSummary{
			Conversation: conversation,
			ClientName:   names[string(conversation.ClientParticipantID)],
			StaffName:    names[string(conversation.StaffParticipantID)],
		}
	}), nil
}
