// Package messaging keeps the message log of the selected conversation
// consistent between a bulk fetch and the live insert feed.
package messaging

import (
	"agency-crm/contract"
	"agency-crm/domain"
	"agency-crm/errors"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	default:
		return "idle"
	}
}

// View is a consistent copy of the synchronizer state.
type View struct {
	State          State
	ConversationID domain.ConversationID
	Messages       []domain.Message
	Conversations  []domain.ConversationSummary
}

// Synchronizer owns the selected conversation, its message log and the
// subscription feeding it. The three always change together under mu.
//
// Every selection bumps generation; fetch results and notifications
// carrying an older generation are discarded.
type Synchronizer struct {
	log    *slog.Logger
	tables contract.ITables
	feed   contract.IFeed
	viewer domain.Identity

	mu            sync.Mutex
	state         State
	selected      domain.ConversationID
	generation    uint64
	messages      []domain.Message
	seen          map[domain.MessageID]struct{}
	pending       []domain.Message
	subscription  contract.Subscription
	conversations []domain.ConversationSummary

	changed chan struct{}
}

func NewSynchronizer(log *slog.Logger, tables contract.ITables, feed contract.IFeed, viewer domain.Identity) *Synchronizer {
	return &Synchronizer{
		log:     log.With("viewer", viewer.ID),
		tables:  tables,
		feed:    feed,
		viewer:  viewer,
		seen:    make(map[domain.MessageID]struct{}),
		changed: make(chan struct{}, 1),
	}
}

// Changed is signalled, coalesced, after every visible state change.
func (s *Synchronizer) Changed() <-chan struct{} {
	return s.changed
}

func (s *Synchronizer) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		State:          s.state,
		ConversationID: s.selected,
		Messages:       slices.Clone(s.messages),
		Conversations:  slices.Clone(s.conversations),
	}
}

// LoadConversations lists the viewer's conversations, latest activity
// first, and selects the first one. With none the synchronizer goes Idle.
// A gateway failure degrades to an empty list.
func (s *Synchronizer) LoadConversations(ctx context.Context) error {
	summaries, err := s.fetchConversations(ctx)
	if err != nil {
		s.log.Error("Error loading conversations", "error", err)
		summaries = nil
	}

	s.mu.Lock()
	s.conversations = summaries
	s.mu.Unlock()

	if len(summaries) == 0 {
		s.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrGateway, err)
		}
		return nil
	}
	return s.Select(ctx, summaries[0].ID)
}

// Select makes id the selected conversation. The previous subscription is
// closed and the new one opened before the fetch starts, so notifications
// racing the fetch are buffered rather than lost. Selecting the current id
// again starts over.
func (s *Synchronizer) Select(ctx context.Context, id domain.ConversationID) error {
	s.mu.Lock()
	return s.selectLocked(ctx, id)
}

// resync reloads the selected conversation after its feed ended on its
// own, unless the selection moved on in the meantime.
func (s *Synchronizer) resync(generation uint64) {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	id := s.selected
	s.log.Warn("Message feed lost, resyncing", "conversation_id", id)
	if err := s.selectLocked(context.Background(), id); err != nil {
		s.log.Error("Error resyncing conversation", "conversation_id", id, "error", err)
	}
}

// selectLocked is entered with mu held and releases it.
func (s *Synchronizer) selectLocked(ctx context.Context, id domain.ConversationID) error {
	s.teardownLocked()
	s.generation++
	generation := s.generation
	s.selected = id
	s.state = StateLoading

	subscription, err := s.feed.Subscribe(ctx, contract.TableMessages, contract.EventInsert,
		[]contract.Filter{contract.Eq("conversation_id", string(id))})
	if err != nil {
		s.state = StateLive
		s.mu.Unlock()
		s.notify()
		s.log.Error("Error subscribing to messages", "conversation_id", id, "error", err)
		return fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	s.subscription = subscription
	go s.pump(generation, subscription)
	s.mu.Unlock()
	s.notify()

	records, fetchErr := s.tables.Select(ctx, contract.TableMessages, contract.Query{
		Filters: []contract.Filter{contract.Eq("conversation_id", string(id))},
		Order:   &contract.Order{Column: "created_at"},
	})

	s.mu.Lock()
	defer s.notify()
	defer s.mu.Unlock()

	if generation != s.generation {
		s.log.Debug("Discarding superseded fetch", "conversation_id", id)
		return nil
	}
	if fetchErr != nil {
		s.log.Error("Error loading messages", "conversation_id", id, "error", fetchErr)
		s.pending = nil
		s.state = StateLive
		return fmt.Errorf("%w: %v", errors.ErrGateway, fetchErr)
	}

	for _, record := range records {
		s.applyRecordLocked(record)
	}
	for _, message := range s.pending {
		s.appendLocked(message)
	}
	s.pending = nil
	s.state = StateLive
	s.log.Debug("Conversation live", "conversation_id", id, "messages", len(s.messages))
	return nil
}

// Close tears the subscription down and returns to Idle.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.generation++
	s.selected = ""
	s.state = StateIdle
	s.mu.Unlock()
	s.notify()
}

// teardownLocked resets the log and closes the subscription. The pump
// goroutine exits once its channel is closed.
func (s *Synchronizer) teardownLocked() {
	if s.subscription != nil {
		s.subscription.Unsubscribe()
		s.subscription = nil
	}
	s.messages = nil
	s.pending = nil
	s.seen = make(map[domain.MessageID]struct{})
}

// pump applies notifications until the feed closes. A feed closed by
// anything other than teardown may have lost records, so it resyncs.
func (s *Synchronizer) pump(generation uint64, subscription contract.Subscription) {
	for record := range subscription.C() {
		s.receive(generation, record)
	}
	s.resync(generation)
}

func (s *Synchronizer) receive(generation uint64, record contract.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return
	}
	if s.state == StateLoading {
		message, err := toMessage(record)
		if err != nil {
			s.log.Warn("Dropping malformed notification", "error", err)
			return
		}
		if message.ConversationID == s.selected {
			s.pending = append(s.pending, message)
		}
		return
	}
	if s.applyRecordLocked(record) {
		s.notify()
	}
}

// applyRecordLocked filters by conversation at the point of application,
// since a subscription scope alone is not trusted.
func (s *Synchronizer) applyRecordLocked(record contract.Record) bool {
	message, err := toMessage(record)
	if err != nil {
		s.log.Warn("Dropping malformed message", "error", err)
		return false
	}
	if message.ConversationID != s.selected {
		s.log.Warn("Dropping message for another conversation",
			"conversation_id", message.ConversationID, "selected", s.selected)
		return false
	}
	return s.appendLocked(message)
}

// appendLocked adds a message once. A message older than the tail is
// placed by created_at so the log stays ordered; messages already in the
// log never move relative to each other.
func (s *Synchronizer) appendLocked(message domain.Message) bool {
	if _, ok := s.seen[message.ID]; ok {
		return false
	}
	s.seen[message.ID] = struct{}{}

	n := len(s.messages)
	if n == 0 || !message.CreatedAt.Before(s.messages[n-1].CreatedAt) {
		s.messages = append(s.messages, message)
		return true
	}
	i, _ := slices.BinarySearchFunc(s.messages, message, func(m, target domain.Message) int {
		if m.CreatedAt.After(target.CreatedAt) {
			return 1
		}
		return -1
	})
	s.messages = slices.Insert(s.messages, i, message)
	return true
}

// Send submits a message. The log is not updated here: the message shows
// up through the feed like any other.
func (s *Synchronizer) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.ErrEmptyMessage
	}
	s.mu.Lock()
	selected := s.selected
	s.mu.Unlock()
	if selected == "" {
		return errors.ErrNoConversationSelected
	}

	_, err := s.tables.Insert(ctx, contract.TableMessages, contract.Record{
		"conversation_id": string(selected),
		"sender_id":       string(s.viewer.ID),
		"content":         content,
		"read":            false,
	})
	if err != nil {
		s.log.Error("Error sending message", "conversation_id", selected, "error", err)
		return fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	return nil
}

// MarkRead flags every message the viewer received in the selected
// conversation as read.
func (s *Synchronizer) MarkRead(ctx context.Context) (int, error) {
	s.mu.Lock()
	selected := s.selected
	s.mu.Unlock()
	if selected == "" {
		return 0, errors.ErrNoConversationSelected
	}

	count, err := s.tables.Update(ctx, contract.TableMessages, contract.Record{"read": true},
		[]contract.Filter{
			contract.Eq("conversation_id", string(selected)),
			contract.Neq("sender_id", string(s.viewer.ID)),
			contract.Eq("read", false),
		})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	return count, nil
}
