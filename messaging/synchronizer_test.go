package messaging

import (
	"agency-crm/contract"
	"agency-crm/domain"
	"agency-crm/errors"
	"agency-crm/mocks"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeSubscription struct {
	records chan contract.Record
	once    sync.Once
	closed  atomic.Bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{records: make(chan contract.Record, 32)}
}

func (f *fakeSubscription) C() <-chan contract.Record { return f.records }

func (f *fakeSubscription) Unsubscribe() {
	f.once.Do(func() {
		f.closed.Store(true)
		close(f.records)
	})
}

var (
	base   = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	client = domain.Identity{ID: "client-1", DisplayName: "Ada", Role: domain.RoleClient}
)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func messageRecord(id string, conversation domain.ConversationID, createdAt time.Time) contract.Record {
	return contract.Record{
		"id":              id,
		"conversation_id": string(conversation),
		"sender_id":       "staff-1",
		"content":         "content of " + id,
		"read":            false,
		"created_at":      domain.FormatTime(createdAt),
	}
}

func conversationFilter(id domain.ConversationID) []contract.Filter {
	return []contract.Filter{contract.Eq("conversation_id", string(id))}
}

func messageIDs(messages []domain.Message) []domain.MessageID {
	ids := make([]domain.MessageID, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func requireOrderedAndUnique(req *require.Assertions, messages []domain.Message) {
	seen := make(map[domain.MessageID]struct{})
	for i, m := range messages {
		_, dup := seen[m.ID]
		req.False(dup, "duplicate message %s", m.ID)
		seen[m.ID] = struct{}{}
		if i > 0 {
			req.False(m.CreatedAt.Before(messages[i-1].CreatedAt), "message %s out of order", m.ID)
		}
	}
}

func newTestSynchronizer(ctrl *gomock.Controller) (*Synchronizer, *mocks.MockITables, *mocks.MockIFeed) {
	tables := mocks.NewMockITables(ctrl)
	feed := mocks.NewMockIFeed(ctrl)
	return NewSynchronizer(logs.GetLoggerFromLevel(slog.LevelDebug), tables, feed, client), tables, feed
}

func TestSynchronizer_Starts_Idle(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, _, _ := newTestSynchronizer(ctrl)

	view := synchronizer.Snapshot()
	req.Equal(StateIdle, view.State)
	req.Empty(view.ConversationID)
	req.Empty(view.Messages)
}

func TestSynchronizer_Select_Fetches_Then_Goes_Live(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	sub := newFakeSubscription()

	feed.EXPECT().Subscribe(gomock.Any(), contract.TableMessages, contract.EventInsert, conversationFilter("A")).
		Return(sub, nil)
	tables.EXPECT().Select(gomock.Any(), contract.TableMessages, gomock.Any()).
		Return([]contract.Record{messageRecord("a1", "A", at(1)), messageRecord("a2", "A", at(2))}, nil)

	// When conversation A is selected
	req.NoError(synchronizer.Select(context.Background(), "A"))

	// Then its history is live
	view := synchronizer.Snapshot()
	req.Equal(StateLive, view.State)
	req.Equal(domain.ConversationID("A"), view.ConversationID)
	req.Equal([]domain.MessageID{"a1", "a2"}, messageIDs(view.Messages))

	// When a new message is notified
	sub.records <- messageRecord("a3", "A", at(3))

	// Then it is appended at the tail
	req.Eventually(func() bool {
		return len(synchronizer.Snapshot().Messages) == 3
	}, time.Second, 5*time.Millisecond)
	req.Equal(domain.MessageID("a3"), synchronizer.Snapshot().Messages[2].ID)
}

func TestSynchronizer_Switch_Discards_Late_Fetch_Of_Previous_Selection(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	subA, subB := newFakeSubscription(), newFakeSubscription()

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), conversationFilter("A")).Return(subA, nil)
	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), conversationFilter("B")).Return(subB, nil)

	enteredA := make(chan struct{})
	releaseA := make(chan struct{})
	tables.EXPECT().Select(gomock.Any(), contract.TableMessages, gomock.Any()).
		DoAndReturn(func(ctx context.Context, table string, query contract.Query) ([]contract.Record, error) {
			if query.Filters[0].Value == "A" {
				close(enteredA)
				<-releaseA
				return []contract.Record{messageRecord("a1", "A", at(1)), messageRecord("a2", "A", at(5))}, nil
			}
			return []contract.Record{messageRecord("b1", "B", at(2))}, nil
		}).Times(2)

	// Given A is selected and its fetch is slow
	doneA := make(chan error, 1)
	go func() { doneA <- synchronizer.Select(context.Background(), "A") }()
	<-enteredA

	// When B is selected before A's fetch resolves
	req.NoError(synchronizer.Select(context.Background(), "B"))

	// Then A's subscription is already closed
	req.True(subA.closed.Load())

	// And a message of A mis-delivered on B's feed is ignored
	subB.records <- messageRecord("a3", "A", at(3))
	subB.records <- messageRecord("b2", "B", at(4))
	req.Eventually(func() bool {
		return len(synchronizer.Snapshot().Messages) == 2
	}, time.Second, 5*time.Millisecond)

	// When A's fetch finally resolves
	close(releaseA)
	req.NoError(<-doneA)

	// Then B's log never saw any message of A
	view := synchronizer.Snapshot()
	req.Equal(StateLive, view.State)
	req.Equal(domain.ConversationID("B"), view.ConversationID)
	req.Equal([]domain.MessageID{"b1", "b2"}, messageIDs(view.Messages))
	for _, m := range view.Messages {
		req.Equal(domain.ConversationID("B"), m.ConversationID)
	}
}

func TestSynchronizer_Buffers_Notifications_While_Loading(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	sub := newFakeSubscription()

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(sub, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	tables.EXPECT().Select(gomock.Any(), contract.TableMessages, gomock.Any()).
		DoAndReturn(func(ctx context.Context, table string, query contract.Query) ([]contract.Record, error) {
			close(entered)
			<-release
			return []contract.Record{messageRecord("a1", "A", at(1)), messageRecord("a2", "A", at(2))}, nil
		})

	done := make(chan error, 1)
	go func() { done <- synchronizer.Select(context.Background(), "A") }()
	<-entered
	req.Equal(StateLoading, synchronizer.Snapshot().State)

	// Given notifications arrive during the fetch, one already in its result
	sub.records <- messageRecord("a2", "A", at(2))
	sub.records <- messageRecord("a3", "A", at(3))
	req.Eventually(func() bool {
		synchronizer.mu.Lock()
		defer synchronizer.mu.Unlock()
		return len(synchronizer.pending) == 2
	}, time.Second, 5*time.Millisecond)
	// The log stays empty until the fetch settles
	req.Empty(synchronizer.Snapshot().Messages)

	// When the fetch completes
	close(release)
	req.NoError(<-done)

	// Then nothing is lost and nothing is duplicated
	req.Equal([]domain.MessageID{"a1", "a2", "a3"}, messageIDs(synchronizer.Snapshot().Messages))
}

func TestSynchronizer_Deduplicates_And_Keeps_Order(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	sub := newFakeSubscription()

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(sub, nil)
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]contract.Record{messageRecord("m1", "A", at(1)), messageRecord("m2", "A", at(2))}, nil)
	req.NoError(synchronizer.Select(context.Background(), "A"))

	sub.records <- messageRecord("m2", "A", at(2))
	sub.records <- messageRecord("m4", "A", at(4))
	sub.records <- messageRecord("m3", "A", at(3))
	sub.records <- messageRecord("m4", "A", at(4))
	sub.records <- contract.Record{"id": "broken", "conversation_id": "A", "created_at": "not a time"}

	req.Eventually(func() bool {
		return len(sub.records) == 0 && len(synchronizer.Snapshot().Messages) == 4
	}, time.Second, 5*time.Millisecond)

	messages := synchronizer.Snapshot().Messages
	requireOrderedAndUnique(req, messages)
	req.Equal([]domain.MessageID{"m1", "m2", "m3", "m4"}, messageIDs(messages))
}

func TestSynchronizer_Any_Interleaving_Stays_Ordered_And_Unique(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 25; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			req := require.New(t)
			ctrl := gomock.NewController(t)
			synchronizer, tables, feed := newTestSynchronizer(ctrl)
			sub := newFakeSubscription()

			total := 5 + rng.IntN(10)
			all := make([]contract.Record, total)
			for i := range all {
				all[i] = messageRecord(fmt.Sprintf("m%02d", i), "A", at(i))
			}
			fetched := all[:rng.IntN(total+1)]

			// Every message is notified at least once, some twice, in any order
			var notified []contract.Record
			for _, r := range all {
				notified = append(notified, r)
				if rng.IntN(3) == 0 {
					notified = append(notified, r)
				}
			}
			rng.Shuffle(len(notified), func(i, j int) { notified[i], notified[j] = notified[j], notified[i] })
			split := rng.IntN(len(notified) + 1)

			entered := make(chan struct{})
			release := make(chan struct{})
			feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(sub, nil)
			tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).
				DoAndReturn(func(ctx context.Context, table string, query contract.Query) ([]contract.Record, error) {
					close(entered)
					<-release
					return fetched, nil
				})

			done := make(chan error, 1)
			go func() { done <- synchronizer.Select(context.Background(), "A") }()
			<-entered
			// Part of the feed races the fetch, the rest follows it
			for _, r := range notified[:split] {
				sub.records <- r
			}
			close(release)
			req.NoError(<-done)
			for _, r := range notified[split:] {
				sub.records <- r
			}

			req.Eventually(func() bool {
				return len(synchronizer.Snapshot().Messages) == total
			}, time.Second, 5*time.Millisecond)
			requireOrderedAndUnique(req, synchronizer.Snapshot().Messages)
		})
	}
}

func TestSynchronizer_Reselecting_Same_Conversation_Resubscribes(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	first, second := newFakeSubscription(), newFakeSubscription()

	gomock.InOrder(
		feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), conversationFilter("A")).Return(first, nil),
		feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), conversationFilter("A")).Return(second, nil),
	)
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]contract.Record{messageRecord("a1", "A", at(1))}, nil).Times(2)

	req.NoError(synchronizer.Select(context.Background(), "A"))
	req.NoError(synchronizer.Select(context.Background(), "A"))

	req.True(first.closed.Load())
	req.False(second.closed.Load())
	req.Equal([]domain.MessageID{"a1"}, messageIDs(synchronizer.Snapshot().Messages))
}

func TestSynchronizer_Fetch_Failure_Degrades_To_Empty_Log(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(newFakeSubscription(), nil)
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, stderrors.New("connection reset"))

	err := synchronizer.Select(context.Background(), "A")

	req.ErrorIs(err, errors.ErrGateway)
	view := synchronizer.Snapshot()
	req.Equal(StateLive, view.State)
	req.Equal(domain.ConversationID("A"), view.ConversationID)
	req.Empty(view.Messages)
}

func TestSynchronizer_Subscribe_Failure_Is_Classified(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, stderrors.New("refused"))
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	req.ErrorIs(synchronizer.Select(context.Background(), "A"), errors.ErrGateway)
	req.Empty(synchronizer.Snapshot().Messages)
}

func TestSynchronizer_Close_Tears_Down(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	sub := newFakeSubscription()

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(sub, nil)
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]contract.Record{messageRecord("a1", "A", at(1))}, nil)
	req.NoError(synchronizer.Select(context.Background(), "A"))

	synchronizer.Close()

	req.True(sub.closed.Load())
	view := synchronizer.Snapshot()
	req.Equal(StateIdle, view.State)
	req.Empty(view.ConversationID)
	req.Empty(view.Messages)
}

func TestSynchronizer_Send_Is_Not_Optimistic(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)

	// Nothing selected yet
	req.ErrorIs(synchronizer.Send(context.Background(), "hello"), errors.ErrNoConversationSelected)

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(newFakeSubscription(), nil)
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	req.NoError(synchronizer.Select(context.Background(), "A"))

	req.ErrorIs(synchronizer.Send(context.Background(), "   "), errors.ErrEmptyMessage)

	tables.EXPECT().Insert(gomock.Any(), contract.TableMessages, contract.Record{
		"conversation_id": "A",
		"sender_id":       "client-1",
		"content":         "hello",
		"read":            false,
	}).Return(contract.Record{"id": "m1"}, nil)

	// When sending
	req.NoError(synchronizer.Send(context.Background(), "  hello "))

	// Then the log waits for the feed
	req.Empty(synchronizer.Snapshot().Messages)

	tables.EXPECT().Insert(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, stderrors.New("offline"))
	req.ErrorIs(synchronizer.Send(context.Background(), "again"), errors.ErrGateway)
}

func TestSynchronizer_LoadConversations_Without_Any_Is_Idle(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, _ := newTestSynchronizer(ctrl)

	tables.EXPECT().Select(gomock.Any(), contract.TableConversations, contract.Query{
		Filters: []contract.Filter{contract.Eq("client_id", "client-1")},
		Order:   &contract.Order{Column: "updated_at", Descending: true},
	}).Return(nil, nil)

	req.NoError(synchronizer.LoadConversations(context.Background()))
	req.Equal(StateIdle, synchronizer.Snapshot().State)
	req.Empty(synchronizer.Snapshot().Conversations)
}

func TestSynchronizer_LoadConversations_Failure_Degrades(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, _ := newTestSynchronizer(ctrl)

	tables.EXPECT().Select(gomock.Any(), contract.TableConversations, gomock.Any()).Return(nil, stderrors.New("down"))

	req.ErrorIs(synchronizer.LoadConversations(context.Background()), errors.ErrGateway)
	req.Equal(StateIdle, synchronizer.Snapshot().State)
}

func TestSynchronizer_MarkRead(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)

	_, err := synchronizer.MarkRead(context.Background())
	req.ErrorIs(err, errors.ErrNoConversationSelected)

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(newFakeSubscription(), nil)
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	req.NoError(synchronizer.Select(context.Background(), "A"))

	tables.EXPECT().Update(gomock.Any(), contract.TableMessages, contract.Record{"read": true}, []contract.Filter{
		contract.Eq("conversation_id", "A"),
		contract.Neq("sender_id", "client-1"),
		contract.Eq("read", false),
	}).Return(3, nil)

	count, err := synchronizer.MarkRead(context.Background())
	req.NoError(err)
	req.Equal(3, count)
}

func TestSynchronizer_Resyncs_When_Feed_Ends_On_Its_Own(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	first, second := newFakeSubscription(), newFakeSubscription()

	gomock.InOrder(
		feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), conversationFilter("A")).Return(first, nil),
		feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), conversationFilter("A")).Return(second, nil),
	)
	gomock.InOrder(
		tables.EXPECT().Select(gomock.Any(), contract.TableMessages, gomock.Any()).
			Return([]contract.Record{messageRecord("a1", "A", at(1))}, nil),
		tables.EXPECT().Select(gomock.Any(), contract.TableMessages, gomock.Any()).
			Return([]contract.Record{
				messageRecord("a1", "A", at(1)),
				messageRecord("a2", "A", at(2)),
				messageRecord("a3", "A", at(3)),
			}, nil),
	)
	req.NoError(synchronizer.Select(context.Background(), "A"))

	// When the feed closes without the synchronizer asking, after losing a2
	first.records <- messageRecord("a3", "A", at(3))
	first.Unsubscribe()

	// Then the conversation is fetched again and stays live
	req.Eventually(func() bool {
		view := synchronizer.Snapshot()
		return view.State == StateLive && len(view.Messages) == 3
	}, time.Second, 5*time.Millisecond)
	req.Equal([]domain.MessageID{"a1", "a2", "a3"}, messageIDs(synchronizer.Snapshot().Messages))
	req.False(second.closed.Load())

	// And the new feed keeps delivering
	second.records <- messageRecord("a4", "A", at(4))
	req.Eventually(func() bool {
		return len(synchronizer.Snapshot().Messages) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestSynchronizer_No_Resync_After_Close(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	synchronizer, tables, feed := newTestSynchronizer(ctrl)
	sub := newFakeSubscription()

	feed.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(sub, nil).Times(1)
	tables.EXPECT().Select(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).Times(1)
	req.NoError(synchronizer.Select(context.Background(), "A"))

	synchronizer.Close()

	req.Never(func() bool {
		return synchronizer.Snapshot().State != StateIdle
	}, 100*time.Millisecond, 10*time.Millisecond)
}
