package runtime

import (
	"agency-crm/contract"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscription is one live listener on a table.
type Subscription struct {
	id       string
	table    string
	kind     contract.EventKind
	filters  []contract.Filter
	records  chan contract.Record
	registry *Registry
	once     sync.Once
	lagged   atomic.Bool
}

func (s *Subscription) C() <-chan contract.Record {
	return s.records
}

// Unsubscribe closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.remove(s)
	})
}

// Lagged reports whether the registry closed C because its buffer was
// full. Records were lost and the listener must resync.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

type Set map[string]*Subscription

// Registry fans table changes out to the subscriptions listening on them.
type Registry struct {
	mu            sync.RWMutex
	log           *slog.Logger
	bufferSize    int
	subscriptions map[string]Set // map table -> subscriptions
}

func NewRegistry(log *slog.Logger, bufferSize int) *Registry {
	return &Registry{
		log:           log,
		bufferSize:    bufferSize,
		subscriptions: make(map[string]Set),
	}
}

// Subscribe registers a listener for kind events on table whose rows
// match every filter. If the table has no listeners yet, its set is
// initialized on the fly.
func (r *Registry) Subscribe(table string, kind contract.EventKind, filters []contract.Filter) *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		table:    table,
		kind:     kind,
		filters:  filters,
		records:  make(chan contract.Record, r.bufferSize),
		registry: r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscriptions[table]; !ok {
		r.subscriptions[table] = make(Set)
	}
	r.subscriptions[table][sub.id] = sub
	r.log.Debug("Subscription opened", "table", table, "filters", filters)
	return sub
}

// Publish delivers record to every matching subscription and returns how
// many received it. A subscription whose buffer is full is marked lagged
// and closed rather than blocking the writer, so the gap never goes
// unnoticed.
func (r *Registry) Publish(table string, kind contract.EventKind, record contract.Record) int {
	delivered, lagging := r.deliver(table, kind, record)
	for _, sub := range lagging {
		r.log.Warn("Subscription buffer full, closing lagged subscription",
			"table", table, "subscription", sub.id)
		sub.Unsubscribe()
	}
	return delivered
}

func (r *Registry) deliver(table string, kind contract.EventKind, record contract.Record) (int, []*Subscription) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	var lagging []*Subscription
	for _, sub := range r.subscriptions[table] {
		if sub.kind != kind || !contract.MatchesAll(sub.filters, record) {
			continue
		}
		select {
		case sub.records <- cloneRecord(record):
			delivered++
		default:
			sub.lagged.Store(true)
			lagging = append(lagging, sub)
		}
	}
	return delivered, lagging
}

// Len returns the number of open subscriptions on a table.
func (r *Registry) Len(table string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions[table])
}

// remove closes the channel under the write lock so Publish never sends
// on a closed channel, and drops empty sets to avoid leaking tables.
func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.subscriptions[sub.table]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(r.subscriptions, sub.table)
		}
	}
	close(sub.records)
	r.log.Debug("Subscription closed", "table", sub.table)
}

func cloneRecord(record contract.Record) contract.Record {
	c := make(contract.Record, len(record))
	for k, v := range record {
		c[k] = v
	}
	return c
}
