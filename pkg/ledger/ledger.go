// Package ledger tracks transactions the engine has submitted and fans out
// status changes to interested consumers. The ledger is the engine's own
// bookkeeping; the chain remains the source of truth for final state.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Status of a tracked transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Topic carries status-change events on the internal bus.
const Topic = "tx.status"

// Entry is one tracked transaction.
type Entry struct {
	ID          string    `json:"id"`
	Function    string    `json:"function"`
	Status      Status    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Event is published on every status change and id rewrite.
type Event struct {
	ID         string    `json:"id"`
	PreviousID string    `json:"previousId,omitempty"`
	Function   string    `json:"function"`
	Status     Status    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string

	bus    *gochannel.GoChannel
	logger *slog.Logger
	now    func() time.Time
}

// New returns an empty ledger with its own in-process event bus.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	bus := gochannel.NewGoChannel(
		gochannel.Config{BlockPublishUntilSubscriberAck: false},
		watermill.NewSlogLogger(logger),
	)
	return &Ledger{
		entries: make(map[string]*Entry),
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Add registers a freshly submitted transaction as pending.
func (l *Ledger) Add(id, function string) Entry {
	l.mu.Lock()
	t := l.now()
	e := &Entry{ID: id, Function: function, Status: StatusPending, SubmittedAt: t, UpdatedAt: t}
	l.entries[id] = e
	l.order = append(l.order, id)
	snapshot := *e
	l.mu.Unlock()

	l.publish(Event{ID: id, Function: function, Status: StatusPending, At: t})
	return snapshot
}

// Confirm marks id confirmed. Unknown ids are ignored: a late poller
// callback after ClearConfirmed must not resurrect an entry.
func (l *Ledger) Confirm(id, detail string) {
	l.transition(id, StatusConfirmed, detail)
}

// Fail marks id failed.
func (l *Ledger) Fail(id, detail string) {
	l.transition(id, StatusFailed, detail)
}

func (l *Ledger) transition(id string, to Status, detail string) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok || e.Status.Terminal() {
		l.mu.Unlock()
		return
	}
	e.Status = to
	e.Detail = detail
	e.UpdatedAt = l.now()
	ev := Event{ID: e.ID, Function: e.Function, Status: to, Detail: detail, At: e.UpdatedAt}
	l.mu.Unlock()

	l.publish(ev)
}

// RewriteID replaces a provisional submission id with the canonical on-chain
// id once the wallet reports it. Reports whether the rewrite happened.
func (l *Ledger) RewriteID(provisional, canonical string) bool {
	l.mu.Lock()
	e, ok := l.entries[provisional]
	if !ok || provisional == canonical {
		l.mu.Unlock()
		return false
	}
	delete(l.entries, provisional)
	e.ID = canonical
	e.UpdatedAt = l.now()
	l.entries[canonical] = e
	for i, id := range l.order {
		if id == provisional {
			l.order[i] = canonical
			break
		}
	}
	ev := Event{ID: canonical, PreviousID: provisional, Function: e.Function, Status: e.Status, At: e.UpdatedAt}
	l.mu.Unlock()

	l.publish(ev)
	return true
}

// Get returns the entry for id, if tracked.
func (l *Ledger) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a snapshot in submission order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		if e, ok := l.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Pending returns only entries still awaiting a terminal status.
func (l *Ledger) Pending() []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if !e.Status.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

// ClearConfirmed drops confirmed entries, keeping pending and failed ones
// visible for inspection.
func (l *Ledger) ClearConfirmed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.order[:0]
	removed := 0
	for _, id := range l.order {
		if e, ok := l.entries[id]; ok && e.Status == StatusConfirmed {
			delete(l.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return removed
}

// Subscribe delivers future status events until ctx is cancelled. Events
// published before Subscribe are not replayed.
func (l *Ledger) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := l.bus.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				l.logger.Warn("dropping malformed ledger event", "err", err)
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down the event bus. Entry state stays readable.
func (l *Ledger) Close() error {
	return l.bus.Close()
}

func (l *Ledger) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("marshal ledger event", "err", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := l.bus.Publish(Topic, msg); err != nil {
		l.logger.Warn("publish ledger event", "id", ev.ID, "err", err)
	}
}
