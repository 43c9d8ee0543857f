package orderstore

import (
	"context"
	"sync"

	"simtrader/internal/order"
)

// MemoryStore is an in-process order store. The state index uses a global
// map lock plus a per-order lock; the event log has its own lock.
type MemoryStore struct {
	globalMu sync.RWMutex
	data     map[string]*orderEntry

	logMu  sync.Mutex
	events []Event
}

type orderEntry struct {
	mu     sync.Mutex
	exists bool
	state  order.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]*orderEntry),
		events: make([]Event, 0),
	}
}

func (s *MemoryStore) NoteOrderParams(_ context.Context, req order.Request) error {
	s.record(paramsEvent(req))
	return nil
}

func (s *MemoryStore) ApplyOrderUpdate(_ context.Context, u order.Update) error {
	s.record(updateEvent(u))
	return nil
}

func (s *MemoryStore) ApplyFill(_ context.Context, f order.Fill) error {
	s.record(fillEvent(f))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, clientOrderID string) (order.State, bool, error) {
	s.globalMu.RLock()
	entry, ok := s.data[clientOrderID]
	s.globalMu.RUnlock()
	if !ok {
		return order.State{}, false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, entry.exists, nil
}

// Events returns a copy of the transition log.
func (s *MemoryStore) Events() []Event {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	cp := make([]Event, len(s.events))
	copy(cp, s.events)
	return cp
}

// EventsFor returns the log entries of one client order id.
func (s *MemoryStore) EventsFor(clientOrderID string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.ClientOrderID == clientOrderID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) record(e Event) {
	entry := s.entry(e.ClientOrderID)

	// The entry lock is held across the log append so per-order log order
	// matches the order transitions were applied in.
	entry.mu.Lock()
	entry.state, entry.exists, e.Applied = apply(entry.state, entry.exists, e)

	s.logMu.Lock()
	e.Seq = uint64(len(s.events)) + 1
	s.events = append(s.events, e)
	s.logMu.Unlock()
	entry.mu.Unlock()
}

func (s *MemoryStore) entry(id string) *orderEntry {
	// Fast path: read lock only
	s.globalMu.RLock()
	entry, ok := s.data[id]
	s.globalMu.RUnlock()
	if ok {
		return entry
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if entry, ok = s.data[id]; !ok {
		entry = &orderEntry{}
		s.data[id] = entry
	}
	return entry
}
