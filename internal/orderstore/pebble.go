package orderstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"simtrader/internal/order"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"
)

// keys: o:<client_order_id> -> state, e:<20-digit seq> -> event
var (
	eventPrefix = []byte("e:")
	eventUpper  = []byte("e;")
)

func kOrder(id string) []byte   { return append([]byte("o:"), id...) }
func kEvent(seq uint64) []byte { return []byte(fmt.Sprintf("e:%020d", seq)) }

// PebbleStore persists the order state index and transition log in pebble.
// Each transition writes its log entry and the new state in one synced batch.
type PebbleStore struct {
	db *pebble.DB

	mu  sync.Mutex // serializes read-modify-write of states and seq assignment
	seq uint64
}

// OpenPebbleStore opens (or creates) a store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	return OpenPebbleStoreWithOptions(path, &pebble.Options{})
}

func OpenPebbleStoreWithOptions(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble order store: %w", err)
	}

	s := &PebbleStore{db: db}
	seq, err := s.lastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.seq = seq
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) NoteOrderParams(_ context.Context, req order.Request) error {
	return s.record(paramsEvent(req))
}

func (s *PebbleStore) ApplyOrderUpdate(_ context.Context, u order.Update) error {
	return s.record(updateEvent(u))
}

func (s *PebbleStore) ApplyFill(_ context.Context, f order.Fill) error {
	return s.record(fillEvent(f))
}

func (s *PebbleStore) Get(_ context.Context, clientOrderID string) (order.State, bool, error) {
	return s.getState(clientOrderID)
}

// Events returns the full transition log in sequence order.
func (s *PebbleStore) Events() ([]Event, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: eventPrefix, UpperBound: eventUpper})
	if err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid(); iter.Next() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", iter.Key(), err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *PebbleStore) record(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists, err := s.getState(e.ClientOrderID)
	if err != nil {
		return err
	}
	next, nextExists, applied := apply(cur, exists, e)
	e.Applied = applied
	e.Seq = s.seq + 1

	eventVal, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(kEvent(e.Seq), eventVal, nil); err != nil {
		return fmt.Errorf("stage event: %w", err)
	}
	if applied && nextExists {
		stateVal, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		if err := batch.Set(kOrder(e.ClientOrderID), stateVal, nil); err != nil {
			return fmt.Errorf("stage state: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit order event: %w", err)
	}

	s.seq = e.Seq
	return nil
}

func (s *PebbleStore) getState(id string) (order.State, bool, error) {
	val, closer, err := s.db.Get(kOrder(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return order.State{}, false, nil
		}
		return order.State{}, false, fmt.Errorf("get order %s: %w", id, err)
	}
	defer closer.Close()

	var st order.State
	if err := json.Unmarshal(val, &st); err != nil {
		return order.State{}, false, fmt.Errorf("decode order %s: %w", id, err)
	}
	return st, true, nil
}

func (s *PebbleStore) lastSeq() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: eventPrefix, UpperBound: eventUpper})
	if err != nil {
		return 0, fmt.Errorf("iterate events: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	seq, err := strconv.ParseUint(string(iter.Key()[len(eventPrefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse event key %q: %w", iter.Key(), err)
	}
	return seq, nil
}
