package batchstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidEvent      = errors.New("batchstore: invalid event")
	ErrBatchExists       = errors.New("batchstore: batch already exists")
	ErrUnknownEntity     = errors.New("batchstore: entity not in batch")
	ErrIllegalTransition = errors.New("batchstore: illegal status transition")
	ErrBatchIncomplete   = errors.New("batchstore: batch has non-terminal entities")
	ErrAlreadyCompleted  = errors.New("batchstore: batch already completed")
	ErrUnsupportedEvent  = errors.New("batchstore: unsupported event")
)

const (
	defaultHistoryLimit   = 256
	defaultFailureMessage = "update failed"
)

// Observer receives every applied transition in apply order. Observers may
// query the store but must not call Apply.
type Observer func(Transition)

// Store holds in-flight and recent batches. All mutation goes through Apply,
// which serializes events so observers see one total order.
type Store struct {
	applyMu sync.Mutex

	mu        sync.RWMutex
	batches   map[string]*Batch
	seq       uint64
	history   []Transition
	historyN  int
	observers []Observer

	now func() time.Time
}

// New creates an empty store keeping the last historyLimit transitions
// (a default when <= 0).
func New(historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Store{
		batches:  make(map[string]*Batch),
		historyN: historyLimit,
		now:      time.Now,
	}
}

// Observe registers fn for all future transitions.
func (s *Store) Observe(fn Observer) {
	if fn == nil {
		return
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Apply applies ev atomically. It returns false with a nil error when the
// event targets a batch that no longer exists.
func (s *Store) Apply(ev Event) (bool, error) {
	if ev == nil {
		return false, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	tr, applied, err := s.applyLocked(ev)
	if applied {
		s.seq++
		tr.Seq = s.seq
		s.record(tr)
	}
	observers := s.observers
	s.mu.Unlock()

	if err != nil || !applied {
		return false, err
	}
	for _, fn := range observers {
		fn(tr)
	}
	return true, nil
}

func (s *Store) applyLocked(ev Event) (Transition, bool, error) {
	now := s.now()
	tr := Transition{Kind: ev.Kind(), BatchID: ev.Batch(), At: now}
	switch e := ev.(type) {
	case BatchStarted:
		if err := e.Validate(); err != nil {
			return tr, false, err
		}
		if _, ok := s.batches[e.BatchID]; ok {
			return tr, false, fmt.Errorf("%w: %s", ErrBatchExists, e.BatchID)
		}
		b := &Batch{
			ID:        e.BatchID,
			Operation: e.Operation,
			Field:     e.Field,
			Value:     e.Value,
			Entities:  make(map[string]EntityUpdate, len(e.EntityIDs)),
			StartedAt: now,
			ParentID:  e.ParentID,
			Depth:     e.Depth,
		}
		for _, id := range e.EntityIDs {
			b.Entities[strings.TrimSpace(id)] = EntityUpdate{Status: StatusPending, UpdatedAt: now}
		}
		s.batches[e.BatchID] = b
		tr.Operation = e.Operation
		tr.ParentID = e.ParentID
		return tr, true, nil

	case EntityStatusChanged:
		b, ok := s.batches[e.BatchID]
		if !ok {
			return tr, false, nil
		}
		if !e.Status.IsValid() {
			return tr, false, fmt.Errorf("%w: status %q", ErrInvalidEvent, e.Status)
		}
		cur, ok := b.Entities[e.EntityID]
		if !ok {
			return tr, false, fmt.Errorf("%w: %s/%s", ErrUnknownEntity, e.BatchID, e.EntityID)
		}
		if !canTransition(cur.Status, e.Status) {
			return tr, false, fmt.Errorf("%w: %s/%s %s -> %s", ErrIllegalTransition, e.BatchID, e.EntityID, cur.Status, e.Status)
		}
		msg := strings.TrimSpace(e.Error)
		if e.Status == StatusFailed && msg == "" {
			msg = defaultFailureMessage
		}
		if e.Status != StatusFailed {
			msg = ""
		}
		attempts := e.Attempts
		if attempts == 0 {
			attempts = cur.Attempts
		}
		b.Entities[e.EntityID] = EntityUpdate{
			Status:    e.Status,
			Error:     msg,
			Attempts:  attempts,
			UpdatedAt: now,
		}
		tr.Operation = b.Operation
		tr.EntityID = e.EntityID
		tr.Status = e.Status
		tr.Error = msg
		tr.Attempts = attempts
		return tr, true, nil

	case BatchCompleted:
		b, ok := s.batches[e.BatchID]
		if !ok {
			return tr, false, nil
		}
		if b.CompletedAt != nil {
			return tr, false, fmt.Errorf("%w: %s", ErrAlreadyCompleted, e.BatchID)
		}
		if !b.Complete() {
			return tr, false, fmt.Errorf("%w: %s", ErrBatchIncomplete, e.BatchID)
		}
		at := now
		b.CompletedAt = &at
		tr.Operation = b.Operation
		return tr, true, nil

	case BatchDismissed:
		b, ok := s.batches[e.BatchID]
		if !ok {
			return tr, false, nil
		}
		delete(s.batches, e.BatchID)
		tr.Operation = b.Operation
		return tr, true, nil
	}
	return tr, false, fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
}

func (s *Store) record(tr Transition) {
	s.history = append(s.history, tr)
	if over := len(s.history) - s.historyN; over > 0 {
		s.history = append([]Transition(nil), s.history[over:]...)
	}
}

// Transitions returns up to limit most recent transitions, oldest first.
func (s *Store) Transitions(limit int) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	return append([]Transition(nil), s.history[start:]...)
}

// Batch returns a copy of one batch.
func (s *Store) Batch(batchID string) (Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return Batch{}, false
	}
	return cloneBatch(b), true
}

// Batches returns copies of every batch ordered by start time then id.
func (s *Store) Batches() []Batch {
	return s.filter(func(*Batch) bool { return true })
}

// ActiveBatches returns batches that have not completed.
func (s *Store) ActiveBatches() []Batch {
	return s.filter(func(b *Batch) bool { return b.CompletedAt == nil })
}

func (s *Store) filter(keep func(*Batch) bool) []Batch {
	s.mu.RLock()
	out := make([]Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if keep(b) {
			out = append(out, cloneBatch(b))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Progress counts entity outcomes for one batch.
func (s *Store) Progress(batchID string) (Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return Progress{}, false
	}
	return b.Tally(), true
}

// IsEntityFieldUpdating reports whether any batch on field still has entityID
// in flight.
func (s *Store) IsEntityFieldUpdating(entityID, field string) bool {
	return s.IsAnyEntityFieldUpdating([]string{entityID}, field)
}

// IsAnyEntityFieldUpdating reports whether any of entityIDs is in flight for field.
func (s *Store) IsAnyEntityFieldUpdating(entityIDs []string, field string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if b.Field != field {
			continue
		}
		for _, id := range entityIDs {
			if e, ok := b.Entities[id]; ok && !e.Status.Terminal() {
				return true
			}
		}
	}
	return false
}

// BatchErrors returns the error message of every failed entity.
func (s *Store) BatchErrors(batchID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	b, ok := s.batches[batchID]
	if !ok {
		return out
	}
	for id, e := range b.Entities {
		if e.Status == StatusFailed {
			out[id] = e.Error
		}
	}
	return out
}

// LatestFieldError returns a failure message for any of entityIDs on field.
// When several batches hold errors, which one is returned is unspecified.
func (s *Store) LatestFieldError(entityIDs []string, field string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if b.Field != field {
			continue
		}
		for _, id := range entityIDs {
			if e, ok := b.Entities[id]; ok && e.Status == StatusFailed {
				return e.Error, true
			}
		}
	}
	return "", false
}

func sortedKeys(m map[string]EntityUpdate) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
