package batchstore

import (
	"time"
)

// Status is one entity's position in a batch.
type Status string

const (
	StatusPending   Status = "pending"
	StatusMutating  Status = "mutating"
	StatusPolling   Status = "polling"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusMutating, StatusPolling, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may follow s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// canTransition encodes the per-entity state machine.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusMutating
	case StatusMutating:
		return to == StatusPolling || to == StatusFailed
	case StatusPolling:
		return to == StatusSucceeded || to == StatusFailed
	}
	return false
}

// EntityUpdate is the tracked state of one entity inside a batch.
type EntityUpdate struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Batch is one user-triggered mutation across a fixed set of entities.
type Batch struct {
	ID          string                  `json:"id"`
	Operation   string                  `json:"operation"`
	Field       string                  `json:"field,omitempty"`
	Value       any                     `json:"value"`
	Entities    map[string]EntityUpdate `json:"entities"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	ParentID    string                  `json:"parent_id,omitempty"`
	Depth       int                     `json:"depth,omitempty"`
}

// Complete reports whether every entity has reached a terminal status.
func (b Batch) Complete() bool {
	for _, e := range b.Entities {
		if !e.Status.Terminal() {
			return false
		}
	}
	return true
}

// EntityIDs returns the batch key set in sorted order.
func (b Batch) EntityIDs() []string {
	return sortedKeys(b.Entities)
}

// Tally counts entity outcomes of this copy of the batch.
func (b Batch) Tally() Progress {
	p := Progress{Total: len(b.Entities)}
	for _, e := range b.Entities {
		switch e.Status {
		case StatusSucceeded:
			p.Succeeded++
		case StatusFailed:
			p.Failed++
		default:
			p.InProgress++
		}
	}
	return p
}

// Progress summarises a batch.
type Progress struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}

// Transition is one applied event as seen by observers.
type Transition struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	BatchID   string    `json:"batch_id"`
	Operation string    `json:"operation,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	At        time.Time `json:"at"`
}

func cloneBatch(in *Batch) Batch {
	out := *in
	out.Entities = make(map[string]EntityUpdate, len(in.Entities))
	for k, v := range in.Entities {
		out.Entities[k] = v
	}
	if in.CompletedAt != nil {
		at := *in.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
