package batchstore

import (
	"fmt"
	"strings"
)

// EventKind names the four state-transition events.
type EventKind string

const (
	KindBatchStarted        EventKind = "batch_started"
	KindEntityStatusChanged EventKind = "entity_status_changed"
	KindBatchCompleted      EventKind = "batch_completed"
	KindBatchDismissed      EventKind = "batch_dismissed"
)

// Event is a state transition applied through Store.Apply.
type Event interface {
	Kind() EventKind
	Batch() string
}

// BatchStarted creates a batch with every entity pending.
type BatchStarted struct {
	BatchID   string
	Operation string
	Field     string
	Value     any
	EntityIDs []string
	ParentID  string
	Depth     int
}

func (e BatchStarted) Kind() EventKind { return KindBatchStarted }
func (e BatchStarted) Batch() string   { return e.BatchID }

// Validate enforces required fields for batch creation.
func (e BatchStarted) Validate() error {
	if strings.TrimSpace(e.BatchID) == "" {
		return fmt.Errorf("%w: missing batch id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Operation) == "" {
		return fmt.Errorf("%w: missing operation", ErrInvalidEvent)
	}
	if len(e.EntityIDs) == 0 {
		return fmt.Errorf("%w: batch %s has no entities", ErrInvalidEvent, e.BatchID)
	}
	for i, id := range e.EntityIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: entity_ids[%d] is empty", ErrInvalidEvent, i)
		}
	}
	return nil
}

// EntityStatusChanged overwrites one entity entry.
type EntityStatusChanged struct {
	BatchID  string
	EntityID string
	Status   Status
	Error    string
	Attempts int
}

func (e EntityStatusChanged) Kind() EventKind { return KindEntityStatusChanged }
func (e EntityStatusChanged) Batch() string   { return e.BatchID }

// BatchCompleted stamps CompletedAt once every entity is terminal.
type BatchCompleted struct {
	BatchID string
}

func (e BatchCompleted) Kind() EventKind { return KindBatchCompleted }
func (e BatchCompleted) Batch() string   { return e.BatchID }

// BatchDismissed removes a batch.
type BatchDismissed struct {
	BatchID string
}

func (e BatchDismissed) Kind() EventKind { return KindBatchDismissed }
func (e BatchDismissed) Batch() string   { return e.BatchID }
