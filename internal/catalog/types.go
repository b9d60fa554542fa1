package catalog

import (
	"context"

	"github.com/danmuck/assetsync/internal/poll"
)

// WriteFunc submits one mutation to the backend write endpoint.
type WriteFunc func(ctx context.Context, entityID string, value any) error

// CheckFunc reads the entity back and reports whether value is visible yet.
type CheckFunc func(ctx context.Context, entityID string, value any) (CheckResult, error)

// CheckResult carries the snapshot observed by the check that saw the write
// land, so finalization does not need a second read.
type CheckResult struct {
	Applied  bool
	Snapshot any
}

// TransformFunc derives a cascade value from the parent batch value.
type TransformFunc func(parent any) any

// Cascade is one follow-up operation issued for the entities a batch updated.
type Cascade struct {
	Operation string
	// Field overrides the parent batch field when set.
	Field     string
	Transform TransformFunc
}

// Value returns the cascade value for parent, identity when no transform is set.
func (c Cascade) Value(parent any) any {
	if c.Transform == nil {
		return parent
	}
	return c.Transform(parent)
}

// Descriptor is the immutable recipe for one operation type.
type Descriptor struct {
	Description string
	// Field is the entity field the operation touches when a request names none.
	Field    string
	Write    WriteFunc
	Check    CheckFunc
	Policy   poll.Policy
	Cascades []Cascade
}
