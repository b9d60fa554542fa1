package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidRequest = errors.New("orchestrator: invalid request")
	ErrClosed         = errors.New("orchestrator: closed")
)

var requestValidate = validator.New(validator.WithRequiredStructEnabled())

// Request is the single trigger shape: apply Value to Field of every entity
// using Operation.
type Request struct {
	Operation string   `json:"operation" validate:"required"`
	Field     string   `json:"field,omitempty"`
	Value     any      `json:"value"`
	EntityIDs []string `json:"entity_ids" validate:"required,min=1,dive,required"`
}

// Validate enforces required trigger fields.
func (r Request) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidRequest, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(r.Operation) == "" {
		return fmt.Errorf("%w: missing operation", ErrInvalidRequest)
	}
	for i, id := range r.EntityIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: entity_ids[%d] is blank", ErrInvalidRequest, i)
		}
	}
	return nil
}

// entitySet trims and de-duplicates ids, keeping first-seen order.
func entitySet(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
