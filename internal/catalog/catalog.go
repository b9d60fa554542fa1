package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/assetsync/internal/logging"
)

var (
	ErrUnregisteredOperation = errors.New("catalog: unregistered operation")
	ErrInvalidOperation      = errors.New("catalog: invalid operation type")
	ErrInvalidDescriptor     = errors.New("catalog: invalid descriptor")
)

// Catalog maps operation types to descriptors. It is filled once by the
// composition root and only read afterwards.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Descriptor
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{items: make(map[string]Descriptor)}
}

// ValidateDescriptor checks the callbacks and polling policy.
func ValidateDescriptor(d Descriptor) error {
	if d.Write == nil {
		return fmt.Errorf("%w: write func is required", ErrInvalidDescriptor)
	}
	if d.Check == nil {
		return fmt.Errorf("%w: check func is required", ErrInvalidDescriptor)
	}
	if err := d.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	for i, c := range d.Cascades {
		if !isValidOperation(strings.TrimSpace(c.Operation)) {
			return fmt.Errorf("%w: cascade[%d] operation %q", ErrInvalidDescriptor, i, c.Operation)
		}
	}
	return nil
}

// Register stores d under operation, replacing any previous entry.
func (c *Catalog) Register(operation string, d Descriptor) error {
	key := strings.TrimSpace(operation)
	if !isValidOperation(key) {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, operation)
	}
	if err := ValidateDescriptor(d); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	d.Cascades = append([]Cascade(nil), d.Cascades...)

	c.mu.Lock()
	_, replaced := c.items[key]
	c.items[key] = d
	c.mu.Unlock()

	logger := logging.Component("catalog")
	if replaced {
		logger.Warn().Str("operation", key).Msg("operation re-registered, replacing descriptor")
		return nil
	}
	logger.Debug().Str("operation", key).Int("cascades", len(d.Cascades)).Msg("operation registered")
	return nil
}

// Lookup returns the descriptor for operation.
func (c *Catalog) Lookup(operation string) (Descriptor, error) {
	key := strings.TrimSpace(operation)
	c.mu.RLock()
	d, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnregisteredOperation, key)
	}
	return d, nil
}

// Has reports whether operation is registered.
func (c *Catalog) Has(operation string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[strings.TrimSpace(operation)]
	return ok
}

// List returns registered operation types in sorted order.
func (c *Catalog) List() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of registered operations.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// isValidOperation accepts lowercase dotted/dashed ids like "metadata.title".
func isValidOperation(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
