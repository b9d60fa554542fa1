// Package simulator is an in-process image catalog with the same eventual
// consistency as the production one: writes are accepted at once and become
// readable only after a propagation delay.
package simulator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/assetsync/internal/assets"
	"github.com/danmuck/assetsync/internal/logging"
	"github.com/rs/zerolog"
)

type Config struct {
	// Delay is the time between an accepted write and its visibility on Fetch.
	Delay time.Duration
	Now   func() time.Time
}

type pendingWrite struct {
	operation string
	value     any
	visibleAt time.Time
}

type record struct {
	visible assets.Image
	pending []pendingWrite
}

// Simulator implements assets.Backend.
type Simulator struct {
	delay  time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	images  map[string]*record
	rejects map[string]error
}

func New(cfg Config) *Simulator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Simulator{
		delay:   cfg.Delay,
		now:     cfg.Now,
		logger:  logging.Component("simulator"),
		images:  make(map[string]*record),
		rejects: make(map[string]error),
	}
}

// Put stores img as immediately visible, replacing any previous state.
func (s *Simulator) Put(img assets.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img = img.Clone()
	img.ID = strings.TrimSpace(img.ID)
	if img.LastModified.IsZero() {
		img.LastModified = s.now()
	}
	s.images[img.ID] = &record{visible: img}
}

// Seed creates n blank images named image-0001 and up.
func (s *Simulator) Seed(n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("image-%04d", i)
		s.Put(assets.Image{ID: id, Labels: []string{}})
		ids = append(ids, id)
	}
	return ids
}

// RejectNext makes the next write to imageID fail with err.
func (s *Simulator) RejectNext(imageID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[strings.TrimSpace(imageID)] = err
}

func (s *Simulator) Apply(ctx context.Context, operation, imageID string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := assets.ValidateValue(operation, value); err != nil {
		return err
	}
	id := strings.TrimSpace(imageID)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.images[id]
	if !ok {
		return fmt.Errorf("%w: %s", assets.ErrNotFound, id)
	}
	if err, ok := s.rejects[id]; ok {
		delete(s.rejects, id)
		return err
	}
	rec.pending = append(rec.pending, pendingWrite{
		operation: operation,
		value:     value,
		visibleAt: s.now().Add(s.delay),
	})
	s.logger.Debug().Str("image_id", id).Str("operation", operation).Dur("delay", s.delay).Msg("write accepted")
	return nil
}

func (s *Simulator) Fetch(ctx context.Context, imageID string) (assets.Image, error) {
	if err := ctx.Err(); err != nil {
		return assets.Image{}, err
	}
	id := strings.TrimSpace(imageID)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.images[id]
	if !ok {
		return assets.Image{}, fmt.Errorf("%w: %s", assets.ErrNotFound, id)
	}
	s.propagate(rec)
	return rec.visible.Clone(), nil
}

// IDs lists every known image id.
func (s *Simulator) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.images))
	for id := range s.images {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// propagate folds due writes into the visible image, in write order.
func (s *Simulator) propagate(rec *record) {
	now := s.now()
	n := 0
	for _, w := range rec.pending {
		if w.visibleAt.After(now) {
			break
		}
		if err := assets.Mutate(&rec.visible, w.operation, w.value); err != nil {
			s.logger.Error().Err(err).Str("image_id", rec.visible.ID).Msg("pending write dropped")
		}
		rec.visible.LastModified = w.visibleAt
		n++
	}
	rec.pending = rec.pending[n:]
}
