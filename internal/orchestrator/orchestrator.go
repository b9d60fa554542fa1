package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/assetsync/internal/batchstore"
	"github.com/danmuck/assetsync/internal/catalog"
	"github.com/danmuck/assetsync/internal/logging"
	"github.com/danmuck/assetsync/internal/poll"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	MessageCancelled = "update cancelled"

	defaultMaxCascadeDepth = 8
)

// Catalog resolves operation descriptors.
type Catalog interface {
	Lookup(operation string) (catalog.Descriptor, error)
}

// EventSink applies batch state transitions.
type EventSink interface {
	Apply(ev batchstore.Event) (bool, error)
}

// SnapshotSink receives the fresh snapshot of an entity right before it is
// marked succeeded.
type SnapshotSink interface {
	Replace(ctx context.Context, entityID string, snapshot any) error
}

// Config tunes orchestration behavior.
type Config struct {
	// MaxCascadeDepth bounds cascade chains; a root batch has depth 0.
	MaxCascadeDepth int
	// Sleep overrides the poll wait, mainly for tests.
	Sleep poll.SleepFunc
	// NewID generates batch ids.
	NewID func() string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxCascadeDepth: defaultMaxCascadeDepth,
		Sleep:           poll.Sleep,
		NewID:           uuid.NewString,
	}
}

// Orchestrator turns triggers into batches and drives their entity tasks.
type Orchestrator struct {
	catalog   Catalog
	events    EventSink
	snapshots SnapshotSink
	cfg       Config
	logger    zerolog.Logger

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[string]map[string]context.CancelFunc
}

// New wires an orchestrator. snapshots may be nil when no entity view is kept.
func New(cat Catalog, events EventSink, snapshots SnapshotSink, cfg Config) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.MaxCascadeDepth <= 0 {
		cfg.MaxCascadeDepth = defaults.MaxCascadeDepth
	}
	if cfg.Sleep == nil {
		cfg.Sleep = defaults.Sleep
	}
	if cfg.NewID == nil {
		cfg.NewID = defaults.NewID
	}
	root, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		catalog:   cat,
		events:    events,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logging.Component("orchestrator"),
		root:      root,
		stop:      stop,
		tasks:     make(map[string]map[string]context.CancelFunc),
	}
}

// StartBatchUpdate validates req, creates its batch and forks one task per
// entity. It returns as soon as the tasks are scheduled; outcomes are only
// visible through the batch store. An unregistered operation fails here and
// no batch is created.
func (o *Orchestrator) StartBatchUpdate(req Request) (string, error) {
	return o.start(req, "", 0)
}

func (o *Orchestrator) start(req Request, parentID string, depth int) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	op := strings.TrimSpace(req.Operation)
	desc, err := o.catalog.Lookup(op)
	if err != nil {
		return "", err
	}
	field := strings.TrimSpace(req.Field)
	if field == "" {
		field = desc.Field
	}
	ids := entitySet(req.EntityIDs)
	batchID := o.cfg.NewID()
	b := &batchRun{
		id:     batchID,
		op:     op,
		field:  field,
		value:  req.Value,
		ids:    ids,
		desc:   desc,
		depth:  depth,
		ctxs:   make([]context.Context, len(ids)),
		logger: o.logger.With().Str("batch_id", batchID).Str("operation", op).Logger(),
	}

	// The closed check and task registration share one critical section: a
	// batch is either refused or awaited by Close.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	cancels := make(map[string]context.CancelFunc, len(ids))
	for i, id := range ids {
		ctx, cancel := context.WithCancel(o.root)
		b.ctxs[i] = ctx
		cancels[id] = cancel
	}
	o.tasks[batchID] = cancels
	o.wg.Add(1)
	o.mu.Unlock()

	if _, err := o.events.Apply(batchstore.BatchStarted{
		BatchID:   batchID,
		Operation: op,
		Field:     field,
		Value:     req.Value,
		EntityIDs: ids,
		ParentID:  parentID,
		Depth:     depth,
	}); err != nil {
		o.releaseTasks(batchID)
		o.wg.Done()
		return "", fmt.Errorf("orchestrator: start batch: %w", err)
	}

	b.logger.Info().
		Int("entities", len(ids)).
		Str("field", field).
		Str("parent_id", parentID).
		Int("depth", depth).
		Msg("batch started")
	go o.runBatch(b)
	return batchID, nil
}

// batchRun is the coordinator-local view of one batch.
type batchRun struct {
	id     string
	op     string
	field  string
	value  any
	ids    []string
	desc   catalog.Descriptor
	depth  int
	ctxs   []context.Context
	logger zerolog.Logger
}

func (o *Orchestrator) runBatch(b *batchRun) {
	defer o.wg.Done()

	results := make([]bool, len(b.ids))
	var g errgroup.Group
	for i := range b.ids {
		i := i
		g.Go(func() error {
			results[i] = o.runEntity(b.ctxs[i], b, b.ids[i])
			o.releaseEntity(b.id, b.ids[i])
			return nil
		})
	}
	_ = g.Wait()
	o.releaseTasks(b.id)

	o.emit(b.logger, batchstore.BatchCompleted{BatchID: b.id})

	succeeded := make([]string, 0, len(b.ids))
	for i, ok := range results {
		if ok {
			succeeded = append(succeeded, b.ids[i])
		}
	}
	b.logger.Info().
		Int("succeeded", len(succeeded)).
		Int("failed", len(b.ids)-len(succeeded)).
		Msg("batch completed")

	o.cascade(b, succeeded)
}

// runEntity drives one entity through mutate -> poll -> finalize and reports
// whether it succeeded.
func (o *Orchestrator) runEntity(ctx context.Context, b *batchRun, entityID string) bool {
	logger := b.logger.With().Str("entity_id", entityID).Logger()
	o.setStatus(logger, b.id, entityID, batchstore.StatusMutating, "", 0)

	if ctx.Err() != nil {
		o.setStatus(logger, b.id, entityID, batchstore.StatusFailed, MessageCancelled, 0)
		return false
	}
	// An issued write must finish even if the task is cancelled meanwhile.
	if err := b.desc.Write(context.WithoutCancel(ctx), entityID, b.value); err != nil {
		logger.Warn().Err(err).Msg("write rejected")
		o.setStatus(logger, b.id, entityID, batchstore.StatusFailed, err.Error(), 0)
		return false
	}

	o.setStatus(logger, b.id, entityID, batchstore.StatusPolling, "", 0)
	res, err := poll.PollWith(ctx, o.cfg.Sleep, b.desc.Policy,
		func(ctx context.Context, _ int) (bool, any, error) {
			r, err := b.desc.Check(ctx, entityID, b.value)
			return r.Applied, r.Snapshot, err
		})
	if err != nil {
		if ctx.Err() != nil {
			o.setStatus(logger, b.id, entityID, batchstore.StatusFailed, MessageCancelled, res.Attempts)
			return false
		}
		logger.Warn().Err(err).Int("attempts", res.Attempts).Msg("check failed")
		o.setStatus(logger, b.id, entityID, batchstore.StatusFailed, err.Error(), res.Attempts)
		return false
	}

	switch res.Outcome {
	case poll.OutcomeApplied:
		if res.Value != nil && o.snapshots != nil {
			if err := o.snapshots.Replace(context.WithoutCancel(ctx), entityID, res.Value); err != nil {
				logger.Error().Err(err).Msg("snapshot publish failed")
				o.setStatus(logger, b.id, entityID, batchstore.StatusFailed,
					fmt.Sprintf("snapshot publish failed: %v", err), res.Attempts)
				return false
			}
		}
		o.setStatus(logger, b.id, entityID, batchstore.StatusSucceeded, "", res.Attempts)
		return true
	case poll.OutcomeCancelled:
		o.setStatus(logger, b.id, entityID, batchstore.StatusFailed, MessageCancelled, res.Attempts)
		return false
	default:
		msg := fmt.Sprintf("polling timed out after %d attempts", res.Attempts)
		logger.Warn().Int("attempts", res.Attempts).Msg("poll exhausted")
		o.setStatus(logger, b.id, entityID, batchstore.StatusFailed, msg, res.Attempts)
		return false
	}
}

// cascade issues one independent batch per cascade for the succeeded subset.
func (o *Orchestrator) cascade(b *batchRun, succeeded []string) {
	if len(succeeded) == 0 || len(b.desc.Cascades) == 0 {
		return
	}
	if b.depth+1 > o.cfg.MaxCascadeDepth {
		b.logger.Warn().
			Int("depth", b.depth).
			Int("max_depth", o.cfg.MaxCascadeDepth).
			Msg("cascade depth exceeded, skipping follow-ups")
		return
	}
	for _, c := range b.desc.Cascades {
		field := c.Field
		if field == "" {
			if child, err := o.catalog.Lookup(c.Operation); err == nil && child.Field != "" {
				field = child.Field
			} else {
				field = b.field
			}
		}
		req := Request{
			Operation: c.Operation,
			Field:     field,
			Value:     c.Value(b.value),
			EntityIDs: append([]string(nil), succeeded...),
		}
		childID, err := o.start(req, b.id, b.depth+1)
		if err != nil {
			b.logger.Error().Err(err).Str("cascade", c.Operation).Msg("cascade not started")
			continue
		}
		b.logger.Info().Str("cascade", c.Operation).Str("child_id", childID).Int("entities", len(succeeded)).Msg("cascade started")
	}
}

func (o *Orchestrator) setStatus(logger zerolog.Logger, batchID, entityID string, status batchstore.Status, msg string, attempts int) {
	logger.Debug().Str("status", string(status)).Str("error", msg).Msg("entity status")
	o.emit(logger, batchstore.EntityStatusChanged{
		BatchID:  batchID,
		EntityID: entityID,
		Status:   status,
		Error:    msg,
		Attempts: attempts,
	})
}

func (o *Orchestrator) emit(logger zerolog.Logger, ev batchstore.Event) {
	if _, err := o.events.Apply(ev); err != nil {
		logger.Error().Err(err).Str("event", string(ev.Kind())).Msg("batch event rejected")
	}
}

func (o *Orchestrator) releaseTasks(batchID string) {
	o.mu.Lock()
	cancels := o.tasks[batchID]
	delete(o.tasks, batchID)
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// releaseEntity drops the cancel func of a settled entity so later cancel
// requests report nothing to cancel.
func (o *Orchestrator) releaseEntity(batchID, entityID string) {
	o.mu.Lock()
	cancel, ok := o.tasks[batchID][entityID]
	if ok {
		delete(o.tasks[batchID], entityID)
	}
	o.mu.Unlock()
	if ok {
		cancel()
	}
}
