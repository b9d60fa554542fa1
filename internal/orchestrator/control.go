package orchestrator

import (
	"context"
	"strings"

	"github.com/danmuck/assetsync/internal/batchstore"
)

// CancelEntity stops polling for one entity of a running batch. Siblings are
// unaffected. It reports whether a running task was found.
func (o *Orchestrator) CancelEntity(batchID, entityID string) bool {
	o.mu.Lock()
	cancel, ok := o.tasks[strings.TrimSpace(batchID)][strings.TrimSpace(entityID)]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	o.logger.Info().Str("batch_id", batchID).Str("entity_id", entityID).Msg("entity cancel requested")
	return true
}

// CancelBatch cancels every task of a running batch and returns how many
// tasks were signalled.
func (o *Orchestrator) CancelBatch(batchID string) int {
	o.mu.Lock()
	tasks := o.tasks[strings.TrimSpace(batchID)]
	cancels := make([]context.CancelFunc, 0, len(tasks))
	for _, cancel := range tasks {
		cancels = append(cancels, cancel)
	}
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		o.logger.Info().Str("batch_id", batchID).Int("tasks", len(cancels)).Msg("batch cancel requested")
	}
	return len(cancels)
}

// Dismiss cancels whatever is still running for the batch and removes it from
// the store. Dismissing an unknown or already dismissed batch is a no-op.
func (o *Orchestrator) Dismiss(batchID string) (bool, error) {
	key := strings.TrimSpace(batchID)
	o.CancelBatch(key)
	return o.events.Apply(batchstore.BatchDismissed{BatchID: key})
}

// Wait blocks until every running batch, cascades included, has settled or
// ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new triggers, cancels all running tasks and waits for them to
// settle. Cancelled entities end as failed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	return o.Wait(ctx)
}

// Running returns the number of batches with unsettled tasks.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}
