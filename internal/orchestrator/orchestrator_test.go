package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/assetsync/internal/batchstore"
	"github.com/danmuck/assetsync/internal/catalog"
	"github.com/danmuck/assetsync/internal/poll"
	"github.com/danmuck/assetsync/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type recordedSnapshot struct {
	entityID     string
	snapshot     any
	statusAtCall batchstore.Status
}

// fakeSnapshots records replacements together with the entity status the
// store held at that moment.
type fakeSnapshots struct {
	store *batchstore.Store
	mu    sync.Mutex
	calls []recordedSnapshot
	err   error
}

func (f *fakeSnapshots) Replace(_ context.Context, entityID string, snapshot any) error {
	status := batchstore.Status("")
	for _, b := range f.store.Batches() {
		if e, ok := b.Entities[entityID]; ok {
			status = e.Status
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedSnapshot{entityID: entityID, snapshot: snapshot, statusAtCall: status})
	return f.err
}

type harness struct {
	store *batchstore.Store
	cat   *catalog.Catalog
	snaps *fakeSnapshots
	orch  *Orchestrator

	mu        sync.Mutex
	sequences map[string][]batchstore.Status
	completed map[string]int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     batchstore.New(0),
		cat:       catalog.New(),
		sequences: make(map[string][]batchstore.Status),
		completed: make(map[string]int),
	}
	h.snaps = &fakeSnapshots{store: h.store}
	h.store.Observe(func(tr batchstore.Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		switch tr.Kind {
		case batchstore.KindBatchStarted:
			b, _ := h.store.Batch(tr.BatchID)
			for _, id := range b.EntityIDs() {
				h.sequences[tr.BatchID+"/"+id] = []batchstore.Status{batchstore.StatusPending}
			}
		case batchstore.KindEntityStatusChanged:
			key := tr.BatchID + "/" + tr.EntityID
			h.sequences[key] = append(h.sequences[key], tr.Status)
		case batchstore.KindBatchCompleted:
			h.completed[tr.BatchID]++
		}
	})
	if cfg.Sleep == nil {
		cfg.Sleep = instantSleep
	}
	h.orch = New(h.cat, h.store, h.snaps, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
	})
	return h
}

func (h *harness) register(t *testing.T, op string, d catalog.Descriptor) {
	t.Helper()
	require.NoError(t, h.cat.Register(op, d))
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Wait(ctx))
}

func (h *harness) sequence(batchID, entityID string) []batchstore.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]batchstore.Status(nil), h.sequences[batchID+"/"+entityID]...)
}

func (h *harness) completions(batchID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed[batchID]
}

var (
	seqSucceeded     = []batchstore.Status{batchstore.StatusPending, batchstore.StatusMutating, batchstore.StatusPolling, batchstore.StatusSucceeded}
	seqWriteFailed   = []batchstore.Status{batchstore.StatusPending, batchstore.StatusMutating, batchstore.StatusFailed}
	seqPollingFailed = []batchstore.Status{batchstore.StatusPending, batchstore.StatusMutating, batchstore.StatusPolling, batchstore.StatusFailed}
)

// titleDescriptor writes into a map and becomes visible on the nth check of
// each entity.
func titleDescriptor(visibleOn int, writeErr map[string]error) (catalog.Descriptor, *sync.Map) {
	checks := &sync.Map{}
	d := catalog.Descriptor{
		Write: func(_ context.Context, entityID string, _ any) error {
			if err := writeErr[entityID]; err != nil {
				return err
			}
			return nil
		},
		Check: func(_ context.Context, entityID string, value any) (catalog.CheckResult, error) {
			n, _ := checks.LoadOrStore(entityID, new(atomic.Int32))
			call := n.(*atomic.Int32).Add(1)
			if int(call) < visibleOn {
				return catalog.CheckResult{}, nil
			}
			return catalog.CheckResult{Applied: true, Snapshot: map[string]any{"id": entityID, "title": value}}, nil
		},
		Policy: poll.DefaultPolicy(),
	}
	return d, checks
}

func TestScenarioVisibleOnThirdCheck(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	d, checks := titleDescriptor(3, nil)
	h.register(t, "metadata.title", d)

	batchID, err := h.orch.StartBatchUpdate(Request{
		Operation: "metadata.title",
		Field:     "title",
		Value:     "Harbour at dusk",
		EntityIDs: []string{"img-1", "img-2"},
	})
	require.NoError(t, err)
	h.wait(t)

	b, ok := h.store.Batch(batchID)
	require.True(t, ok)
	require.NotNil(t, b.CompletedAt)
	for _, id := range []string{"img-1", "img-2"} {
		assert.Equal(t, batchstore.StatusSucceeded, b.Entities[id].Status)
		assert.Equal(t, 3, b.Entities[id].Attempts)
		n, _ := checks.Load(id)
		assert.EqualValues(t, 3, n.(*atomic.Int32).Load())
		assert.Equal(t, seqSucceeded, h.sequence(batchID, id))
	}
	assert.Equal(t, 1, h.completions(batchID))

	require.Len(t, h.snaps.calls, 2)
	for _, call := range h.snaps.calls {
		assert.Equal(t, batchstore.StatusPolling, call.statusAtCall, "snapshot must land before succeeded")
	}
}

func TestScenarioWriteFailureIsIsolated(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	d, _ := titleDescriptor(1, map[string]error{"img-x": errors.New("network error")})
	h.register(t, "metadata.title", d)

	batchID, err := h.orch.StartBatchUpdate(Request{
		Operation: "metadata.title",
		Field:     "title",
		Value:     "Rain",
		EntityIDs: []string{"img-a", "img-x", "img-b"},
	})
	require.NoError(t, err)
	h.wait(t)

	b, _ := h.store.Batch(batchID)
	assert.Equal(t, batchstore.StatusFailed, b.Entities["img-x"].Status)
	assert.Equal(t, "network error", b.Entities["img-x"].Error)
	assert.Equal(t, seqWriteFailed, h.sequence(batchID, "img-x"))
	for _, id := range []string{"img-a", "img-b"} {
		assert.Equal(t, batchstore.StatusSucceeded, b.Entities[id].Status)
		assert.Equal(t, seqSucceeded, h.sequence(batchID, id))
	}
	p, _ := h.store.Progress(batchID)
	assert.Equal(t, batchstore.Progress{Total: 3, Succeeded: 2, Failed: 1}, p)
	assert.Equal(t, map[string]string{"img-x": "network error"}, h.store.BatchErrors(batchID))
}

func TestScenarioCancelMidPoll(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{Sleep: poll.Sleep})
	h.register(t, "metadata.title", catalog.Descriptor{
		Write: func(context.Context, string, any) error { return nil },
		Check: func(_ context.Context, entityID string, _ any) (catalog.CheckResult, error) {
			return catalog.CheckResult{Applied: entityID == "img-fast"}, nil
		},
		Policy: poll.FixedPolicy(5*time.Millisecond, 100000),
	})

	batchID, err := h.orch.StartBatchUpdate(Request{
		Operation: "metadata.title",
		Field:     "title",
		Value:     "Fog",
		EntityIDs: []string{"img-fast", "img-slow"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, _ := h.store.Batch(batchID)
		return b.Entities["img-fast"].Status == batchstore.StatusSucceeded &&
			b.Entities["img-slow"].Status == batchstore.StatusPolling
	}, 2*time.Second, 2*time.Millisecond)

	assert.True(t, h.orch.CancelEntity(batchID, "img-slow"))
	h.wait(t)

	b, _ := h.store.Batch(batchID)
	assert.Equal(t, batchstore.StatusSucceeded, b.Entities["img-fast"].Status)
	assert.Equal(t, batchstore.StatusFailed, b.Entities["img-slow"].Status)
	assert.Equal(t, MessageCancelled, b.Entities["img-slow"].Error)
	assert.Equal(t, seqPollingFailed, h.sequence(batchID, "img-slow"))
	assert.NotNil(t, b.CompletedAt)
	assert.False(t, h.orch.CancelEntity(batchID, "img-slow"), "settled task must not be cancellable")
}

func TestPollTimeoutMessageCarriesAttempts(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	h.register(t, "metadata.credit", catalog.Descriptor{
		Write: func(context.Context, string, any) error { return nil },
		Check: func(context.Context, string, any) (catalog.CheckResult, error) {
			return catalog.CheckResult{}, nil
		},
		Policy: poll.FixedPolicy(time.Millisecond, 4),
	})
	batchID, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.credit", Value: "AP", EntityIDs: []string{"img-1"}})
	require.NoError(t, err)
	h.wait(t)

	b, _ := h.store.Batch(batchID)
	assert.Equal(t, "polling timed out after 4 attempts", b.Entities["img-1"].Error)
	assert.Equal(t, seqPollingFailed, h.sequence(batchID, "img-1"))
	assert.Empty(t, h.snaps.calls)
}

func TestCheckErrorIsTerminal(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	var checks atomic.Int32
	h.register(t, "metadata.byline", catalog.Descriptor{
		Write: func(context.Context, string, any) error { return nil },
		Check: func(context.Context, string, any) (catalog.CheckResult, error) {
			checks.Add(1)
			return catalog.CheckResult{}, errors.New("index unavailable")
		},
		Policy: poll.DefaultPolicy(),
	})
	batchID, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.byline", Value: "Staff", EntityIDs: []string{"img-1"}})
	require.NoError(t, err)
	h.wait(t)

	b, _ := h.store.Batch(batchID)
	assert.Equal(t, "index unavailable", b.Entities["img-1"].Error)
	assert.EqualValues(t, 1, checks.Load())
}

func TestSnapshotPublishFailureFailsEntity(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	h.snaps.err = errors.New("cache full")
	d, _ := titleDescriptor(1, nil)
	h.register(t, "metadata.title", d)

	batchID, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-1"}})
	require.NoError(t, err)
	h.wait(t)

	b, _ := h.store.Batch(batchID)
	assert.Equal(t, batchstore.StatusFailed, b.Entities["img-1"].Status)
	assert.Contains(t, b.Entities["img-1"].Error, "cache full")
}

func TestUnregisteredOperationNeverStartsBatch(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	_, err := h.orch.StartBatchUpdate(Request{Operation: "labels.add", Value: "x", EntityIDs: []string{"img-1"}})
	require.ErrorIs(t, err, catalog.ErrUnregisteredOperation)
	assert.Empty(t, h.store.Batches())
}

func TestInvalidRequestRejected(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	d, _ := titleDescriptor(1, nil)
	h.register(t, "metadata.title", d)

	cases := []Request{
		{Operation: "", EntityIDs: []string{"img-1"}},
		{Operation: "metadata.title"},
		{Operation: "metadata.title", EntityIDs: []string{}},
		{Operation: "metadata.title", EntityIDs: []string{"img-1", ""}},
		{Operation: "metadata.title", EntityIDs: []string{"  "}},
	}
	for i, req := range cases {
		_, err := h.orch.StartBatchUpdate(req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "case %d", i)
	}
	assert.Empty(t, h.store.Batches())
}

func TestEntityIDsAreDeduplicated(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	d, _ := titleDescriptor(1, nil)
	h.register(t, "metadata.title", d)

	batchID, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-1", " img-2", "img-1"}})
	require.NoError(t, err)
	h.wait(t)

	b, _ := h.store.Batch(batchID)
	assert.Equal(t, []string{"img-1", "img-2"}, b.EntityIDs())
}

func cascadeDescriptor(failWrites map[string]error) catalog.Descriptor {
	d, _ := titleDescriptor(1, failWrites)
	d.Cascades = []catalog.Cascade{{
		Operation: "labels.add",
		Field:     "labels",
		Transform: func(v any) any { return fmt.Sprintf("shoot:%v", v) },
	}}
	return d
}

func TestCascadeScopedToSucceededSubset(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	h.register(t, "metadata.photoshoot", cascadeDescriptor(map[string]error{"img-2": errors.New("rejected")}))
	labels, _ := titleDescriptor(1, nil)
	h.register(t, "labels.add", labels)

	parentID, err := h.orch.StartBatchUpdate(Request{
		Operation: "metadata.photoshoot",
		Field:     "photoshoot",
		Value:     "spring",
		EntityIDs: []string{"img-1", "img-2", "img-3"},
	})
	require.NoError(t, err)
	h.wait(t)

	batches := h.store.Batches()
	require.Len(t, batches, 2)
	var child batchstore.Batch
	for _, b := range batches {
		if b.ID != parentID {
			child = b
		}
	}
	assert.Equal(t, "labels.add", child.Operation)
	assert.Equal(t, "labels", child.Field)
	assert.Equal(t, "shoot:spring", child.Value)
	assert.Equal(t, parentID, child.ParentID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, []string{"img-1", "img-3"}, child.EntityIDs())
	assert.NotNil(t, child.CompletedAt)
}

func TestNoCascadeWhenNothingSucceeded(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	h.register(t, "metadata.photoshoot", cascadeDescriptor(map[string]error{
		"img-1": errors.New("rejected"),
		"img-2": errors.New("rejected"),
	}))
	labels, _ := titleDescriptor(1, nil)
	h.register(t, "labels.add", labels)

	_, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.photoshoot", Value: "spring", EntityIDs: []string{"img-1", "img-2"}})
	require.NoError(t, err)
	h.wait(t)
	assert.Len(t, h.store.Batches(), 1)
}

func TestCascadeDepthIsBounded(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{MaxCascadeDepth: 2})
	d, _ := titleDescriptor(1, nil)
	d.Cascades = []catalog.Cascade{{Operation: "labels.touch"}}
	h.register(t, "labels.touch", d)

	_, err := h.orch.StartBatchUpdate(Request{Operation: "labels.touch", Value: "x", EntityIDs: []string{"img-1"}})
	require.NoError(t, err)
	h.wait(t)

	depths := make([]int, 0)
	for _, b := range h.store.Batches() {
		depths = append(depths, b.Depth)
	}
	sort.Ints(depths)
	assert.Equal(t, []int{0, 1, 2}, depths)
}

func TestBatchCompletedExactlyOncePerBatch(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{})
	d, _ := titleDescriptor(2, map[string]error{"img-3": errors.New("nope")})
	h.register(t, "metadata.title", d)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: i, EntityIDs: []string{"img-1", "img-2", "img-3"}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	h.wait(t)

	for _, id := range ids {
		assert.Equal(t, 1, h.completions(id))
		b, _ := h.store.Batch(id)
		assert.True(t, b.Complete())
		assert.Len(t, b.Entities, 3)
	}
}

func TestDismissCancelsAndRemoves(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{Sleep: poll.Sleep})
	h.register(t, "metadata.title", catalog.Descriptor{
		Write: func(context.Context, string, any) error { return nil },
		Check: func(context.Context, string, any) (catalog.CheckResult, error) {
			return catalog.CheckResult{}, nil
		},
		Policy: poll.FixedPolicy(5*time.Millisecond, 100000),
	})
	batchID, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-1"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.store.IsEntityFieldUpdating("img-1", "") }, time.Second, time.Millisecond)

	ok, err := h.orch.Dismiss(batchID)
	require.NoError(t, err)
	assert.True(t, ok)
	h.wait(t)

	_, found := h.store.Batch(batchID)
	assert.False(t, found)
	ok, err = h.orch.Dismiss(batchID)
	require.NoError(t, err)
	assert.False(t, ok, "second dismissal is a no-op")
	assert.Equal(t, 0, h.orch.Running())
}

func TestCloseCancelsRunningAndRejectsNewTriggers(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{Sleep: poll.Sleep})
	h.register(t, "metadata.title", catalog.Descriptor{
		Write: func(context.Context, string, any) error { return nil },
		Check: func(context.Context, string, any) (catalog.CheckResult, error) {
			return catalog.CheckResult{}, nil
		},
		Policy: poll.FixedPolicy(time.Hour, 2),
	})
	batchID, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-1", "img-2"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Close(ctx))

	b, _ := h.store.Batch(batchID)
	for _, id := range []string{"img-1", "img-2"} {
		assert.Equal(t, batchstore.StatusFailed, b.Entities[id].Status)
		assert.Equal(t, MessageCancelled, b.Entities[id].Error)
	}
	assert.Equal(t, 1, h.completions(batchID))

	_, err = h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-1"}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelBatchOnlyTouchesThatBatch(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{Sleep: poll.Sleep})
	release := make(chan struct{})
	h.register(t, "metadata.title", catalog.Descriptor{
		Write: func(context.Context, string, any) error { return nil },
		Check: func(_ context.Context, entityID string, _ any) (catalog.CheckResult, error) {
			if entityID != "img-3" {
				return catalog.CheckResult{}, nil
			}
			select {
			case <-release:
				return catalog.CheckResult{Applied: true}, nil
			default:
				return catalog.CheckResult{}, nil
			}
		},
		Policy: poll.FixedPolicy(2*time.Millisecond, 100000),
	})
	a, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "a", EntityIDs: []string{"img-1", "img-2"}})
	require.NoError(t, err)
	b, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "b", EntityIDs: []string{"img-3"}})
	require.NoError(t, err)

	require.Equal(t, 2, h.orch.Running())
	assert.Equal(t, 2, h.orch.CancelBatch(a))
	close(release)
	h.wait(t)

	batchA, _ := h.store.Batch(a)
	batchB, _ := h.store.Batch(b)
	for _, e := range batchA.Entities {
		assert.Equal(t, batchstore.StatusFailed, e.Status)
		assert.Equal(t, MessageCancelled, e.Error)
	}
	assert.Equal(t, batchstore.StatusSucceeded, batchB.Entities["img-3"].Status)
}

// closeOnStart closes the orchestrator right after the first batch lands in
// the store, before its tasks have been scheduled.
type closeOnStart struct {
	store *batchstore.Store
	orch  *Orchestrator
	once  sync.Once
}

func (c *closeOnStart) Apply(ev batchstore.Event) (bool, error) {
	applied, err := c.store.Apply(ev)
	if _, ok := ev.(batchstore.BatchStarted); ok && err == nil {
		c.once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_ = c.orch.Close(ctx)
		})
	}
	return applied, err
}

func TestCloseDuringStartKeepsStatusSequence(t *testing.T) {
	testlog.Start(t)
	store := batchstore.New(0)
	cat := catalog.New()
	d, _ := titleDescriptor(1, nil)
	require.NoError(t, cat.Register("metadata.title", d))

	var mu sync.Mutex
	var seq []batchstore.Status
	store.Observe(func(tr batchstore.Transition) {
		if tr.Kind == batchstore.KindEntityStatusChanged {
			mu.Lock()
			seq = append(seq, tr.Status)
			mu.Unlock()
		}
	})
	sink := &closeOnStart{store: store}
	orch := New(cat, sink, nil, Config{Sleep: instantSleep})
	sink.orch = orch

	batchID, err := orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-1"}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orch.Wait(ctx))

	mu.Lock()
	assert.Equal(t, []batchstore.Status{batchstore.StatusMutating, batchstore.StatusFailed}, seq)
	mu.Unlock()
	b, ok := store.Batch(batchID)
	require.True(t, ok)
	assert.Equal(t, MessageCancelled, b.Entities["img-1"].Error)
	assert.True(t, b.Complete())

	_, err = orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-2"}})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, store.Batches(), 1, "a refused trigger must not create a batch")
}

func TestCancelEntityAfterSettleReportsNothing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Config{Sleep: poll.Sleep})
	d, _ := titleDescriptor(1, nil)
	h.register(t, "metadata.title", d)
	h.register(t, "metadata.description", catalog.Descriptor{
		Write: func(context.Context, string, any) error { return nil },
		Check: func(context.Context, string, any) (catalog.CheckResult, error) {
			return catalog.CheckResult{}, nil
		},
		Policy: poll.FixedPolicy(2*time.Millisecond, 100000),
	})

	done, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.title", Value: "x", EntityIDs: []string{"img-1"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, _ := h.store.Batch(done)
		return b.Entities["img-1"].Status == batchstore.StatusSucceeded
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !h.orch.CancelEntity(done, "img-1") }, time.Second, time.Millisecond)
	b, _ := h.store.Batch(done)
	assert.Equal(t, batchstore.StatusSucceeded, b.Entities["img-1"].Status)

	slow, err := h.orch.StartBatchUpdate(Request{Operation: "metadata.description", Value: "x", EntityIDs: []string{"img-1", "img-2"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.store.IsEntityFieldUpdating("img-2", "") }, time.Second, time.Millisecond)
	assert.True(t, h.orch.CancelEntity(slow, "img-1"))
	require.Eventually(t, func() bool {
		b, _ := h.store.Batch(slow)
		return b.Entities["img-1"].Status == batchstore.StatusFailed
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !h.orch.CancelEntity(slow, "img-1") }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.orch.CancelBatch(slow))
	h.wait(t)
}
