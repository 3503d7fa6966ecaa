// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/exec"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var (
	identity = bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		return emit(in)
	})

	// explode emits each row of its input as a separate block.
	explode = bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		for _, row := range in.(block.Values) {
			if err := emit(block.Values{row}); err != nil {
				return err
			}
		}
		return nil
	})

	// failOn fails on blocks that contain the string "fail".
	failOn = bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		for _, row := range in.(block.Values) {
			if row == "fail" {
				return errors.E(errors.Invalid, "bad row")
			}
		}
		return emit(in)
	})

	// wait blocks until its unit is cancelled.
	wait = bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		<-ctx.Done()
		return ctx.Err()
	})

	slow = bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		time.Sleep(20 * time.Millisecond)
		return emit(in)
	})

	calls      int32
	failSecond = bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return errors.New("second unit failed")
		}
		time.Sleep(5 * time.Millisecond)
		return emit(in)
	})

	instances int32
	closed    sync.Map
	counterA  = bigcompute.Class(newCounter)
	counterB  = bigcompute.Class(newCounter)

	tally = bigcompute.Class(func() (bigcompute.Callable, error) { return new(rowTally), nil })
)

// rowTally counts the rows it has seen, without synchronization. It
// records the largest number of calls it has observed in flight.
type rowTally struct {
	rows     int
	active   int32
	overlaps int32
}

var lastTally atomic.Value

func (r *rowTally) Call(ctx context.Context, in block.Block, emit func(block.Block) error) error {
	lastTally.Store(r)
	if atomic.AddInt32(&r.active, 1) > 1 {
		atomic.AddInt32(&r.overlaps, 1)
	}
	defer atomic.AddInt32(&r.active, -1)
	time.Sleep(2 * time.Millisecond)
	r.rows += in.NumRows()
	return emit(block.Values{r.rows})
}

// counter is a callable that emits its own instance ID.
type counter struct{ id int32 }

func newCounter() (bigcompute.Callable, error) {
	return &counter{atomic.AddInt32(&instances, 1)}, nil
}

func (c *counter) Call(ctx context.Context, in block.Block, emit func(block.Block) error) error {
	return emit(block.Values{c.id})
}

func (c *counter) Close() error {
	closed.Store(c.id, true)
	return nil
}

func init() {
	exec.Register("compute.test.notready", func(context.Context, []interface{}) ([]interface{}, error) {
		return nil, errors.New("worker failed to initialize")
	})
	exec.Register("compute.test.invoke", func(ctx context.Context, args []interface{}) ([]interface{}, error) {
		t, err := bigcompute.Lookup(args[0].(int))
		if err != nil {
			return nil, err
		}
		var out block.Block
		err = invokable(t)(ctx, block.Values{}, func(b block.Block) error {
			out = b
			return nil
		})
		return []interface{}{out}, err
	})
}

// countingSubstrate counts the workers spawned on a substrate.
type countingSubstrate struct {
	exec.Substrate
	spawned int32

	mu   sync.Mutex
	opts []exec.Options
}

func (c *countingSubstrate) SpawnWorker(ctx context.Context, opts exec.Options) *exec.Worker {
	atomic.AddInt32(&c.spawned, 1)
	c.mu.Lock()
	c.opts = append(c.opts, opts)
	c.mu.Unlock()
	return c.Substrate.SpawnWorker(ctx, opts)
}

func (c *countingSubstrate) Spawned() int { return int(atomic.LoadInt32(&c.spawned)) }

// notReadySubstrate fails the readiness probes of the workers it
// spawns.
type notReadySubstrate struct {
	exec.Substrate
}

func (n notReadySubstrate) Invoke(ctx context.Context, w *exec.Worker, fn string, numReturns int, args ...interface{}) []exec.Ref {
	if fn == readyFunc {
		fn = "compute.test.notready"
	}
	return n.Substrate.Invoke(ctx, w, fn, numReturns, args...)
}

func testSession(t *testing.T, p int, options ...Option) (*Session, *countingSubstrate) {
	t.Helper()
	sub := &countingSubstrate{Substrate: exec.NewLocal(p)}
	sess := Start(append([]Option{Substrate(sub), Parallelism(p)}, options...)...)
	return sess, sub
}

// makeList puts the provided blocks and returns a list of them. The
// input files of block i is file<i>.
func makeList(sess *Session, blocks ...block.Values) *block.List {
	entries := make([]block.Entry, len(blocks))
	for i, b := range blocks {
		entries[i] = block.Entry{
			Ref:  sess.Substrate().Put(context.Background(), b, ""),
			Meta: block.MetadataFor(b, []string{fmt.Sprintf("file%d", i)}, nil),
		}
	}
	return block.NewList(entries)
}

func intBlocks(n int) []block.Values {
	blocks := make([]block.Values, n)
	for i := range blocks {
		blocks[i] = block.Values{i, i * 10, i * 100}
	}
	return blocks
}

// contents resolves the blocks of the list.
func contents(t *testing.T, sess *Session, l *block.List) []block.Values {
	t.Helper()
	entries, err := l.Entries()
	assert.NoError(t, err)
	out := make([]block.Values, len(entries))
	for i, e := range entries {
		v, err := sess.Substrate().Resolve(context.Background(), e.Ref)
		assert.NoError(t, err)
		out[i] = v.(block.Values)
		expect.EQ(t, e.Meta.NumRows, out[i].NumRows())
		expect.EQ(t, e.Meta.SizeBytes, out[i].SizeBytes())
	}
	return out
}

func checkDrained(t *testing.T, sess *Session) {
	t.Helper()
	expect.EQ(t, sess.Substrate().Stats()["outstanding"], int64(0))
}

func TestSelect(t *testing.T) {
	for _, spec := range []interface{}{nil, "", "tasks", TaskPool{}} {
		s, err := Select(spec)
		assert.NoError(t, err)
		expect.EQ(t, s, Strategy(TaskPool{}))
	}
	s, err := Select("actors")
	assert.NoError(t, err)
	expect.EQ(t, s, Strategy(&ActorPool{MinSize: 1}))
	pool := &ActorPool{MinSize: 2, MaxSize: 8}
	s, err = Select(pool)
	assert.NoError(t, err)
	expect.True(t, s == Strategy(pool))

	for _, spec := range []interface{}{"actor", "TASKS", 1, struct{}{}} {
		_, err := Select(spec)
		expect.True(t, errors.Is(errors.Invalid, err), "spec %v: %v", spec, err)
	}
}

func TestNewActorPool(t *testing.T) {
	for _, c := range []struct {
		min, max int
		ok       bool
	}{
		{1, 0, true},
		{2, 2, true},
		{2, 10, true},
		{0, 0, false},
		{-1, 5, false},
		{3, 2, false},
		{1, -1, false},
	} {
		_, err := NewActorPool(c.min, c.max)
		if c.ok {
			expect.NoError(t, err)
		} else {
			expect.True(t, errors.Is(errors.Invalid, err), "min=%d max=%d: %v", c.min, c.max, err)
		}
	}
}

func TestTaskPoolOrder(t *testing.T) {
	sess, _ := testSession(t, 2)
	ctx := context.Background()
	blocks := intBlocks(5)
	in := makeList(sess, blocks...)
	out, err := TaskPool{}.Apply(ctx, sess, identity, exec.Options{}, in, false)
	assert.NoError(t, err)
	expect.EQ(t, contents(t, sess, out), blocks)
	for i, meta := range out.Metadata() {
		expect.EQ(t, meta.InputFiles, []string{fmt.Sprintf("file%d", i)})
		assert.NotNil(t, meta.ExecStats)
	}
	expect.False(t, in.Cleared())
	expect.EQ(t, sess.Substrate().Stats()["submitted"], int64(5))
	checkDrained(t, sess)
}

func TestTaskPoolEmpty(t *testing.T) {
	for _, strategy := range []Strategy{TaskPool{}, &ActorPool{MinSize: 2}} {
		sess, sub := testSession(t, 4)
		in := makeList(sess)
		out, err := strategy.Apply(context.Background(), sess, identity, exec.Options{}, in, true)
		assert.NoError(t, err)
		expect.EQ(t, out.Len(), 0)
		stats := sess.Substrate().Stats()
		expect.EQ(t, stats["submitted"], int64(0))
		if pool, ok := strategy.(*ActorPool); ok {
			// The minimum pool is spawned, but only probes are invoked.
			expect.EQ(t, sub.Spawned(), pool.MinSize)
			expect.EQ(t, stats["invoked"], int64(pool.MinSize))
			expect.EQ(t, stats["workers"], int64(0))
		} else {
			expect.True(t, out == in)
		}
		checkDrained(t, sess)
	}
}

func TestClearInput(t *testing.T) {
	for _, strategy := range []Strategy{TaskPool{}, &ActorPool{MinSize: 1, MaxSize: 2}} {
		sess, _ := testSession(t, 2)
		in := makeList(sess, intBlocks(4)...)
		out, err := strategy.Apply(context.Background(), sess, identity, exec.Options{}, in, true)
		assert.NoError(t, err)
		expect.True(t, in.Cleared())
		expect.EQ(t, in.InitialLen(), 4)
		expect.EQ(t, out.Len(), 4)
		_, err = in.Entries()
		expect.True(t, errors.Is(errors.Invalid, err))
		// Cleared lists cannot be mapped again.
		_, err = strategy.Apply(context.Background(), sess, identity, exec.Options{}, in, false)
		expect.True(t, errors.Is(errors.Invalid, err))
	}
}

func TestSplitMerge(t *testing.T) {
	// Block i has i+1 rows; block 2 is empty.
	blocks := []block.Values{{0}, {1, 2}, {}, {3, 4, 5, 6}}
	for _, strategy := range []Strategy{TaskPool{}, &ActorPool{MinSize: 2, MaxSize: 2}} {
		sess, _ := testSession(t, 4, BlockSplitting, BlockOwner("owner"))
		out, err := strategy.Apply(context.Background(), sess, explode, exec.Options{}, makeList(sess, blocks...), false)
		assert.NoError(t, err)
		expect.EQ(t, out.Len(), 7)
		for _, e := range out.Refs() {
			expect.EQ(t, e.Owner, "owner")
		}
		for _, meta := range out.Metadata() {
			expect.EQ(t, meta.NumRows, 1)
			expect.EQ(t, len(meta.InputFiles), 1)
		}
		expect.EQ(t, out.NumRows(), 7)
		checkDrained(t, sess)

		sess, _ = testSession(t, 4)
		out, err = strategy.Apply(context.Background(), sess, explode, exec.Options{}, makeList(sess, blocks...), false)
		assert.NoError(t, err)
		expect.EQ(t, out.Len(), len(blocks))
		expect.EQ(t, out.NumRows(), 7)
	}
}

func TestSplitOrder(t *testing.T) {
	sess, _ := testSession(t, 3, BlockSplitting)
	blocks := []block.Values{{"a", "b"}, {"c"}, {"d", "e", "f"}}
	out, err := TaskPool{}.Apply(context.Background(), sess, explode, exec.Options{}, makeList(sess, blocks...), false)
	assert.NoError(t, err)
	expect.EQ(t, contents(t, sess, out), []block.Values{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}, {"f"}})
	expect.EQ(t, out.Metadata()[2].InputFiles, []string{"file1"})
}

func TestTaskPoolFailure(t *testing.T) {
	sess, _ := testSession(t, 2)
	blocks := intBlocks(10)
	blocks[6] = block.Values{"fail"}
	_, err := TaskPool{}.Apply(context.Background(), sess, failOn, exec.Options{}, makeList(sess, blocks...), false)
	expect.True(t, errors.Is(errors.Remote, err), "%v", err)
	expect.True(t, strings.Contains(err.Error(), "bad row"), err.Error())
	checkDrained(t, sess)
}

func TestInterrupt(t *testing.T) {
	for _, strategy := range []Strategy{TaskPool{}, &ActorPool{MinSize: 2, MaxSize: 2}} {
		sess, _ := testSession(t, 2)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := strategy.Apply(ctx, sess, wait, exec.Options{}, makeList(sess, intBlocks(5)...), false)
		cancel()
		// Interrupts are returned as is.
		expect.EQ(t, err, context.DeadlineExceeded)
		checkDrained(t, sess)
		stats := sess.Substrate().Stats()
		expect.EQ(t, stats["workers"], int64(0))
		expect.EQ(t, stats["failed"], int64(0))
	}
}

func TestActorPoolBounded(t *testing.T) {
	sess, sub := testSession(t, 8)
	pool := &ActorPool{MinSize: 3, MaxSize: 3}
	out, err := pool.Apply(context.Background(), sess, slow, exec.Options{}, makeList(sess, intBlocks(30)...), false)
	assert.NoError(t, err)
	expect.EQ(t, out.Len(), 30)
	expect.EQ(t, sub.Spawned(), 3)
	for _, opts := range sub.opts {
		expect.EQ(t, opts, exec.Options{NumCPUs: 1})
	}
	checkDrained(t, sess)
	expect.EQ(t, sess.Substrate().Stats()["workers"], int64(0))
	expect.EQ(t, sub.Substrate.(*exec.Local).Peaks()["workers"], int64(3))
}

func TestActorPoolScaleUp(t *testing.T) {
	sess, sub := testSession(t, 8)
	pool := &ActorPool{MinSize: 1, MaxSize: 4}
	blocks := intBlocks(40)
	out, err := pool.Apply(context.Background(), sess, slow, exec.Options{NumCPUs: 2}, makeList(sess, blocks...), false)
	assert.NoError(t, err)
	expect.True(t, sub.Spawned() > 1, "spawned %d", sub.Spawned())
	expect.True(t, sub.Spawned() <= 4, "spawned %d", sub.Spawned())
	expect.EQ(t, sub.opts[0], exec.Options{NumCPUs: 2})
	// The output is a permutation of the input.
	seen := make(map[int]bool)
	for _, b := range contents(t, sess, out) {
		seen[b[0].(int)] = true
	}
	expect.EQ(t, len(seen), len(blocks))
}

func TestShouldScale(t *testing.T) {
	for _, c := range []struct {
		pool     ActorPool
		n, ready int
		want     bool
	}{
		{ActorPool{MinSize: 1}, 10, 8, false},
		{ActorPool{MinSize: 1}, 10, 9, true},
		{ActorPool{MinSize: 1, MaxSize: 10}, 10, 10, false},
		{ActorPool{MinSize: 1, ScaleUpReadyFraction: 0.5}, 10, 6, true},
		{ActorPool{MinSize: 1, ScaleUpReadyFraction: 1e-9}, 10, 1, true},
		{ActorPool{MinSize: 1, ScaleUpReadyFraction: 1e-9}, 10, 0, false},
		{ActorPool{MinSize: 1, ScaleUpReadyFraction: 1}, 4, 4, false},
	} {
		expect.EQ(t, c.pool.shouldScale(c.n, c.ready), c.want, "%+v n=%d ready=%d", c.pool, c.n, c.ready)
	}
}

func TestActorPoolNoScaleUpWhenCold(t *testing.T) {
	sess, sub := testSession(t, 8)
	// The ready fraction of a pool can never exceed 1.
	pool := &ActorPool{MinSize: 1, MaxSize: 4, ScaleUpReadyFraction: 1}
	_, err := pool.Apply(context.Background(), sess, slow, exec.Options{}, makeList(sess, intBlocks(10)...), false)
	assert.NoError(t, err)
	expect.EQ(t, sub.Spawned(), 1)
}

func TestActorPoolFailure(t *testing.T) {
	atomic.StoreInt32(&calls, 0)
	sess, _ := testSession(t, 4)
	pool, err := NewActorPool(1, 2)
	assert.NoError(t, err)
	_, err = pool.Apply(context.Background(), sess, failSecond, exec.Options{}, makeList(sess, intBlocks(3)...), false)
	expect.True(t, errors.Is(errors.Remote, err), "%v", err)
	expect.True(t, strings.Contains(err.Error(), "second unit failed"), err.Error())
	checkDrained(t, sess)
	expect.EQ(t, sess.Substrate().Stats()["workers"], int64(0))
}

func TestActorPoolNotReady(t *testing.T) {
	sub := notReadySubstrate{exec.NewLocal(4)}
	sess := Start(Substrate(sub), Parallelism(4))
	pool, err := NewActorPool(2, 3)
	assert.NoError(t, err)
	_, err = pool.Apply(context.Background(), sess, identity, exec.Options{}, makeList(sess, intBlocks(5)...), false)
	assert.NotNil(t, err)
	expect.True(t, errors.Is(errors.Remote, err), "%v", err)
	expect.True(t, strings.Contains(err.Error(), "worker failed to initialize"), err.Error())
	checkDrained(t, sess)
	expect.EQ(t, sess.Substrate().Stats()["workers"], int64(0))
}

func TestActorPoolInvalid(t *testing.T) {
	sess, sub := testSession(t, 2)
	_, err := (&ActorPool{MinSize: 3, MaxSize: 1}).Apply(context.Background(), sess, identity, exec.Options{}, makeList(sess, intBlocks(3)...), false)
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.EQ(t, sub.Spawned(), 0)
}

func TestWrap(t *testing.T) {
	fn, err := Wrap(identity, nil)
	assert.NoError(t, err)
	expect.NotNil(t, fn)

	_, err = Wrap(counterA, nil)
	expect.True(t, errors.Is(errors.Invalid, err))

	// Outside of a substrate, the instance is held by the invokable.
	fn, err = Wrap(counterA, TaskPool{})
	assert.NoError(t, err)
	var ids []int32
	emit := func(b block.Block) error {
		ids = append(ids, b.(block.Values)[0].(int32))
		return nil
	}
	assert.NoError(t, fn(context.Background(), block.Values{}, emit))
	assert.NoError(t, fn(context.Background(), block.Values{}, emit))
	assert.EQ(t, len(ids), 2)
	expect.EQ(t, ids[0], ids[1])
}

func TestTaskPoolClassSerial(t *testing.T) {
	sess, _ := testSession(t, 4)
	blocks := intBlocks(8)
	out, err := sess.Map(context.Background(), makeList(sess, blocks...), tally, "tasks", exec.Options{}, false)
	assert.NoError(t, err)
	expect.EQ(t, out.Len(), len(blocks))
	r := lastTally.Load().(*rowTally)
	expect.EQ(t, atomic.LoadInt32(&r.overlaps), int32(0))
	// Units in one process share the instance, so the tally covers all
	// rows.
	expect.EQ(t, r.rows, 3*len(blocks))
	checkDrained(t, sess)
}

func TestCacheWorker(t *testing.T) {
	sub := exec.NewLocal(1)
	ctx := context.Background()
	w := sub.SpawnWorker(ctx, exec.Options{})
	call := func(class *bigcompute.Transform) int32 {
		t.Helper()
		v, err := sub.Resolve(ctx, sub.Invoke(ctx, w, "compute.test.invoke", 1, class.Index())[0])
		assert.NoError(t, err)
		return v.(block.Values)[0].(int32)
	}
	a1 := call(counterA)
	expect.EQ(t, call(counterA), a1)
	// Binding another class replaces the instance.
	b1 := call(counterB)
	expect.True(t, b1 != a1)
	_, ok := closed.Load(a1)
	expect.True(t, ok)
	a2 := call(counterA)
	expect.True(t, a2 != a1)
	_, ok = closed.Load(b1)
	expect.True(t, ok)
	// Releasing the worker closes its instance.
	sub.Release(w)
	_, ok = closed.Load(a2)
	expect.True(t, ok)

	// Workers do not share instances.
	w1, w2 := sub.SpawnWorker(ctx, exec.Options{}), sub.SpawnWorker(ctx, exec.Options{})
	defer sub.Release(w2)
	id1 := call2(t, sub, w1, counterA)
	sub.Release(w1)
	expect.True(t, call2(t, sub, w2, counterA) != id1)
}

func call2(t *testing.T, sub exec.Substrate, w *exec.Worker, class *bigcompute.Transform) int32 {
	t.Helper()
	v, err := sub.Resolve(context.Background(), sub.Invoke(context.Background(), w, "compute.test.invoke", 1, class.Index())[0])
	assert.NoError(t, err)
	return v.(block.Values)[0].(int32)
}

func TestActorPoolClassReuse(t *testing.T) {
	sess, _ := testSession(t, 2)
	pool := &ActorPool{MinSize: 1, MaxSize: 1}
	out, err := pool.Apply(context.Background(), sess, counterA, exec.Options{}, makeList(sess, intBlocks(6)...), false)
	assert.NoError(t, err)
	ids := make(map[int32]bool)
	for _, b := range contents(t, sess, out) {
		ids[b[0].(int32)] = true
	}
	expect.EQ(t, len(ids), 1)
}

func TestSessionStats(t *testing.T) {
	sub := exec.NewLocal(2)
	first := Start(Substrate(sub), Parallelism(2))
	_, err := TaskPool{}.Apply(context.Background(), first, identity, exec.Options{}, makeList(first, intBlocks(3)...), false)
	assert.NoError(t, err)
	// A session sharing the substrate accounts only for its own work.
	second := Start(Substrate(sub), Parallelism(2))
	expect.EQ(t, second.Stats()["submitted"], int64(0))
	_, err = TaskPool{}.Apply(context.Background(), second, identity, exec.Options{}, makeList(second, intBlocks(2)...), false)
	assert.NoError(t, err)
	expect.EQ(t, second.Stats()["submitted"], int64(2))
	expect.EQ(t, first.Stats()["submitted"], int64(5))
}

func TestSessionMap(t *testing.T) {
	sess, _ := testSession(t, 2)
	ctx := context.Background()
	in := makeList(sess, intBlocks(3)...)

	_, err := sess.Map(ctx, in, identity, "bogus", exec.Options{}, false)
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.EQ(t, sess.Substrate().Stats()["submitted"], int64(0))

	out, err := sess.Map(ctx, in, identity, nil, exec.Options{}, false)
	assert.NoError(t, err)
	expect.EQ(t, out.Len(), 3)

	out, err = sess.Map(ctx, in, counterB, "actors", exec.Options{}, true)
	assert.NoError(t, err)
	expect.EQ(t, out.Len(), 3)
	expect.True(t, in.Cleared())
}
