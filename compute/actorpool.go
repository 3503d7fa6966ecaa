// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/exec"
)

const (
	// DefaultPollInterval is the default interval after which an
	// actor pool with no completed units considers scaling up.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultScaleUpReadyFraction is the default fraction of an actor
	// pool's workers that must be ready before the pool scales up.
	DefaultScaleUpReadyFraction = 0.8
)

// ActorPool is a stateful, autoscaling strategy. It maintains a pool
// of persistent workers, between MinSize and MaxSize of them, each of
// which maps one block at a time. Workers are spawned as the pool
// becomes saturated: whenever no unit completes within PollInterval,
// and more than ScaleUpReadyFraction of the workers are ready, a new
// worker is added.
//
// Blocks are assigned to workers greedily, in reverse order of the
// input, and results are collected in completion order: ActorPool
// does not preserve the order of its input.
//
// The pool's workers are released when Apply returns.
type ActorPool struct {
	// MinSize is the number of workers started up front. It must be at
	// least 1.
	MinSize int
	// MaxSize is the maximum number of workers. If it is zero, the
	// pool is unbounded. Otherwise it must be at least MinSize.
	MaxSize int
	// PollInterval is the time to wait for a unit to complete before
	// considering scaling up. DefaultPollInterval is used if it is
	// zero.
	PollInterval time.Duration
	// ScaleUpReadyFraction is the fraction of workers that must be
	// ready for the pool to scale up: the pool scales up when more than
	// this fraction is ready. It must be in [0, 1]. Zero means
	// DefaultScaleUpReadyFraction; a pool that should scale up as soon
	// as any worker is ready sets a small positive fraction instead.
	ScaleUpReadyFraction float64
}

// NewActorPool returns a new actor pool with the provided bounds and
// default tunables. A max of zero means the pool is unbounded.
func NewActorPool(min, max int) (*ActorPool, error) {
	p := &ActorPool{MinSize: min, MaxSize: max}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ActorPool) validate() error {
	switch {
	case p == nil:
		return errors.E(errors.Invalid, "nil actor pool")
	case p.MinSize < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("actor pool min size must be >= 1, got %d", p.MinSize))
	case p.MaxSize < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("actor pool max size must be >= 0, got %d", p.MaxSize))
	case p.MaxSize > 0 && p.MaxSize < p.MinSize:
		return errors.E(errors.Invalid, fmt.Sprintf("actor pool max size %d is less than min size %d", p.MaxSize, p.MinSize))
	case p.PollInterval < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("negative poll interval %s", p.PollInterval))
	case p.ScaleUpReadyFraction < 0 || p.ScaleUpReadyFraction > 1:
		return errors.E(errors.Invalid, fmt.Sprintf("scale-up ready fraction %v not in [0, 1]", p.ScaleUpReadyFraction))
	}
	return nil
}

// String implements Strategy.
func (p *ActorPool) String() string {
	if p.MaxSize == 0 {
		return fmt.Sprintf("actors(min=%d, max=unbounded)", p.MinSize)
	}
	return fmt.Sprintf("actors(min=%d, max=%d)", p.MinSize, p.MaxSize)
}

func (p *ActorPool) pollInterval() time.Duration {
	if p.PollInterval == 0 {
		return DefaultPollInterval
	}
	return p.PollInterval
}

func (p *ActorPool) readyFraction() float64 {
	if p.ScaleUpReadyFraction == 0 {
		return DefaultScaleUpReadyFraction
	}
	return p.ScaleUpReadyFraction
}

// shouldScale tells whether a pool of n workers, of which ready are
// ready, should spawn another worker.
func (p *ActorPool) shouldScale(n, ready int) bool {
	if p.MaxSize > 0 && n >= p.MaxSize {
		return false
	}
	return float64(ready)/float64(n) > p.readyFraction()
}

// Apply implements Strategy. MinSize workers are spawned even if
// blocks is empty. If opts is empty, each worker requests a single
// CPU.
func (p *ActorPool) Apply(ctx context.Context, sess *Session, t *bigcompute.Transform, opts exec.Options, blocks *block.List, clearInput bool) (*block.List, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, err := Wrap(t, p); err != nil {
		return nil, err
	}
	stack, err := blocks.Entries()
	if err != nil {
		return nil, err
	}
	size := blocks.SizeBytes()
	if clearInput {
		blocks.Clear()
	}
	if opts.IsZero() {
		opts = exec.Options{NumCPUs: 1}
	}
	split := sess.BlockSplitting()
	r := &actorRun{
		ActorPool: p,
		ctx:       ctx,
		sub:       sess.Substrate(),
		t:         t,
		opts:      opts,
		owner:     sess.BlockOwner(),
		split:     split,
		stack:     stack,
		total:     len(stack),
		probes:    make(map[uint64]*exec.Worker),
		units:     make(map[uint64]*exec.Worker),
		meta:      make(map[uint64]exec.Ref),
		progress:  newProgress(sess, fmt.Sprintf("map %s", t), len(stack), size),
	}
	r.fn, r.numReturns = mapFunc(split)
	defer r.shutdown()
	out, err := r.run()
	r.progress.Done(err)
	return out, err
}

// An actorRun is the state of a single application of an actor pool.
// It is accessed only by the goroutine running Apply.
type actorRun struct {
	*ActorPool
	ctx        context.Context
	sub        exec.Substrate
	t          *bigcompute.Transform
	opts       exec.Options
	owner      string
	split      bool
	fn         string
	numReturns int
	progress   *progress

	// stack holds the blocks that remain to be dispatched; blocks are
	// popped from its end.
	stack []block.Entry
	total int

	workers []*exec.Worker
	ready   int
	// probes and units map the IDs of the outstanding readiness probes
	// and map units to the workers running them.
	probes map[uint64]*exec.Worker
	units  map[uint64]*exec.Worker
	// meta holds the metadata refs of merge-mode units.
	meta map[uint64]exec.Ref
	// outstanding is the set of refs that are awaited.
	outstanding []exec.Ref
	completed   []exec.Ref
}

func (r *actorRun) spawn() {
	w := r.sub.SpawnWorker(r.ctx, r.opts)
	r.workers = append(r.workers, w)
	probe := r.sub.Invoke(r.ctx, w, readyFunc, 1)[0]
	r.probes[probe.ID] = w
	r.outstanding = append(r.outstanding, probe)
	log.Debug.Printf("%s: spawned %s (%d workers, %d ready)", r.ActorPool, w, len(r.workers), r.ready)
}

func (r *actorRun) dispatch(w *exec.Worker) {
	n := len(r.stack)
	e := r.stack[n-1]
	r.stack[n-1] = block.Entry{}
	r.stack = r.stack[:n-1]
	refs := r.sub.Invoke(r.ctx, w, r.fn, r.numReturns, mapArgs(r.t, r.owner, e)...)
	r.units[refs[0].ID] = w
	if !r.split {
		r.meta[refs[0].ID] = refs[1]
	}
	r.outstanding = append(r.outstanding, refs[0])
}

// inflight returns all refs of outstanding probes and units.
func (r *actorRun) inflight() []exec.Ref {
	refs := append([]exec.Ref(nil), r.outstanding...)
	for _, ref := range r.outstanding {
		if meta, ok := r.meta[ref.ID]; ok {
			refs = append(refs, meta)
		}
	}
	return refs
}

func (r *actorRun) run() (*block.List, error) {
	for i := 0; i < r.MinSize; i++ {
		r.spawn()
	}
	for len(r.completed) < r.total {
		ready, pending, err := r.sub.Wait(r.ctx, r.outstanding, r.pollInterval(), 1)
		if err != nil {
			cancelAndDrain(r.sub, r.inflight())
			return nil, err
		}
		if len(ready) == 0 {
			if r.shouldScale(len(r.workers), r.ready) {
				r.spawn()
			}
			continue
		}
		if err := fail(r.ctx, r.sub, ready); err != nil {
			cancelAndDrain(r.sub, r.inflight())
			return nil, err
		}
		r.outstanding = pending
		ref := ready[0]
		w, ok := r.probes[ref.ID]
		if ok {
			delete(r.probes, ref.ID)
			r.ready++
		} else {
			w = r.units[ref.ID]
			delete(r.units, ref.ID)
			r.completed = append(r.completed, ref)
			r.progress.Update(len(r.completed), fmt.Sprintf("%d workers (%d ready)", len(r.workers), r.ready))
		}
		if len(r.stack) > 0 {
			r.dispatch(w)
		}
	}
	return r.collect()
}

// collect reassembles the completed units, in completion order.
func (r *actorRun) collect() (*block.List, error) {
	var entries []block.Entry
	for _, ref := range r.completed {
		if r.split {
			v, err := r.sub.Resolve(r.ctx, ref)
			if err != nil {
				return nil, err
			}
			part, err := asPartition(v)
			if err != nil {
				return nil, err
			}
			entries = append(entries, part...)
			continue
		}
		v, err := r.sub.Resolve(r.ctx, r.meta[ref.ID])
		if err != nil {
			return nil, err
		}
		meta, ok := v.(block.Metadata)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("unexpected metadata %T", v))
		}
		entries = append(entries, block.Entry{Ref: ref, Meta: meta})
	}
	return block.NewList(entries), nil
}

// shutdown releases all of the pool's workers and waits for any
// remaining readiness probes to settle.
func (r *actorRun) shutdown() {
	for _, w := range r.workers {
		r.sub.Release(w)
	}
	if len(r.outstanding) > 0 {
		cancelAndDrain(r.sub, r.inflight())
	}
	log.Debug.Printf("%s: released %d workers", r.ActorPool, len(r.workers))
}
