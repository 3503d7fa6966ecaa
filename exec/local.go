// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcompute/stats"
)

// Local is a substrate that runs units in-process in separate
// goroutines. Parallelism is limited to a fixed number of procs:
// each running unit holds its procs while it runs, and each worker
// holds its procs for its lifetime. All values are held in memory.
type Local struct {
	p       int
	limiter *limiter.Limiter
	state   *State
	stats   *stats.Map
}

// NewLocal returns a new local substrate with p procs.
func NewLocal(p int) *Local {
	if p <= 0 {
		panic("exec.NewLocal: p <= 0")
	}
	l := &Local{
		p:       p,
		limiter: limiter.New(),
		state:   NewState(),
		stats:   stats.NewMap(),
	}
	l.limiter.Release(p)
	return l
}

// Submit implements Substrate.
func (l *Local) Submit(_ context.Context, opts Options, fn string, numReturns int, args ...interface{}) []Ref {
	l.stats.Int("submitted").Add(1)
	u := newUnit(context.Background(), fn, numReturns, "", l.stats)
	go func() {
		n := opts.procs(l.p)
		if err := l.limiter.Acquire(u.ctx, n); err != nil {
			u.Done(nil, err)
			return
		}
		defer l.limiter.Release(n)
		l.run(u, l.state, args)
	}()
	return u.refs
}

// SpawnWorker implements Substrate.
func (l *Local) SpawnWorker(_ context.Context, opts Options) *Worker {
	w := newWorker(opts)
	w.impl = NewState()
	l.stats.Int("workers").Add(1)
	go func() {
		if err := l.limiter.Acquire(w.ctx, opts.procs(l.p)); err != nil {
			w.err = errors.E(errors.Canceled, fmt.Sprintf("%s released before it started", w), err)
		}
		close(w.ready)
	}()
	return w
}

// Invoke implements Substrate.
func (l *Local) Invoke(_ context.Context, w *Worker, fn string, numReturns int, args ...interface{}) []Ref {
	l.stats.Int("invoked").Add(1)
	u := newUnit(w.ctx, fn, numReturns, "", l.stats)
	go func() {
		unlock, err := w.start(u.ctx)
		if err != nil {
			u.Done(nil, err)
			return
		}
		defer unlock()
		l.run(u, w.impl.(*State), args)
	}()
	return u.refs
}

func (l *Local) run(u *unit, state *State, args []interface{}) {
	u.Running()
	args, err := l.resolveArgs(u.ctx, args)
	if err != nil {
		u.Done(nil, err)
		return
	}
	ctx := withEnv(u.ctx, &env{state: state, put: l.Put})
	u.Done(call(ctx, u.name, len(u.futures), args))
}

func (l *Local) resolveArgs(ctx context.Context, args []interface{}) ([]interface{}, error) {
	resolved := make([]interface{}, len(args))
	for i, arg := range args {
		ref, ok := arg.(Ref)
		if !ok {
			resolved[i] = arg
			continue
		}
		v, err := l.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		resolved[i] = v
	}
	return resolved, nil
}

// Wait implements Substrate.
func (l *Local) Wait(ctx context.Context, refs []Ref, timeout time.Duration, n int) (ready, pending []Ref, err error) {
	return Wait(ctx, refs, timeout, n)
}

// Cancel implements Substrate.
func (l *Local) Cancel(ref Ref) {
	cancelRef(ref)
}

// Resolve implements Substrate.
func (l *Local) Resolve(ctx context.Context, ref Ref) (interface{}, error) {
	if ref.f == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("%s is not held by this process", ref))
	}
	return ref.f.wait(ctx)
}

// Put implements Substrate.
func (l *Local) Put(_ context.Context, value interface{}, owner string) Ref {
	l.stats.Int("puts").Add(1)
	return putValue(value, owner)
}

// Release implements Substrate.
func (l *Local) Release(w *Worker) {
	unlock, ok := w.markReleased()
	if !ok {
		return
	}
	defer unlock()
	if w.err == nil {
		l.limiter.Release(w.Options.procs(l.p))
	}
	if err := w.impl.(*State).Close(); err != nil {
		log.Error.Printf("%s: error closing state: %v", w, err)
	}
	l.stats.Int("workers").Add(-1)
}

// Stats implements Substrate.
func (l *Local) Stats() stats.Values {
	return l.stats.Values()
}

// Peaks returns the peak values of the substrate's counters.
func (l *Local) Peaks() stats.Values {
	return l.stats.Peaks()
}

// Shutdown implements Substrate. It is a no-op for local substrates.
func (*Local) Shutdown() {}
