// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements execution substrates for bigcompute: the
// runtimes that run units of work, either in process or on a cluster
// of bigmachine machines, and that manage the refs that hold their
// results.
package exec

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcompute/stats"
)

// Options are resource requests attached to a unit of work or a
// worker. They are interpreted by the substrate.
type Options struct {
	// NumCPUs is the number of procs required. Zero is taken to mean
	// one.
	NumCPUs int
	// NumGPUs is the number of GPUs required.
	NumGPUs int
	// Resources are custom resource requests.
	Resources map[string]float64
}

// IsZero tells whether no options are set.
func (o Options) IsZero() bool {
	return o.NumCPUs == 0 && o.NumGPUs == 0 && len(o.Resources) == 0
}

// procs returns the number of procs to allocate for o, given a
// substrate capacity of p procs.
func (o Options) procs(p int) int {
	n := o.NumCPUs
	if n < 1 {
		n = 1
	}
	if n > p {
		n = p
	}
	return n
}

// A Worker is a persistent, stateful unit of execution managed by a
// substrate. Calls to a worker are run one at a time, and share the
// worker's local State.
type Worker struct {
	// ID identifies the worker within its substrate.
	ID      uint64
	Options Options

	ctx    context.Context
	cancel func()
	ready  chan struct{}
	// err is set before ready is closed if the worker failed to start.
	err error
	// mu serializes calls on the worker.
	mu       sync.Mutex
	released bool
	// impl is substrate-specific worker state.
	impl interface{}
}

func newWorker(opts Options) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		ID:      nextRefID(),
		Options: opts,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}
}

// Started returns a channel that is closed once the worker has
// started (or failed to start).
func (w *Worker) Started() <-chan struct{} { return w.ready }

// String returns a short description of the worker.
func (w *Worker) String() string { return fmt.Sprintf("worker %d", w.ID) }

// start waits for the worker to start and then locks it for a call.
// The returned function unlocks the worker.
func (w *Worker) start(ctx context.Context) (unlock func(), err error) {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if w.err != nil {
		return nil, w.err
	}
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil, errors.E(errors.Canceled, fmt.Sprintf("%s was released", w))
	}
	if err := ctx.Err(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	return w.mu.Unlock, nil
}

// markReleased cancels the worker, waits for it to start and for any
// running call to finish, and then marks it released. The returned
// function must be called to unlock the worker, unless ok is false,
// in which case the worker had already been released.
func (w *Worker) markReleased() (unlock func(), ok bool) {
	w.cancel()
	<-w.ready
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil, false
	}
	w.released = true
	return w.mu.Unlock, true
}

// A Substrate runs units of work and manages their results. All
// methods are safe for concurrent use.
//
// Units are named by the registered name of the func that they run
// (see Register). Units run independently of the context passed to
// Submit and Invoke: they can be stopped only by Cancel.
type Substrate interface {
	// Submit runs the named func with the provided arguments as a
	// stateless unit, returning numReturns refs for its results.
	Submit(ctx context.Context, opts Options, fn string, numReturns int, args ...interface{}) []Ref

	// SpawnWorker creates a new worker. The worker is started
	// asynchronously: calls invoked on it run once it is ready.
	SpawnWorker(ctx context.Context, opts Options) *Worker

	// Invoke runs the named func on the provided worker, returning
	// numReturns refs for its results. The func runs with the worker's
	// local state.
	Invoke(ctx context.Context, w *Worker, fn string, numReturns int, args ...interface{}) []Ref

	// Wait waits for at least n of the provided refs to become
	// terminal, or for the timeout to expire. See the package-level
	// Wait for details.
	Wait(ctx context.Context, refs []Ref, timeout time.Duration, n int) (ready, pending []Ref, err error)

	// Cancel cancels the unit that computes the provided ref, if it is
	// still outstanding. Cancellation is best-effort: a unit may still
	// complete successfully after it was cancelled.
	Cancel(Ref)

	// Resolve returns the ref's value, blocking until it is available.
	// Resolve returns an errors.Remote error if the unit failed and an
	// errors.Canceled error if the unit was cancelled.
	Resolve(ctx context.Context, ref Ref) (interface{}, error)

	// Put registers a locally produced value with the substrate,
	// returning a ref to it. The owner is a hint naming the logical
	// owner of the value.
	Put(ctx context.Context, value interface{}, owner string) Ref

	// Release releases the worker and its resources. Outstanding calls
	// on the worker are cancelled; Release waits for a running call to
	// return. Releasing a worker twice is a no-op.
	Release(*Worker)

	// Stats returns a snapshot of the substrate's counters.
	Stats() stats.Values

	// Shutdown shuts down the substrate.
	Shutdown()
}

// A Func is a function that can be run by a substrate. Funcs return
// one value for each of the refs of the unit that runs them.
type Func func(ctx context.Context, args []interface{}) ([]interface{}, error)

var (
	funcsMu sync.Mutex
	funcs   = make(map[string]Func)
)

// Register registers a func by name so that it can be run by
// substrates. Since funcs may be run in other processes of the same
// binary, they must be registered at package initialization time.
// Register panics if the name is already registered.
func Register(name string, fn Func) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("exec.Register: func %s already registered", name))
	}
	funcs[name] = fn
}

// FuncNames returns the names of the registered funcs, sorted.
func FuncNames() []string {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Func, error) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	fn, ok := funcs[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("func %s is not registered", name))
	}
	return fn, nil
}

// call runs the named func, checking its arity and recovering from
// panics.
func call(ctx context.Context, name string, numReturns int, args []interface{}) (out []interface{}, err error) {
	fn, err := lookup(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = errors.E(errors.Fatal, fmt.Errorf("panic while running %s: %v\n%s", name, e, string(stack)))
		}
	}()
	out, err = fn(ctx, args)
	if err == nil && len(out) != numReturns {
		err = errors.E(errors.Invalid, fmt.Sprintf("func %s returned %d values, expected %d", name, len(out), numReturns))
	}
	return
}

// State is local storage for funcs: each worker has its own State,
// and stateless units share a per-process State. States are safe for
// concurrent use.
type State struct {
	mu     sync.Mutex
	values map[interface{}]interface{}
}

// NewState returns a new, empty State.
func NewState() *State {
	return &State{values: make(map[interface{}]interface{})}
}

// Load returns the value stored under key.
func (s *State) Load(key interface{}) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Update atomically replaces the value stored under key with the
// value returned by fn, which is called with the current value (nil
// if none). If fn returns an error, the key is removed from the
// state.
func (s *State) Update(key interface{}, fn func(old interface{}) (interface{}, error)) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := fn(s.values[key])
	if err != nil {
		delete(s.values, key)
		return nil, err
	}
	s.values[key] = v
	return v, nil
}

// Close discards all values in the state, closing those that
// implement io.Closer. Close returns the first error encountered.
func (s *State) Close() error {
	s.mu.Lock()
	values := s.values
	s.values = make(map[interface{}]interface{})
	s.mu.Unlock()
	var first error
	for _, v := range values {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Env is the environment in which funcs run.
type env struct {
	state *State
	put   func(ctx context.Context, value interface{}, owner string) Ref
}

type envKey struct{}

func withEnv(ctx context.Context, e *env) context.Context {
	return context.WithValue(ctx, envKey{}, e)
}

// LocalState returns the state of the worker (or process) in which
// the current func is running. It returns nil if ctx does not belong
// to a running func.
func LocalState(ctx context.Context) *State {
	e, _ := ctx.Value(envKey{}).(*env)
	if e == nil {
		return nil
	}
	return e.state
}

// Put stores a value produced by a running func with the func's
// substrate, so that it may be returned by reference rather than by
// value.
func Put(ctx context.Context, value interface{}, owner string) (Ref, error) {
	e, _ := ctx.Value(envKey{}).(*env)
	if e == nil {
		return Ref{}, errors.E(errors.Precondition, "exec.Put: not called from a running func")
	}
	return e.put(ctx, value, owner), nil
}

func putValue(value interface{}, owner string) Ref {
	f := newFuture("put", func() {})
	f.state = RefOk
	f.value = value
	return Ref{ID: nextRefID(), Owner: owner, f: f}
}
