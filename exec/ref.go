// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigcompute/stats"
)

func init() {
	gob.Register(Ref{})
}

// RefState represents the state of the unit of work that computes a
// Ref's value. RefState values are defined so that their magnitudes
// correspond with unit progression.
type RefState int

const (
	// RefPending indicates that the unit has been dispatched but has
	// not yet been allocated resources by the substrate.
	RefPending RefState = iota
	// RefRunning is the state of a unit that is currently running.
	RefRunning

	// RefOk indicates that the unit completed successfully and that
	// the ref's value is available.
	//
	// All RefState values greater than or equal to RefOk are terminal.
	RefOk
	// RefErr indicates that the unit failed.
	RefErr
	// RefCancelled indicates that the unit was cancelled before it
	// completed.
	RefCancelled

	maxRefState
)

var refStates = [...]string{
	RefPending:   "PENDING",
	RefRunning:   "RUNNING",
	RefOk:        "OK",
	RefErr:       "ERROR",
	RefCancelled: "CANCELLED",
}

// String returns the state as an upper-case string.
func (s RefState) String() string {
	return refStates[s]
}

// Terminal tells whether the state is terminal.
func (s RefState) Terminal() bool { return s >= RefOk }

// A Ref is a handle to a value that is, or will be, computed by a
// substrate. Refs are returned by Submit, Invoke, and Put; their
// values are retrieved with Resolve. Refs may be passed as arguments
// to Submit and Invoke, in which case the substrate resolves them
// before the invoked func runs.
//
// Refs may cross process boundaries. A ref that has crossed a process
// boundary names the machine that holds its value.
type Ref struct {
	// ID identifies the ref within the process that created it.
	ID uint64
	// Addr is the address of the machine that holds the ref's value.
	// It is empty for values held by the local process.
	Addr string
	// Owner is the logical owner of the ref's value, as hinted by its
	// creator.
	Owner string

	f *future
}

// IsZero tells whether r is the zero Ref.
func (r Ref) IsZero() bool { return r.ID == 0 && r.Addr == "" && r.f == nil }

// State returns the current state of the ref. Refs whose values are
// held by other processes are always in state RefOk.
func (r Ref) State() RefState {
	if r.f == nil {
		return RefOk
	}
	return r.f.State()
}

// String returns a short, human-readable description of the ref.
func (r Ref) String() string {
	if r.Addr != "" {
		return fmt.Sprintf("ref %d@%s", r.ID, r.Addr)
	}
	if r.f != nil {
		return fmt.Sprintf("ref %d (%s) %s", r.ID, r.f.name, r.f.State())
	}
	return fmt.Sprintf("ref %d", r.ID)
}

var refID uint64

func nextRefID() uint64 {
	return atomic.AddUint64(&refID, 1)
}

// A future holds the (eventual) value of a single Ref.
type future struct {
	name string

	mu    sync.Mutex
	cond  *ctxsync.Cond
	state RefState
	value interface{}
	err   error
	subs  []*subscriber
	// cancel cancels the unit computing this future; it is shared by
	// all of the unit's futures.
	cancel func()
}

func newFuture(name string, cancel func()) *future {
	f := &future{name: name, cancel: cancel}
	f.cond = ctxsync.NewCond(&f.mu)
	return f
}

func (f *future) State() RefState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *future) set(state RefState, value interface{}, err error) {
	f.mu.Lock()
	f.state = state
	f.value = value
	f.err = err
	f.cond.Broadcast()
	for _, sub := range f.subs {
		sub.notify()
	}
	f.mu.Unlock()
}

// Wait returns the future's value once it reaches a terminal state.
// Wait returns an errors.Remote error wrapping the unit's own error
// if the unit failed, and an errors.Canceled error if it was
// cancelled.
func (f *future) wait(ctx context.Context) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.state.Terminal() {
		if err := f.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	switch f.state {
	case RefErr:
		return nil, errors.E(errors.Remote, fmt.Sprintf("unit %s failed", f.name), f.err)
	case RefCancelled:
		return nil, errors.E(errors.Canceled, fmt.Sprintf("unit %s was cancelled", f.name))
	}
	return f.value, nil
}

func (f *future) subscribe(s *subscriber) (done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() {
		return true
	}
	f.subs = append(f.subs, s)
	return false
}

func (f *future) unsubscribe(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[:0]
	for _, sub := range f.subs {
		if sub != s {
			subs = append(subs, sub)
		}
	}
	f.subs = subs
}

// A subscriber is notified whenever one of the futures to which it
// is subscribed changes state.
type subscriber struct {
	c chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{c: make(chan struct{}, 1)}
}

func (s *subscriber) notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// Wait waits until at least n of the provided refs are in a terminal
// state, the timeout expires, or the context is done, whichever
// comes first. A negative timeout waits indefinitely. Wait returns
// the terminal refs (at most n of them, in the order provided) and
// the remaining refs. Wait does not fetch values, and a ref that
// failed is considered ready.
func Wait(ctx context.Context, refs []Ref, timeout time.Duration, n int) (ready, pending []Ref, err error) {
	if n > len(refs) {
		n = len(refs)
	}
	sub := newSubscriber()
	for _, r := range refs {
		if r.f != nil {
			r.f.subscribe(sub)
		}
	}
	defer func() {
		for _, r := range refs {
			if r.f != nil {
				r.f.unsubscribe(sub)
			}
		}
	}()
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		ready, pending = ready[:0], pending[:0]
		for _, r := range refs {
			if len(ready) < n && r.State().Terminal() {
				ready = append(ready, r)
			} else {
				pending = append(pending, r)
			}
		}
		if len(ready) >= n {
			return ready, pending, nil
		}
		select {
		case <-sub.c:
		case <-timer:
			return ready, pending, nil
		case <-ctx.Done():
			return ready, pending, ctx.Err()
		}
	}
}

// A unit is a single dispatched computation that produces one or
// more refs.
type unit struct {
	name    string
	ctx     context.Context
	cancel  func()
	futures []*future
	refs    []Ref
	stats   *stats.Map
}

func newUnit(parent context.Context, name string, numReturns int, owner string, stats *stats.Map) *unit {
	ctx, cancel := context.WithCancel(parent)
	u := &unit{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		stats:  stats,
	}
	if numReturns < 1 {
		numReturns = 1
	}
	for i := 0; i < numReturns; i++ {
		f := newFuture(name, cancel)
		u.futures = append(u.futures, f)
		u.refs = append(u.refs, Ref{ID: nextRefID(), Owner: owner, f: f})
	}
	stats.Int("outstanding").Add(1)
	return u
}

// Running marks the unit's refs as running.
func (u *unit) Running() {
	for _, f := range u.futures {
		f.mu.Lock()
		if f.state < RefRunning {
			f.state = RefRunning
		}
		f.mu.Unlock()
	}
}

// Done completes the unit with the provided values or error. The
// unit is considered cancelled if it failed after its context was
// cancelled.
func (u *unit) Done(values []interface{}, err error) {
	state := RefOk
	switch {
	case err == nil && len(values) != len(u.futures):
		state = RefErr
		err = errors.E(errors.Invalid, fmt.Sprintf("unit %s returned %d values, expected %d", u.name, len(values), len(u.futures)))
	case err == nil:
	case u.ctx.Err() != nil:
		state = RefCancelled
		u.stats.Int("cancelled").Add(1)
	default:
		state = RefErr
		u.stats.Int("failed").Add(1)
	}
	u.stats.Int("outstanding").Add(-1)
	for i, f := range u.futures {
		var value interface{}
		if state == RefOk {
			value = values[i]
		}
		f.set(state, value, err)
	}
	u.cancel()
}

// CancelRef cancels the unit that computes r. It is a no-op if r has
// already reached a terminal state or if r is held by another process.
func cancelRef(r Ref) {
	if r.f == nil || r.f.State().Terminal() {
		return
	}
	r.f.cancel()
}
