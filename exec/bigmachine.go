// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"container/heap"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigcompute/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// RetryPolicy is the retry policy used when fetching values from
// other machines.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

const (
	maxFetchRetries   = 5
	statsPollInterval = 10 * time.Second
)

// ComputeMachine maintains bigcompute-specific metadata for
// bigmachine machines.
type computeMachine struct {
	*bigmachine.Machine

	// Curprocs is the current number of procs on the machine that are
	// allocated to units or workers.
	Curprocs int

	Status *status.Task

	// index is the machine's index in the substrate's priority queue.
	index int
}

// Load returns the machine's load, i.e., the proportion of its
// capacity that is currently in use.
func (m *computeMachine) Load() float64 {
	return float64(m.Curprocs) / float64(m.Maxprocs)
}

// MachineQ is a priority queue for computeMachines, prioritized
// by the machine's load, as defined by (*computeMachine).Load().
type machineQ []*computeMachine

func (h machineQ) Len() int           { return len(h) }
func (h machineQ) Less(i, j int) bool { return h[i].Load() < h[j].Load() }
func (h machineQ) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *machineQ) Push(x interface{}) {
	m := x.(*computeMachine)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *machineQ) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Bigmachine is a substrate that runs units and workers on a cluster
// of bigmachine machines. Machines are started on first use, enough
// to provide p procs, and units are placed on the least loaded
// machine. Results of units are returned to the driver; values put
// by funcs remain on the machine that ran them and are fetched on
// demand.
//
// NewBigmachine must be called in every process of the binary: in
// worker processes, it does not return.
type Bigmachine struct {
	system bigmachine.System
	params []bigmachine.Param
	p      int
	b      *bigmachine.B

	limiter *limiter.Limiter
	stats   *stats.Map
	status  *status.Group

	// ctx is cancelled when the substrate is shut down.
	ctx    context.Context
	cancel func()

	machinesOnce sync.Once
	machinesErr  error

	mu       sync.Mutex
	machines machineQ
}

// NewBigmachine returns a new substrate that runs units on machines
// provided by the given system. It provides p procs in total. Params
// are applied to every machine started by the substrate.
func NewBigmachine(system bigmachine.System, p int, params ...bigmachine.Param) *Bigmachine {
	if p <= 0 {
		panic("exec.NewBigmachine: p <= 0")
	}
	b := &Bigmachine{
		system:  system,
		params:  params,
		p:       p,
		limiter: limiter.New(),
		stats:   stats.NewMap(),
	}
	b.limiter.Release(p)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.b = bigmachine.Start(system)
	return b
}

// SetStatus sets the status group to which machine status is
// reported. It must be called before the substrate is first used.
func (b *Bigmachine) SetStatus(group *status.Group) {
	b.status = group
}

// HandleDebug registers bigmachine's debug handlers with the provided
// mux.
func (b *Bigmachine) HandleDebug(mux *http.ServeMux) {
	b.b.HandleDebug(mux)
}

func (b *Bigmachine) initMachines() error {
	b.machinesOnce.Do(func() {
		var (
			maxprocs = b.b.System().Maxprocs()
			n        = (b.p + maxprocs - 1) / maxprocs
			ctx      = context.Background()
		)
		log.Printf("starting %d bigmachines (p=%d, maxprocs=%d)", n, b.p, maxprocs)
		params := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, b.params...)
		machines, err := b.b.Start(ctx, n, params...)
		if err != nil {
			b.machinesErr = err
			return
		}
		want := FuncNames()
		g, ctx := errgroup.WithContext(ctx)
		for i := range machines {
			m := machines[i]
			task := b.status.Start()
			task.Print("waiting for machine to boot")
			g.Go(func() error {
				<-m.Wait(bigmachine.Running)
				if err := m.Err(); err != nil {
					log.Printf("machine %s failed to start: %v", m.Addr, err)
					task.Printf("failed to start: %v", err)
					task.Done()
					return nil
				}
				var have []string
				if err := m.RetryCall(ctx, "Worker.Funcs", struct{}{}, &have); err != nil {
					log.Printf("machine %s: failed to list funcs: %v", m.Addr, err)
					task.Printf("failed to verify funcs: %v", err)
					task.Done()
					return nil
				}
				if !equalStrings(have, want) {
					log.Error.Printf("machine %s has funcs %v, driver has %v; check for non-deterministic func registration", m.Addr, have, want)
					task.Print("func mismatch")
					task.Done()
					return nil
				}
				task.Title(m.Addr)
				task.Print("running")
				log.Printf("machine %v is ready", m.Addr)
				cm := &computeMachine{Machine: m, Status: task}
				b.mu.Lock()
				heap.Push(&b.machines, cm)
				b.mu.Unlock()
				go b.monitor(cm)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			b.machinesErr = err
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.machines) == 0 {
			b.machinesErr = errors.E(errors.Unavailable, "no machines started")
		}
	})
	return b.machinesErr
}

// Allocate returns the least loaded machine, allocating procs on it.
// The caller must already hold the procs from the substrate's
// limiter.
func (b *Bigmachine) allocate(procs int) (*computeMachine, error) {
	if err := b.initMachines(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.machines[0]
	m.Curprocs += procs
	heap.Fix(&b.machines, m.index)
	return m, nil
}

func (b *Bigmachine) free(m *computeMachine, procs int) {
	b.mu.Lock()
	m.Curprocs -= procs
	heap.Fix(&b.machines, m.index)
	b.mu.Unlock()
}

// Submit implements Substrate.
func (b *Bigmachine) Submit(_ context.Context, opts Options, fn string, numReturns int, args ...interface{}) []Ref {
	b.stats.Int("submitted").Add(1)
	u := newUnit(context.Background(), fn, numReturns, "", b.stats)
	go func() {
		n := opts.procs(b.p)
		if err := b.limiter.Acquire(u.ctx, n); err != nil {
			u.Done(nil, err)
			return
		}
		defer b.limiter.Release(n)
		m, err := b.allocate(n)
		if err != nil {
			u.Done(nil, err)
			return
		}
		defer b.free(m, n)
		b.run(u, m, 0, args)
	}()
	return u.refs
}

type machineWorker struct {
	m     *computeMachine
	procs int
}

// SpawnWorker implements Substrate. The worker is placed on the least
// loaded machine, and holds its procs for its lifetime.
func (b *Bigmachine) SpawnWorker(_ context.Context, opts Options) *Worker {
	w := newWorker(opts)
	b.stats.Int("workers").Add(1)
	go func() {
		defer close(w.ready)
		n := opts.procs(b.p)
		if err := b.limiter.Acquire(w.ctx, n); err != nil {
			w.err = errors.E(errors.Canceled, fmt.Sprintf("%s released before it started", w), err)
			return
		}
		m, err := b.allocate(n)
		if err != nil {
			b.limiter.Release(n)
			w.err = err
			return
		}
		if err := m.RetryCall(w.ctx, "Worker.Spawn", w.ID, nil); err != nil {
			b.free(m, n)
			b.limiter.Release(n)
			w.err = errors.E(fmt.Sprintf("spawn %s on %s", w, m.Addr), err)
			return
		}
		w.impl = &machineWorker{m: m, procs: n}
	}()
	return w
}

// Invoke implements Substrate.
func (b *Bigmachine) Invoke(_ context.Context, w *Worker, fn string, numReturns int, args ...interface{}) []Ref {
	b.stats.Int("invoked").Add(1)
	u := newUnit(w.ctx, fn, numReturns, "", b.stats)
	go func() {
		unlock, err := w.start(u.ctx)
		if err != nil {
			u.Done(nil, err)
			return
		}
		defer unlock()
		b.run(u, w.impl.(*machineWorker).m, w.ID, args)
	}()
	return u.refs
}

// Run runs the unit u on machine m, with the state of the provided
// worker (or the machine's process state if worker is 0).
func (b *Bigmachine) run(u *unit, m *computeMachine, worker uint64, args []interface{}) {
	u.Running()
	req := runRequest{
		Addr:       m.Addr,
		Worker:     worker,
		Func:       u.name,
		NumReturns: len(u.futures),
		Args:       make([]interface{}, len(args)),
	}
	// Values held by the driver must be shipped with the request;
	// values held by machines are fetched by the worker.
	for i, arg := range args {
		ref, ok := arg.(Ref)
		if !ok || ref.f == nil {
			req.Args[i] = arg
			continue
		}
		v, err := ref.f.wait(u.ctx)
		if err != nil {
			u.Done(nil, err)
			return
		}
		req.Args[i] = v
	}
	var reply runReply
	if err := m.Call(u.ctx, "Worker.Run", req, &reply); err != nil {
		u.Done(nil, err)
		return
	}
	u.Done(reply.Values, nil)
}

// Wait implements Substrate.
func (b *Bigmachine) Wait(ctx context.Context, refs []Ref, timeout time.Duration, n int) (ready, pending []Ref, err error) {
	return Wait(ctx, refs, timeout, n)
}

// Cancel implements Substrate.
func (b *Bigmachine) Cancel(ref Ref) {
	cancelRef(ref)
}

// Resolve implements Substrate. Values held by machines are fetched
// from the machine that holds them.
func (b *Bigmachine) Resolve(ctx context.Context, ref Ref) (interface{}, error) {
	if ref.f != nil {
		return ref.f.wait(ctx)
	}
	if ref.Addr == "" {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("%s is not held by this process", ref))
	}
	return fetch(ctx, b.b, ref)
}

// Put implements Substrate.
func (b *Bigmachine) Put(_ context.Context, value interface{}, owner string) Ref {
	b.stats.Int("puts").Add(1)
	return putValue(value, owner)
}

// Release implements Substrate.
func (b *Bigmachine) Release(w *Worker) {
	unlock, ok := w.markReleased()
	if !ok {
		return
	}
	defer unlock()
	b.stats.Int("workers").Add(-1)
	if w.err != nil {
		return
	}
	mw := w.impl.(*machineWorker)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := mw.m.Call(ctx, "Worker.Release", w.ID, nil); err != nil {
		log.Error.Printf("release %s on %s: %v", w, mw.m.Addr, err)
	}
	b.free(mw.m, mw.procs)
	b.limiter.Release(mw.procs)
}

// Stats implements Substrate.
func (b *Bigmachine) Stats() stats.Values {
	return b.stats.Values()
}

// Peaks returns the peak values of the substrate's counters.
func (b *Bigmachine) Peaks() stats.Values {
	return b.stats.Peaks()
}

// Shutdown implements Substrate. It shuts down all machines.
func (b *Bigmachine) Shutdown() {
	b.cancel()
	b.b.Shutdown()
}

// monitor periodically reports the machine's counters to its status
// until the substrate is shut down or the machine fails.
func (b *Bigmachine) monitor(m *computeMachine) {
	defer m.Status.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(statsPollInterval):
		}
		var vals stats.Values
		if err := m.Call(b.ctx, "Worker.Stats", struct{}{}, &vals); err != nil {
			if err != context.Canceled {
				log.Error.Printf("Worker.Stats: %v", err)
				m.Status.Printf("failed: %v", err)
			}
			return
		}
		b.mu.Lock()
		procs := m.Curprocs
		b.mu.Unlock()
		m.Status.Printf("procs %d/%d: %s", procs, m.Maxprocs, vals)
	}
}

// fetch retrieves the value of ref from the machine that holds it.
func fetch(ctx context.Context, b *bigmachine.B, ref Ref) (interface{}, error) {
	var err error
	for retries := 0; ; retries++ {
		var m *bigmachine.Machine
		m, err = b.Dial(ctx, ref.Addr)
		if err == nil {
			var reply getReply
			if err = m.Call(ctx, "Worker.Get", ref.ID, &reply); err == nil {
				return reply.Value, nil
			}
		}
		if errors.Is(errors.NotExist, err) || retries >= maxFetchRetries {
			break
		}
		log.Printf("fetch %s: %v; retrying", ref, err)
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return nil, werr
		}
	}
	return nil, errors.E(fmt.Sprintf("fetch %s", ref), err)
}

type runRequest struct {
	// Addr is the address of the machine to which the request is sent.
	Addr string
	// Worker is the ID of the worker on which to run the func. If it
	// is zero, the func is run with the machine's process state.
	Worker     uint64
	Func       string
	NumReturns int
	Args       []interface{}
}

type runReply struct {
	Values []interface{}
}

type getReply struct {
	Value interface{}
}

// A worker is the bigmachine service that runs funcs, hosts the
// state of spawned workers, and serves values put by funcs.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b     *bigmachine.B
	state *State
	stats *stats.Map

	mu      sync.Mutex
	workers map[uint64]*State
	store   map[uint64]interface{}
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.state = NewState()
	w.stats = stats.NewMap()
	w.workers = make(map[uint64]*State)
	w.store = make(map[uint64]interface{})
	return nil
}

// Funcs returns the names of the funcs registered on the worker.
func (w *worker) Funcs(ctx context.Context, _ struct{}, names *[]string) error {
	*names = FuncNames()
	return nil
}

// Spawn creates the state of a new worker.
func (w *worker) Spawn(ctx context.Context, id uint64, _ *struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.workers[id]; !ok {
		w.workers[id] = NewState()
		w.stats.Int("workers").Add(1)
	}
	return nil
}

// Release discards the state of a worker.
func (w *worker) Release(ctx context.Context, id uint64, _ *struct{}) error {
	w.mu.Lock()
	state := w.workers[id]
	delete(w.workers, id)
	w.mu.Unlock()
	if state == nil {
		return errors.E(errors.NotExist, fmt.Sprintf("worker %d", id))
	}
	w.stats.Int("workers").Add(-1)
	return state.Close()
}

// Run runs a func as described by the request.
func (w *worker) Run(ctx context.Context, req runRequest, reply *runReply) error {
	state := w.state
	if req.Worker != 0 {
		w.mu.Lock()
		state = w.workers[req.Worker]
		w.mu.Unlock()
		if state == nil {
			return errors.E(errors.NotExist, fmt.Sprintf("worker %d", req.Worker))
		}
	}
	w.stats.Int("running").Add(1)
	defer w.stats.Int("running").Add(-1)
	args := make([]interface{}, len(req.Args))
	for i, arg := range req.Args {
		ref, ok := arg.(Ref)
		if !ok {
			args[i] = arg
			continue
		}
		v, err := w.get(ctx, req.Addr, ref)
		if err != nil {
			return err
		}
		args[i] = v
	}
	put := func(_ context.Context, value interface{}, owner string) Ref {
		ref := Ref{ID: nextRefID(), Addr: req.Addr, Owner: owner}
		w.mu.Lock()
		w.store[ref.ID] = value
		w.mu.Unlock()
		w.stats.Int("stored").Add(1)
		return ref
	}
	values, err := call(withEnv(ctx, &env{state: state, put: put}), req.Func, req.NumReturns, args)
	if err != nil {
		log.Printf("func %s error: %v", req.Func, err)
		return err
	}
	reply.Values = values
	return nil
}

func (w *worker) get(ctx context.Context, self string, ref Ref) (interface{}, error) {
	if ref.Addr != self {
		return fetch(ctx, w.b, ref)
	}
	w.mu.Lock()
	v, ok := w.store[ref.ID]
	w.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, ref.String())
	}
	return v, nil
}

// Get returns a value that was put by a func on this machine.
func (w *worker) Get(ctx context.Context, id uint64, reply *getReply) error {
	w.mu.Lock()
	v, ok := w.store[id]
	w.mu.Unlock()
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("ref %d", id))
	}
	reply.Value = v
	return nil
}

// Stats returns the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = w.stats.Values()
	return nil
}

func equalStrings(x, y []string) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
