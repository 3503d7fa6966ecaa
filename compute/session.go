// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/exec"
	"github.com/grailbio/bigcompute/stats"
	"github.com/grailbio/bigmachine"
)

// Session is a bigcompute compute session. A session owns an
// execution substrate and the configuration that is shared by all
// of the strategies applied through it.
//
// With the bigmachine substrate, Start launches additional copies of
// the binary; in these, Start does not return. All transforms must
// therefore be registered before Start is called, in a deterministic
// order.
type Session struct {
	index          int32
	p              int
	newSubstrate   func(p int) exec.Substrate
	substrate      exec.Substrate
	baseline       stats.Values
	blockSplitting bool
	blockOwner     string
	status         *status.Status
	eventer        eventlog.Eventer
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary substrate.
var Local Option = func(s *Session) {
	s.newSubstrate = func(p int) exec.Substrate { return exec.NewLocal(p) }
}

// Bigmachine configures a session using the bigmachine substrate
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.newSubstrate = func(p int) exec.Substrate {
			return exec.NewBigmachine(system, p, params...)
		}
	}
}

// Substrate configures a session with an existing substrate. The
// session takes ownership of it.
func Substrate(sub exec.Substrate) Option {
	return func(s *Session) {
		s.newSubstrate = func(int) exec.Substrate { return sub }
	}
}

// Parallelism configures the session with the provided target
// parallelism.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("compute.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// BlockSplitting configures the session so that transforms run in
// split mode: every output block produced by a transform becomes an
// output block of the strategy. Without it, transforms run in merge
// mode and the outputs for each input block are concatenated.
var BlockSplitting Option = func(s *Session) {
	s.blockSplitting = true
}

// BlockOwner configures the owner hint with which blocks produced in
// split mode are stored.
func BlockOwner(owner string) Option {
	return func(s *Session) {
		s.blockOwner = owner
	}
}

// Status configures the session with a status object to which map
// progress is reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigcompute-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

var nextSessionIndex int32

// Start creates and starts a new session, configuring it according
// to the provided options. If no substrate is configured, the session
// uses the bigmachine substrate with the local system.
func Start(options ...Option) *Session {
	s := &Session{
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.newSubstrate == nil {
		Bigmachine(bigmachine.Local)(s)
	}
	s.substrate = s.newSubstrate(s.p)
	s.baseline = s.substrate.Stats()
	if b, ok := s.substrate.(*exec.Bigmachine); ok && s.status != nil {
		b.SetStatus(s.status.Group("bigmachine"))
	}
	s.eventer.Event("bigcompute:sessionStart",
		"substrate", fmt.Sprintf("%T", s.substrate),
		"parallelism", s.p,
		"blockSplitting", s.blockSplitting)
	return s
}

// Substrate returns the session's execution substrate.
func (s *Session) Substrate() exec.Substrate { return s.substrate }

// Parallelism returns the session's target parallelism.
func (s *Session) Parallelism() int { return s.p }

// BlockSplitting tells whether transforms run in split mode.
func (s *Session) BlockSplitting() bool { return s.blockSplitting }

// BlockOwner returns the owner hint for blocks produced in split
// mode.
func (s *Session) BlockOwner() string { return s.blockOwner }

// Status returns the session's status aggregator, which may be nil.
func (s *Session) Status() *status.Status { return s.status }

// Map applies the transform t to each block in blocks, using the
// compute strategy named by spec (see Select). Configuration errors
// are returned before any work is dispatched. If clearInput is true,
// blocks is cleared once its blocks have been dispatched.
func (s *Session) Map(ctx context.Context, blocks *block.List, t *bigcompute.Transform, spec interface{}, opts exec.Options, clearInput bool) (*block.List, error) {
	strategy, err := Select(spec)
	if err != nil {
		return nil, err
	}
	if _, err = Wrap(t, strategy); err != nil {
		return nil, err
	}
	var (
		start = time.Now()
		n     = blocks.Len()
	)
	out, err := strategy.Apply(ctx, s, t, opts, blocks, clearInput)
	if err != nil {
		log.Error.Printf("map %s (%s): %v", t, strategy, err)
		s.eventer.Event("bigcompute:map",
			"transform", t.String(),
			"strategy", strategy.String(),
			"inputBlocks", n,
			"error", err.Error())
		return nil, err
	}
	s.eventer.Event("bigcompute:map",
		"transform", t.String(),
		"strategy", strategy.String(),
		"inputBlocks", n,
		"outputBlocks", out.Len(),
		"durationMs", int64(time.Since(start)/time.Millisecond))
	return out, nil
}

// HandleDebug registers the substrate's debug handlers, if any, with
// the provided mux.
func (s *Session) HandleDebug(mux *http.ServeMux) {
	if h, ok := s.substrate.(interface{ HandleDebug(*http.ServeMux) }); ok {
		h.HandleDebug(mux)
	}
}

// Stats returns the work done by the session's substrate since the
// session started.
func (s *Session) Stats() stats.Values {
	return s.substrate.Stats().Sub(s.baseline)
}

// Shutdown tears down the session's substrate. It should be called
// when the session is discarded.
func (s *Session) Shutdown() {
	log.Printf("bigcompute: session stats: %s", s.Stats())
	if p, ok := s.substrate.(interface{ Peaks() stats.Values }); ok {
		log.Printf("bigcompute: substrate peaks: %s", p.Peaks())
	}
	s.substrate.Shutdown()
}
