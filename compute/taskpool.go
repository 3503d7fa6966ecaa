// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/exec"
)

// taskPollInterval is the interval at which the task pool reports
// progress while it waits for its units.
const taskPollInterval = 100 * time.Millisecond

// TaskPool is a stateless strategy: each input block is mapped by
// its own unit, and all units are dispatched at once. Parallelism is
// bounded only by the substrate. TaskPool preserves the order of its
// input.
type TaskPool struct{}

// String implements Strategy.
func (TaskPool) String() string { return "tasks" }

// Apply implements Strategy. If blocks is empty, it is returned as
// is, and no unit is dispatched.
func (p TaskPool) Apply(ctx context.Context, sess *Session, t *bigcompute.Transform, opts exec.Options, blocks *block.List, clearInput bool) (*block.List, error) {
	if _, err := Wrap(t, p); err != nil {
		return nil, err
	}
	entries, err := blocks.Entries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return blocks, nil
	}
	var (
		sub            = sess.Substrate()
		split          = sess.BlockSplitting()
		fn, numReturns = mapFunc(split)
		units          = make([][]exec.Ref, len(entries))
		all            = make([]exec.Ref, 0, len(entries)*numReturns)
		progress       = newProgress(sess, fmt.Sprintf("map %s", t), len(entries), blocks.SizeBytes())
		owner          = sess.BlockOwner()
	)
	for i, e := range entries {
		units[i] = sub.Submit(ctx, opts, fn, numReturns, mapArgs(t, owner, e)...)
		all = append(all, units[i]...)
	}
	entries = nil
	if clearInput {
		blocks.Clear()
	}
	out, err := p.wait(ctx, sub, units, all, split, progress)
	progress.Done(err)
	return out, err
}

func (TaskPool) wait(ctx context.Context, sub exec.Substrate, units [][]exec.Ref, all []exec.Ref, split bool, progress *progress) (*block.List, error) {
	pending := make([]exec.Ref, len(units))
	for i := range units {
		pending[i] = units[i][len(units[i])-1]
	}
	for len(pending) > 0 {
		ready, rest, err := sub.Wait(ctx, pending, taskPollInterval, len(pending))
		if err != nil {
			cancelAndDrain(sub, all)
			return nil, err
		}
		if err := fail(ctx, sub, ready); err != nil {
			cancelAndDrain(sub, all)
			return nil, err
		}
		pending = rest
		progress.Update(len(units)-len(pending), "")
	}
	// All units are complete: reassemble in input order.
	var entries []block.Entry
	for _, refs := range units {
		if split {
			v, err := sub.Resolve(ctx, refs[0])
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
		v, err := sub.Resolve(ctx, refs[1])
		if err != nil {
			return nil, err
		}
		meta, ok := v.(block.Metadata)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("unexpected metadata %T", v))
		}
		entries = append(entries, block.Entry{Ref: refs[0], Meta: meta})
	}
	return block.NewList(entries), nil
}
