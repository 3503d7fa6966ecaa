// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package compute implements compute strategies: policies that govern
// how a block transform is distributed over the workers of an
// execution substrate.
//
// Two strategies are provided. TaskPool dispatches one stateless unit
// per input block and preserves the order of its input. ActorPool
// maintains an autoscaling pool of persistent workers that pull
// blocks from a queue; it does not preserve order, but allows
// transforms to keep expensive state (see bigcompute.Class) across
// blocks.
//
// Both strategies fail uniformly: if any unit fails, or the caller's
// context is done, every outstanding unit is cancelled and drained
// before the original error is returned. No partial results are
// returned.
package compute

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/exec"
)

// A Strategy applies a transform to a list of blocks.
type Strategy interface {
	// Apply applies the transform t to each block in blocks, returning
	// a new list that contains exactly the outputs produced for each
	// input block. Options are passed to the substrate with every
	// dispatched unit. If clearInput is true, blocks is cleared once
	// all of its blocks have been dispatched.
	Apply(ctx context.Context, sess *Session, t *bigcompute.Transform, opts exec.Options, blocks *block.List, clearInput bool) (*block.List, error)

	// String returns a description of the strategy.
	String() string
}

// Select returns the strategy named by spec: nil, "", and "tasks"
// select a TaskPool; "actors" selects an unbounded ActorPool with a
// single initial worker; a Strategy is returned as is. Any other spec
// is an error.
func Select(spec interface{}) (Strategy, error) {
	switch spec := spec.(type) {
	case nil:
		return TaskPool{}, nil
	case string:
		switch spec {
		case "", "tasks":
			return TaskPool{}, nil
		case "actors":
			return NewActorPool(1, 0)
		}
		return nil, errors.E(errors.Invalid, fmt.Sprintf("compute strategy must be \"tasks\" or \"actors\", got %q", spec))
	case Strategy:
		return spec, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid compute strategy %v (%T)", spec, spec))
}
