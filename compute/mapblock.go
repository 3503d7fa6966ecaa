// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/exec"
)

// Names of the funcs run by the substrate on behalf of strategies.
const (
	mapSplitFunc = "compute.mapSplit"
	mapMergeFunc = "compute.mapMerge"
	readyFunc    = "compute.ready"
)

func init() {
	exec.Register(mapSplitFunc, mapSplit)
	exec.Register(mapMergeFunc, mapMerge)
	exec.Register(readyFunc, func(context.Context, []interface{}) ([]interface{}, error) {
		return []interface{}{true}, nil
	})
}

// mapFunc returns the name and number of returns of the func that
// maps a single block in the provided mode.
func mapFunc(split bool) (name string, numReturns int) {
	if split {
		return mapSplitFunc, 1
	}
	return mapMergeFunc, 2
}

// mapArgs returns the arguments with which a block is dispatched.
func mapArgs(t *bigcompute.Transform, owner string, e block.Entry) []interface{} {
	return []interface{}{t.Index(), owner, e.Ref, e.Meta}
}

func unpackArgs(args []interface{}) (fn bigcompute.BlockFn, owner string, in block.Block, meta block.Metadata, err error) {
	if len(args) != 4 {
		err = errors.E(errors.Invalid, fmt.Sprintf("expected 4 arguments, got %d", len(args)))
		return
	}
	index, ok := args[0].(int)
	if !ok {
		err = errors.E(errors.Invalid, fmt.Sprintf("bad transform index %v", args[0]))
		return
	}
	t, err := bigcompute.Lookup(index)
	if err != nil {
		return
	}
	fn = invokable(t)
	owner, _ = args[1].(string)
	if in, ok = args[2].(block.Block); !ok {
		err = errors.E(errors.Invalid, fmt.Sprintf("argument %T is not a block", args[2]))
		return
	}
	meta, _ = args[3].(block.Metadata)
	return
}

// mapSplit applies a transform to a block in split mode. Each output
// block is stored with the substrate as it is produced and described
// by its own metadata, which inherits the input files of the input
// block. It returns a single block.Partition.
func mapSplit(ctx context.Context, args []interface{}) ([]interface{}, error) {
	fn, owner, in, meta, err := unpackArgs(args)
	if err != nil {
		return nil, err
	}
	var (
		part  = block.Partition{}
		stats = block.NewStatsBuilder()
	)
	err = fn(ctx, in, func(out block.Block) error {
		m := block.MetadataFor(out, meta.InputFiles, stats.Build())
		ref, err := exec.Put(ctx, out, owner)
		if err != nil {
			return err
		}
		part = append(part, block.Entry{Ref: ref, Meta: m})
		stats = block.NewStatsBuilder()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []interface{}{part}, nil
}

// mapMerge applies a transform to a block in merge mode. The outputs
// are concatenated into a single block, which is returned together
// with its metadata.
func mapMerge(ctx context.Context, args []interface{}) ([]interface{}, error) {
	fn, _, in, meta, err := unpackArgs(args)
	if err != nil {
		return nil, err
	}
	var (
		b     = block.NewBuilder()
		stats = block.NewStatsBuilder()
	)
	if err = fn(ctx, in, b.Add); err != nil {
		return nil, err
	}
	out := b.Build()
	return []interface{}{out, block.MetadataFor(out, meta.InputFiles, stats.Build())}, nil
}

// asPartition converts a resolved split-mode result into a partition.
func asPartition(v interface{}) (block.Partition, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case block.Partition:
		return v, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unexpected split result %T", v))
}
