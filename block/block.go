// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package block defines the units of data that are transformed by
// bigcompute: blocks, their metadata, and block lists, which are
// ordered collections of block references that represent a dataset's
// physical partitioning.
package block

import (
	"encoding/gob"
	"fmt"
	"reflect"
)

func init() {
	gob.Register(Values(nil))
	gob.Register(Metadata{})
	gob.Register(Partition(nil))
}

// Schema names the type of the rows contained in a block. The empty
// schema indicates that the block's row type is unknown.
type Schema string

// A Block is an immutable unit of data. Transforms may read a block
// any number of times, but must never modify it: blocks may be shared
// among many consumers.
type Block interface {
	// NumRows returns the number of rows in the block.
	NumRows() int
	// SizeBytes returns the (estimated) in-memory size of the block.
	SizeBytes() int64
	// Schema returns the block's schema.
	Schema() Schema
}

// An Appender is a block that can be concatenated with other blocks
// of the same kind. Append never modifies its receiver.
type Appender interface {
	Block
	Append(Block) (Block, error)
}

// Values is a block of rows of arbitrary Go values. Rows must be
// gob-encodable if the block is to cross process boundaries.
type Values []interface{}

// NumRows implements Block.
func (v Values) NumRows() int { return len(v) }

// SizeBytes implements Block. Sizes of strings and byte slices are
// exact; other values are sized by their Go representation.
func (v Values) SizeBytes() int64 {
	var n int64
	for _, row := range v {
		n += sizeOf(row)
	}
	return n
}

// Schema implements Block. The schema of a Values block is the Go
// type of its rows if they are homogeneous.
func (v Values) Schema() Schema {
	if len(v) == 0 || v[0] == nil {
		return ""
	}
	typ := reflect.TypeOf(v[0])
	for _, row := range v[1:] {
		if reflect.TypeOf(row) != typ {
			return ""
		}
	}
	return Schema(typ.String())
}

// Append implements Appender.
func (v Values) Append(b Block) (Block, error) {
	w, ok := b.(Values)
	if !ok {
		return nil, fmt.Errorf("block: cannot append %T to %T", b, v)
	}
	out := make(Values, 0, len(v)+len(w))
	out = append(out, v...)
	return append(out, w...), nil
}

func sizeOf(x interface{}) int64 {
	switch x := x.(type) {
	case nil:
		return 0
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	default:
		return int64(reflect.TypeOf(x).Size())
	}
}
