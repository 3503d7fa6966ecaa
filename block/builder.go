// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import "fmt"

// A Builder accumulates blocks and merges them into a single block.
type Builder interface {
	// Add adds a block to the builder.
	Add(Block) error
	// NumRows returns the number of rows added so far.
	NumRows() int
	// Build returns the merged block.
	Build() Block
}

// NewBuilder returns a builder that delegates to the kind of the
// first block added: blocks that implement Appender are concatenated
// with their own Append method. Building an empty builder yields an
// empty Values block.
func NewBuilder() Builder {
	return new(delegatingBuilder)
}

type delegatingBuilder struct {
	acc Block
}

func (d *delegatingBuilder) Add(b Block) error {
	if d.acc == nil {
		d.acc = b
		return nil
	}
	app, ok := d.acc.(Appender)
	if !ok {
		return fmt.Errorf("block: %T blocks cannot be merged", d.acc)
	}
	merged, err := app.Append(b)
	if err != nil {
		return err
	}
	d.acc = merged
	return nil
}

func (d *delegatingBuilder) NumRows() int {
	if d.acc == nil {
		return 0
	}
	return d.acc.NumRows()
}

func (d *delegatingBuilder) Build() Block {
	if d.acc == nil {
		return Values{}
	}
	return d.acc
}
