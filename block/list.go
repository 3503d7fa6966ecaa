// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcompute/exec"
)

// An Entry pairs a reference to a block with the block's metadata.
type Entry struct {
	Ref  exec.Ref
	Meta Metadata
}

// A Partition is the set of entries produced by a single split-mode
// transform of one input block. Partitions may be empty.
type Partition []Entry

// A List is an ordered collection of block entries. The order of a
// list is meaningful: it defines the partitioning of a dataset.
//
// A List may be cleared by its consumer once its references are no
// longer needed, so that the underlying blocks can be reclaimed. A
// cleared list retains its initial length.
type List struct {
	entries []Entry
	initial int
	cleared bool
}

// NewList returns a new list from the provided entries.
func NewList(entries []Entry) *List {
	return &List{entries: entries, initial: len(entries)}
}

// NewListOf returns a list of the given refs and metadata, which
// must be of equal lengths.
func NewListOf(refs []exec.Ref, meta []Metadata) *List {
	if len(refs) != len(meta) {
		panic("block.NewListOf: mismatched refs and metadata")
	}
	entries := make([]Entry, len(refs))
	for i := range refs {
		entries[i] = Entry{refs[i], meta[i]}
	}
	return NewList(entries)
}

// Len returns the current number of entries in the list.
func (l *List) Len() int { return len(l.entries) }

// InitialLen returns the number of entries with which the list was
// created. It is unaffected by Clear.
func (l *List) InitialLen() int { return l.initial }

// Cleared tells whether the list has been cleared.
func (l *List) Cleared() bool { return l.cleared }

// Entries returns a copy of the list's entries. Entries returns an
// error if the list has been cleared.
func (l *List) Entries() ([]Entry, error) {
	if l.cleared {
		return nil, errors.E(errors.Invalid, "block list was cleared")
	}
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	return entries, nil
}

// Refs returns the block references of the list, in order.
func (l *List) Refs() []exec.Ref {
	refs := make([]exec.Ref, len(l.entries))
	for i := range l.entries {
		refs[i] = l.entries[i].Ref
	}
	return refs
}

// Metadata returns the block metadata of the list, in order.
func (l *List) Metadata() []Metadata {
	meta := make([]Metadata, len(l.entries))
	for i := range l.entries {
		meta[i] = l.entries[i].Meta
	}
	return meta
}

// NumRows returns the total number of rows described by the list's
// metadata.
func (l *List) NumRows() int {
	var n int
	for _, e := range l.entries {
		n += e.Meta.NumRows
	}
	return n
}

// SizeBytes returns the total size described by the list's metadata.
func (l *List) SizeBytes() int64 {
	var n int64
	for _, e := range l.entries {
		n += e.Meta.SizeBytes
	}
	return n
}

// Clear releases the list's references to its blocks.
func (l *List) Clear() {
	l.entries = nil
	l.cleared = true
}
