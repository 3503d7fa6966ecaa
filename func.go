// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcompute

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcompute/block"
)

// A BlockFn transforms a single input block into a sequence of zero
// or more output blocks, each of which is passed to emit as it is
// produced. A BlockFn must not modify its input. If emit returns an
// error, the BlockFn should stop and return it.
type BlockFn func(ctx context.Context, in block.Block, emit func(block.Block) error) error

// A Callable is a stateful block transform. Callables are
// instantiated from a class (see Class) at most once per worker and
// then reused for every block processed by that worker.
type Callable interface {
	Call(ctx context.Context, in block.Block, emit func(block.Block) error) error
}

var (
	// Transforms is the global registry of transforms. We rely on
	// deterministic registration order so that transforms may be
	// named by index across process boundaries.
	transforms []*Transform
	// TransformsBusy is used to detect data races in registration.
	transformsBusy int32
)

// A Transform is a registered block transform: either a plain
// function (see Func) or a class of stateful callables (see Class).
// Transforms are identified by pointer: two classes with identical
// constructors are distinct transforms.
type Transform struct {
	fn       BlockFn
	new      func() (Callable, error)
	index    int
	location string
}

// Func registers a stateless block transform. Transforms must be
// registered before any session is started, typically as
// package-level variables:
//
//	var Upper = bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
//		...
//	})
func Func(fn BlockFn) *Transform {
	if fn == nil {
		panic("bigcompute.Func: nil func")
	}
	return register(&Transform{fn: fn})
}

// Class registers a class of stateful callables. The constructor new
// is invoked on each worker the first time the worker runs the
// transform, and the resulting callable is reused thereafter.
// Classes require a compute strategy; see compute.Wrap.
func Class(new func() (Callable, error)) *Transform {
	if new == nil {
		panic("bigcompute.Class: nil constructor")
	}
	return register(&Transform{new: new})
}

func register(t *Transform) *Transform {
	if _, file, line, ok := runtime.Caller(2); ok {
		t.location = fmt.Sprintf("%s:%d", file, line)
	}
	if atomic.AddInt32(&transformsBusy, 1) != 1 {
		panic("bigcompute: data race in transform registration")
	}
	t.index = len(transforms)
	transforms = append(transforms, t)
	if atomic.AddInt32(&transformsBusy, -1) != 0 {
		panic("bigcompute: data race in transform registration")
	}
	return t
}

// Lookup returns the transform with the provided index.
func Lookup(index int) (*Transform, error) {
	if index < 0 || index >= len(transforms) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("transform %d is not registered", index))
	}
	return transforms[index], nil
}

// Index returns the registration index of the transform, by which it
// may be named across process boundaries.
func (t *Transform) Index() int { return t.index }

// IsClass tells whether the transform is a class of stateful
// callables.
func (t *Transform) IsClass() bool { return t.new != nil }

// Func returns the transform's function, or nil if the transform is a
// class.
func (t *Transform) Func() BlockFn { return t.fn }

// New instantiates a new callable from the transform's class.
func (t *Transform) New() (Callable, error) {
	if t.new == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transform %s is not a class", t))
	}
	return t.new()
}

// String returns the transform's registration index and location.
func (t *Transform) String() string {
	kind := "func"
	if t.IsClass() {
		kind = "class"
	}
	return fmt.Sprintf("%s %d (%s)", kind, t.index, t.location)
}
