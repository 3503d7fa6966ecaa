// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/exec"
)

// cacheKey is the key under which the cached callable is stored in a
// worker's local state.
type cacheKey struct{}

// A cached holds the callable instantiated by a worker, together with
// the class from which it was instantiated. Calls on the callable are
// serialized by mu.
type cached struct {
	class    *bigcompute.Transform
	callable bigcompute.Callable

	mu sync.Mutex
}

// Wrap returns the invokable for transform t under the provided
// strategy. Plain functions are returned unchanged. Classes require a
// strategy: Wrap returns an errors.Invalid error if strategy is nil.
//
// The invokable returned for a class instantiates the class at most
// once per worker and reuses the instance for every subsequent call on
// that worker. Each worker holds at most one instance: invoking a
// different class on the same worker closes (if it implements
// io.Closer) and replaces the previous instance. Classes are compared
// by identity. When called outside of a substrate, the instance is
// held by the returned invokable itself.
//
// An instance is never invoked concurrently: units that share a
// worker's state, as under TaskPool, take turns calling it.
func Wrap(t *bigcompute.Transform, strategy Strategy) (bigcompute.BlockFn, error) {
	if t == nil {
		return nil, errors.E(errors.Invalid, "nil transform")
	}
	if !t.IsClass() {
		return t.Func(), nil
	}
	if strategy == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s is a class: a compute strategy must be specified", t))
	}
	return invokable(t), nil
}

func invokable(t *bigcompute.Transform) bigcompute.BlockFn {
	if !t.IsClass() {
		return t.Func()
	}
	local := exec.NewState()
	return func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		state := exec.LocalState(ctx)
		if state == nil {
			state = local
		}
		c, err := instance(state, t)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.callable.Call(ctx, in, emit)
	}
}

// instance returns the cached callable for class t held by state,
// instantiating it if necessary. A replaced instance is closed once
// its current call, if any, returns.
func instance(state *exec.State, t *bigcompute.Transform) (*cached, error) {
	v, err := state.Update(cacheKey{}, func(old interface{}) (interface{}, error) {
		if c, ok := old.(*cached); ok {
			if c.class == t {
				return c, nil
			}
			c.mu.Lock()
			err := c.Close()
			c.mu.Unlock()
			if err != nil {
				log.Error.Printf("closing instance of %s: %v", c.class, err)
			}
		}
		log.Debug.Printf("instantiating %s", t)
		callable, err := t.New()
		if err != nil {
			return nil, errors.E(fmt.Sprintf("instantiate %s", t), err)
		}
		return &cached{class: t, callable: callable}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cached), nil
}

// Close makes cached instances closed by exec.State.Close when a
// worker is released.
func (c *cached) Close() error {
	if closer, ok := c.callable.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
