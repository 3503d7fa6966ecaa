// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcompute/exec"
)

// cancelAndDrain cancels the units computing the provided refs and
// waits for all of them to reach a terminal state. Errors from
// cancelled or failed units are expected here and are discarded.
func cancelAndDrain(sub exec.Substrate, refs []exec.Ref) {
	if len(refs) == 0 {
		return
	}
	for _, ref := range refs {
		sub.Cancel(ref)
	}
	// The caller's context may already be done; the drain must
	// complete regardless.
	_, pending, err := sub.Wait(context.Background(), refs, -1, len(refs))
	if err != nil || len(pending) > 0 {
		log.Error.Printf("drain: %d units still pending: %v", len(pending), err)
		return
	}
	log.Debug.Printf("drained %d units", len(refs))
}

// fail returns the error of the first failed ref among the provided
// terminal refs, or nil if all of them succeeded.
func fail(ctx context.Context, sub exec.Substrate, refs []exec.Ref) error {
	for _, ref := range refs {
		if ref.State() == exec.RefOk {
			continue
		}
		if _, err := sub.Resolve(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}
