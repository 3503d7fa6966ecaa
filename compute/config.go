// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"fmt"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigcompute", func(inst *config.Constructor) {
		var (
			p      int
			system bigmachine.System
			split  bool
			owner  string
		)
		inst.IntVar(&p, "parallelism", 1024, "allowable parallelism for the session")
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for execution; the local substrate is used if empty")
		inst.BoolVar(&split, "block-splitting", false, "map transforms in split mode, storing each output block separately")
		inst.StringVar(&owner, "block-owner", "", "owner hint with which split-mode output blocks are stored")
		inst.Doc = "bigcompute configures the bigcompute session"
		inst.New = func() (interface{}, error) {
			if p <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bigcompute: parallelism must be positive, got %d", p))
			}
			opts := []Option{Parallelism(p), BlockOwner(owner)}
			if split {
				opts = append(opts, BlockSplitting)
			}
			if system != nil {
				opts = append(opts, Bigmachine(system))
			} else {
				opts = append(opts, Local)
			}
			return Start(opts...), nil
		}
	})
}
