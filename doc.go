// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package bigcompute implements distributed block transforms. A
dataset is represented as an ordered list of blocks (package
block); bigcompute applies a user transform to each block and
produces a new list of blocks.

How the transform is distributed is governed by a compute strategy
(package compute). The task pool strategy runs one stateless task
per block with as much parallelism as the substrate admits, and
preserves block order. The actor pool strategy runs an autoscaling
pool of persistent workers, which is useful for transforms with
expensive setup (see Class); it does not preserve block order.

Work is run by an execution substrate (package exec): either in
process, or on a cluster of machines managed by bigmachine.

Because Go cannot serialize code, transforms must be registered
with Func or Class before a session is started. This rule is easy
to follow: if transforms are package-level variables, and the
session is started from main, the program is compliant.

Transforms may emit any number of blocks for each input block. If
block splitting is enabled for a session, each emitted block
becomes an output block of its own; otherwise all blocks emitted
for an input block are merged into a single output block.
*/
package bigcompute
