// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Metadata describes a single block. Metadata always describes the
// exact block to which it is attached.
type Metadata struct {
	// NumRows is the number of rows in the block.
	NumRows int
	// SizeBytes is the block's estimated size in bytes.
	SizeBytes int64
	// Schema is the block's schema, if known.
	Schema Schema
	// InputFiles is the list of source files from which the block
	// was (transitively) derived.
	InputFiles []string
	// ExecStats are the execution statistics of the computation that
	// produced the block, if any.
	ExecStats *ExecStats
}

// MetadataFor computes metadata for block b.
func MetadataFor(b Block, inputFiles []string, stats *ExecStats) Metadata {
	return Metadata{
		NumRows:    b.NumRows(),
		SizeBytes:  b.SizeBytes(),
		Schema:     b.Schema(),
		InputFiles: inputFiles,
		ExecStats:  stats,
	}
}

// ExecStats are execution statistics for the computation of a block.
type ExecStats struct {
	// WallTime is the elapsed wall-clock time.
	WallTime time.Duration
	// CPUTime is the process CPU time consumed while the block was
	// computed. It includes CPU time of concurrent computations in the
	// same process.
	CPUTime time.Duration
	// Node is the host on which the block was computed.
	Node string
}

// String returns a short description of s.
func (s *ExecStats) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("wall %s cpu %s node %s", s.WallTime, s.CPUTime, s.Node)
}

// A StatsBuilder measures the execution of a single block computation,
// from the time it is created until Build is called.
type StatsBuilder struct {
	start    time.Time
	startCPU time.Duration
}

// NewStatsBuilder returns a StatsBuilder that starts measuring now.
func NewStatsBuilder() *StatsBuilder {
	return &StatsBuilder{start: time.Now(), startCPU: cpuTime()}
}

// Build returns the execution statistics measured so far.
func (b *StatsBuilder) Build() *ExecStats {
	return &ExecStats{
		WallTime: time.Since(b.start),
		CPUTime:  cpuTime() - b.startCPU,
		Node:     hostname,
	}
}

var hostname = func() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}()

func cpuTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
