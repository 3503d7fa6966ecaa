// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Blockmap reads lines from a set of files, which may be local or
// stored in S3, and maps them in blocks with a chosen transform and
// compute strategy.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcompute"
	"github.com/grailbio/bigcompute/block"
	"github.com/grailbio/bigcompute/compute"
	"github.com/grailbio/bigcompute/computeconfig"
	"github.com/grailbio/bigcompute/exec"
	"github.com/spaolacci/murmur3"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

var transforms = map[string]*bigcompute.Transform{
	// hash replaces each line with its 64-bit murmur3 hash.
	"hash": bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		rows := in.(block.Values)
		out := make(block.Values, len(rows))
		for i, row := range rows {
			out[i] = murmur3.Sum64([]byte(row.(string)))
		}
		return emit(out)
	}),
	// words emits a block of words for each line.
	"words": bigcompute.Func(func(ctx context.Context, in block.Block, emit func(block.Block) error) error {
		for _, row := range in.(block.Values) {
			fields := strings.Fields(row.(string))
			words := make(block.Values, len(fields))
			for i := range fields {
				words[i] = fields[i]
			}
			if err := emit(words); err != nil {
				return err
			}
		}
		return nil
	}),
	// count numbers the lines seen by each worker.
	"count": bigcompute.Class(func() (bigcompute.Callable, error) {
		return new(lineCounter), nil
	}),
}

type lineCounter struct{ n int }

func (c *lineCounter) Call(ctx context.Context, in block.Block, emit func(block.Block) error) error {
	rows := in.(block.Values)
	out := make(block.Values, len(rows))
	for i := range rows {
		c.n++
		out[i] = c.n
	}
	return emit(out)
}

func main() {
	flag.Usage = func() {
		names := make([]string, 0, len(transforms))
		for name := range transforms {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(os.Stderr, `usage: blockmap [flags] transform files...

Command blockmap reads lines from the provided files, groups them
into blocks, and maps each block with the named transform. Available
transforms are: %s.

`, strings.Join(names, ", "))
		flag.PrintDefaults()
		os.Exit(2)
	}
	var (
		strategy  = flag.String("strategy", "tasks", "compute strategy: tasks or actors")
		minSize   = flag.Int("min", 1, "minimum actor pool size")
		maxSize   = flag.Int("max", 0, "maximum actor pool size; 0 means unbounded")
		lines     = flag.Int("lines", 1000, "number of lines per block")
		cpus      = flag.Int("cpus", 0, "number of CPUs requested per unit")
		printRows = flag.Bool("print", false, "print the output rows")
	)
	sess, shutdown := computeconfig.Parse()
	defer shutdown()

	if flag.NArg() < 2 {
		flag.Usage()
	}
	t, ok := transforms[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown transform %s\n", flag.Arg(0))
		flag.Usage()
	}
	var spec interface{} = *strategy
	if *strategy == "actors" {
		pool, err := compute.NewActorPool(*minSize, *maxSize)
		must.Nil(err)
		spec = pool
	}

	ctx := context.Background()
	in, err := readBlocks(ctx, sess.Substrate(), flag.Args()[1:], *lines)
	must.Nil(err)
	log.Printf("read %d blocks (%d rows, %s)", in.Len(), in.NumRows(), data.Size(in.SizeBytes()))

	out, err := sess.Map(ctx, in, t, spec, exec.Options{NumCPUs: *cpus}, true)
	must.Nil(err)
	log.Printf("mapped to %d blocks (%d rows, %s)", out.Len(), out.NumRows(), data.Size(out.SizeBytes()))
	if !*printRows {
		return
	}
	entries, err := out.Entries()
	must.Nil(err)
	w := bufio.NewWriter(os.Stdout)
	for _, e := range entries {
		v, err := sess.Substrate().Resolve(ctx, e.Ref)
		must.Nil(err)
		for _, row := range v.(block.Values) {
			fmt.Fprintln(w, row)
		}
	}
	must.Nil(w.Flush())
}

// readBlocks reads the lines of the provided files into blocks of at
// most n lines. Each block is put to the substrate, and records the
// file from which it was read.
func readBlocks(ctx context.Context, sub exec.Substrate, paths []string, n int) (*block.List, error) {
	var entries []block.Entry
	for _, path := range paths {
		f, err := file.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		var (
			scan = bufio.NewScanner(f.Reader(ctx))
			rows block.Values
		)
		flush := func() {
			if len(rows) == 0 {
				return
			}
			entries = append(entries, block.Entry{
				Ref:  sub.Put(ctx, rows, ""),
				Meta: block.MetadataFor(rows, []string{path}, nil),
			})
			rows = nil
		}
		for scan.Scan() {
			rows = append(rows, scan.Text())
			if len(rows) == n {
				flush()
			}
		}
		flush()
		if err := scan.Err(); err != nil {
			f.Close(ctx)
			return nil, err
		}
		if err := f.Close(ctx); err != nil {
			return nil, err
		}
	}
	return block.NewList(entries), nil
}
