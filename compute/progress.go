// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"fmt"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
)

// progress reports the progress of a single strategy application to
// the session's status, if any, and to the debug log.
type progress struct {
	task  *status.Task
	name  string
	total int
	size  data.Size
	start time.Time
}

func newProgress(sess *Session, name string, total int, size int64) *progress {
	p := &progress{
		name:  name,
		total: total,
		size:  data.Size(size),
		start: time.Now(),
	}
	if sess.status != nil {
		p.task = sess.status.Group("bigcompute").Startf("%s: %d blocks (%s)", name, total, p.size)
	}
	return p
}

// Update reports that done of the total blocks are complete. Extra
// describes the state of the strategy.
func (p *progress) Update(done int, extra string) {
	msg := fmt.Sprintf("%d/%d blocks", done, p.total)
	if extra != "" {
		msg += "; " + extra
	}
	p.task.Print(msg)
	log.Debug.Printf("%s: %s", p.name, msg)
}

// Done completes the progress report.
func (p *progress) Done(err error) {
	elapsed := time.Since(p.start).Round(time.Millisecond)
	if err != nil {
		p.task.Printf("failed after %s: %v", elapsed, err)
	} else {
		p.task.Printf("done in %s", elapsed)
	}
	p.task.Done()
}
