// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package computeconfig starts a bigcompute session from the
// "bigcompute" profile instance, read from $HOME/.bigcompute/config
// and overridden by command-line flags. The instance takes the
// parameters parallelism, system (a bigmachine system instance such as
// bigmachine/ec2system; the local substrate is used when it is empty),
// block-splitting and block-owner. For example:
//
//	param bigcompute (
//		parallelism = 64
//		system = bigmachine/ec2system
//		block-splitting = true
//	)
package computeconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcompute/compute"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the bigcompute profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigcompute/config")

// Parse parses the profile at Path and the command line, and starts
// the configured session. The returned shutdown func logs the
// session's stats and tears down its substrate. Parse panics on an
// invalid configuration, such as a non-positive parallelism.
func Parse() (sess *compute.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigcompute", &sess)
	return sess, sess.Shutdown
}
