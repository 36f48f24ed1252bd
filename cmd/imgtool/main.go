// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The imgtool command creates signing keys, builds signed loader images,
// programs them into emulated flash and inspects them.
//
// Usage:
//
//	imgtool keygen -name <key name> -out <prefix>
//	imgtool sign -key <file> -in <payload> -out <image> -version <x.y.z+build> [-load_addr <addr>]
//	imgtool flash -board <board.yaml> -in <image>
//	imgtool dump -in <image> [-pub <file>]
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

type command struct {
	flags *flag.FlagSet
	run   func() error
}

var commands = map[string]*command{
	"keygen": keygenCmd(),
	"sign":   signCmd(),
	"flash":  flashCmd(),
	"dump":   dumpCmd(),
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <keygen|sign|flash|dump> [flags]\n", os.Args[0])

	for name, c := range commands {
		fmt.Fprintf(os.Stderr, "\n%s:\n", name)
		c.flags.PrintDefaults()
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	c, ok := commands[flag.Arg(0)]

	if !ok {
		usage()
		os.Exit(2)
	}

	if err := c.flags.Parse(flag.Args()[1:]); err != nil {
		klog.Exitf("Invalid flags: %v", err)
	}

	if err := c.run(); err != nil {
		klog.Exitf("%s failed: %v", flag.Arg(0), err)
	}
}
