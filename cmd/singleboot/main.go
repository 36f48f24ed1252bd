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
// The singleboot command runs the single slot loader against an emulated
// board and reports the boot decision.
package main

import (
	"flag"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/fih"
	"github.com/transparency-dev/armored-witness-loader/loader"
)

var (
	boardFile = flag.String("board", "board.yaml", "Board description.")
	version   = flag.String("version", "0.1.0", "Loader version reported to the booted image.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	out, err := run(*boardFile, *version)

	fmt.Print(out)

	if err != nil {
		klog.Exitf("Boot failed: %v", err)
	}
}

// run performs one boot attempt and returns its report, a nil error means
// the image can be booted.
func run(boardPath string, version string) (string, error) {
	e, err := newEmulator(boardPath, version)

	if err != nil {
		return "", err
	}

	defer e.close()

	var rsp loader.Response

	ret, err := e.l.Boot(&rsp)

	if fih.NotEq(ret, fih.Success) {
		if err == nil {
			err = fmt.Errorf("boot rejected (%v)", ret)
		}

		return "", err
	}

	if err != nil {
		klog.Warningf("Booting despite: %v", err)
	}

	if err = e.saveShared(); err != nil {
		return "", err
	}

	return e.report(&rsp), nil
}
