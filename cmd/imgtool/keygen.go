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

package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"os"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

func keygenCmd() *command {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	name := fs.String("name", "", "Key name.")
	out := fs.String("out", "", "Output prefix, keys are written to <prefix>.key and <prefix>.pub.")

	return &command{
		flags: fs,
		run: func() error {
			if *name == "" || *out == "" {
				return errors.New("-name and -out are required")
			}

			skey, vkey, err := note.GenerateKey(rand.Reader, *name)

			if err != nil {
				return err
			}

			if err = os.WriteFile(*out+".key", []byte(skey+"\n"), 0o600); err != nil {
				return err
			}

			if err = os.WriteFile(*out+".pub", []byte(vkey+"\n"), 0o644); err != nil {
				return err
			}

			klog.Infof("Wrote verifier key %s", vkey)

			return nil
		},
	}
}
