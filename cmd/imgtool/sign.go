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
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/verify"
)

func signCmd() *command {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	keyFile := fs.String("key", "", "File containing the note signer key.")
	in := fs.String("in", "", "Payload to sign.")
	out := fs.String("out", "", "Output image.")
	version := fs.String("version", "0.0.0", "Image version (major.minor.revision+build).")
	origin := fs.String("origin", verify.DefaultOrigin, "Signed note origin.")
	loadAddr := fs.Uint("load_addr", 0, "Image load address.")
	hdrSize := fs.Uint("hdr_size", image.HeaderSize, "Header size, the payload starts at this offset.")
	ramLoad := fs.Bool("ram_load", false, "Flag the image to be staged in RAM.")
	keyHash := fs.Bool("key_hash", true, "Add a key hash TLV pinning the signer.")

	return &command{
		flags: fs,
		run: func() error {
			if *keyFile == "" || *in == "" || *out == "" {
				return errors.New("-key, -in and -out are required")
			}

			if *hdrSize > 0xffff || *loadAddr > 0xffffffff {
				return errors.New("header size or load address out of range")
			}

			skey, err := os.ReadFile(*keyFile)

			if err != nil {
				return err
			}

			signer, err := note.NewSigner(strings.TrimSpace(string(skey)))

			if err != nil {
				return fmt.Errorf("invalid signer key: %v", err)
			}

			body, err := os.ReadFile(*in)

			if err != nil {
				return err
			}

			v, err := image.ParseVersion(*version)

			if err != nil {
				return err
			}

			hdr := &image.Header{
				LoadAddr: uint32(*loadAddr),
				HdrSize:  uint16(*hdrSize),
				Ver:      v,
			}

			if *ramLoad {
				hdr.Flags |= image.FlagRAMLoad
			}

			img, err := verify.Sign(hdr, body, signer, verify.SignOpts{
				Origin:  *origin,
				KeyHash: *keyHash,
			})

			if err != nil {
				return err
			}

			if err = os.WriteFile(*out, img, 0o644); err != nil {
				return err
			}

			klog.Infof("Wrote %d bytes image %v signed by %q to %q", len(img), v, signer.Name(), *out)

			return nil
		},
	}
}
