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
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/transparency-dev/armored-witness-loader/fih"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
	"github.com/transparency-dev/armored-witness-loader/verify"
)

var tlvNames = map[uint16]string{
	image.TLVKeyHash: "KEYHASH",
	image.TLVSHA256:  "SHA256",
	image.TLVSigNote: "SIGNOTE",
}

func dumpCmd() *command {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	in := fs.String("in", "", "Image to inspect.")
	pub := fs.String("pub", "", "Verifier key file, defaults to the built-in key.")
	origin := fs.String("origin", verify.DefaultOrigin, "Signed note origin.")

	return &command{
		flags: fs,
		run: func() error {
			if *in == "" {
				return errors.New("-in is required")
			}

			img, err := os.ReadFile(*in)

			if err != nil {
				return err
			}

			vkeys := keys.VerifierKeys()

			if *pub != "" {
				k, err := os.ReadFile(*pub)

				if err != nil {
					return err
				}

				vkeys = []string{strings.TrimSpace(string(k))}
			}

			s, err := dump(img, *origin, vkeys)

			fmt.Println(s)

			return err
		},
	}
}

func dump(img []byte, origin string, vkeys []string) (string, error) {
	var out strings.Builder

	r := bytes.NewReader(img)

	var hdr image.Header

	if err := image.Load(r, &hdr); err != nil {
		return "", err
	}

	fmt.Fprintf(&out, "Version ................: %v\n", hdr.Ver)
	fmt.Fprintf(&out, "Load address ...........: %#08x\n", hdr.LoadAddr)
	fmt.Fprintf(&out, "Header size ............: %d\n", hdr.HdrSize)
	fmt.Fprintf(&out, "Image size .............: %d\n", hdr.ImgSize)
	fmt.Fprintf(&out, "Protected TLV size .....: %d\n", hdr.ProtectTLVSize)
	fmt.Fprintf(&out, "Flags ..................: %#08x\n", hdr.Flags)

	it, err := image.NewTLVIter(r, &hdr, image.TLVAny, false)

	if err != nil {
		return out.String(), err
	}

	for {
		e, err := it.Next()

		if err == io.EOF {
			break
		} else if err != nil {
			return out.String(), err
		}

		name, ok := tlvNames[e.Type]

		if !ok {
			name = fmt.Sprintf("%#02x", e.Type)
		}

		fmt.Fprintf(&out, "TLV %-8s protected:%-5v %d bytes @ %#x\n", name, e.Protected, e.Len, e.Offset)
	}

	if len(vkeys) == 0 {
		fmt.Fprint(&out, "Signature ..............: not checked")
		return out.String(), nil
	}

	v, err := verify.NewNoteValidator(origin, vkeys...)

	if err != nil {
		return out.String(), err
	}

	ret := v.Validate(&hdr, r, make([]byte, 4096))
	fmt.Fprintf(&out, "Signature ..............: %v", ret)

	if fih.NotEq(ret, fih.Success) {
		return out.String(), errors.New("image authentication failed")
	}

	return out.String(), nil
}
