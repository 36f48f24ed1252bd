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

package verify

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-loader/image"
)

// SignOpts controls the contents of a signed image.
type SignOpts struct {
	// Origin is the signed note origin line, DefaultOrigin if empty.
	Origin string
	// KeyHash adds a key hash TLV for the signer.
	KeyHash bool
	// Protected are TLVs covered by the image hash.
	Protected []image.TLV
}

// Sign builds a complete image from hdr and body, signed by signer. The
// size fields of hdr are updated to match.
func Sign(hdr *image.Header, body []byte, signer note.Signer, opts SignOpts) ([]byte, error) {
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}

	img, err := image.Assemble(hdr, body, opts.Protected)

	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(img)

	sig, err := note.Sign(&note.Note{Text: NoteText(opts.Origin, digest[:])}, signer)

	if err != nil {
		return nil, fmt.Errorf("failed to sign image, %v", err)
	}

	var tlvs []image.TLV

	if opts.KeyHash {
		tlvs = append(tlvs, image.TLV{Type: image.TLVKeyHash, Data: KeyHash(signer.Name())})
	}

	tlvs = append(tlvs,
		image.TLV{Type: image.TLVSHA256, Data: digest[:]},
		image.TLV{Type: image.TLVSigNote, Data: sig},
	)

	return image.Finish(img, tlvs)
}
