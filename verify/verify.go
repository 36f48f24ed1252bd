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

// Package verify implements image authentication with signed notes.
//
// An image carries, in its unprotected TLV area, the SHA-256 of its header,
// body and protected TLVs, and a note signed by the release key whose text
// commits to that hash:
//
//	<origin>
//	<hex encoded SHA-256>
//
// An optional key hash TLV pins the name of the signing key.
package verify

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/fih"
	"github.com/transparency-dev/armored-witness-loader/image"
)

// DefaultOrigin is the note origin line of loader images.
const DefaultOrigin = "Armored Witness Loader Image v0"

// NoteText returns the signed note text committing to an image digest.
func NoteText(origin string, digest []byte) string {
	return fmt.Sprintf("%s\n%x\n", origin, digest)
}

// KeyHash returns the key hash TLV value for a key name.
func KeyHash(name string) []byte {
	h := sha256.Sum256([]byte(name))
	return h[:]
}

// NoteValidator authenticates images against a set of trusted note
// verifier keys.
type NoteValidator struct {
	origin    string
	verifiers note.Verifiers
}

// NewNoteValidator returns a validator trusting notes with the given origin
// signed by any of the verifier keys.
func NewNoteValidator(origin string, vkeys ...string) (*NoteValidator, error) {
	if len(vkeys) == 0 {
		return nil, errors.New("no verifier keys")
	}

	var vs []note.Verifier

	for _, k := range vkeys {
		v, err := note.NewVerifier(k)

		if err != nil {
			return nil, fmt.Errorf("invalid verifier key, %v", err)
		}

		vs = append(vs, v)
	}

	return &NoteValidator{
		origin:    origin,
		verifiers: note.VerifierList(vs...),
	}, nil
}

// Digest computes the image hash, reading through scratch.
func Digest(hdr *image.Header, r image.Reader, end int64, scratch []byte) (digest []byte, err error) {
	if len(scratch) == 0 {
		return nil, errors.New("no scratch buffer")
	}

	if end < int64(hdr.HdrSize) || end > r.Size() {
		return nil, fmt.Errorf("invalid hash range end %#x", end)
	}

	h := sha256.New()

	for off := int64(0); off < end; {
		n := int64(len(scratch))

		if off+n > end {
			n = end - off
		}

		if _, err = r.ReadAt(scratch[:n], off); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read image at %#x, %v", off, err)
		}

		h.Write(scratch[:n])
		off += n
	}

	return h.Sum(nil), nil
}

type evidence struct {
	digest  []byte
	hash    []byte
	sig     []byte
	keyHash []byte
}

func (v *NoteValidator) collect(hdr *image.Header, r image.Reader, scratch []byte) (e *evidence, err error) {
	it, err := image.NewTLVIter(r, hdr, image.TLVAny, false)

	if err != nil {
		return
	}

	e = &evidence{}

	if e.digest, err = Digest(hdr, r, it.ProtectedEnd(), scratch); err != nil {
		return
	}

	for {
		t, err := it.Next()

		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		// only the first entry of each type is considered, protected
		// entries cannot carry authentication data
		var dst *[]byte

		switch {
		case t.Protected:
			continue
		case t.Type == image.TLVSHA256 && e.hash == nil:
			dst = &e.hash
		case t.Type == image.TLVSigNote && e.sig == nil:
			dst = &e.sig
		case t.Type == image.TLVKeyHash && e.keyHash == nil:
			dst = &e.keyHash
		default:
			continue
		}

		if *dst, err = image.ReadValue(r, t); err != nil {
			return nil, err
		}
	}

	return
}

func (v *NoteValidator) checkSignature(e *evidence) error {
	n, err := note.Open(e.sig, v.verifiers)

	if err != nil {
		return fmt.Errorf("invalid signature, %v", err)
	}

	if n.Text != NoteText(v.origin, e.digest) {
		return errors.New("signed note does not commit to image hash")
	}

	if e.keyHash == nil {
		return nil
	}

	for _, s := range n.Sigs {
		if bytes.Equal(e.keyHash, KeyHash(s.Name)) {
			return nil
		}
	}

	return errors.New("key hash does not match any signer")
}

// Validate authenticates the image described by hdr.
//
// Encrypted images are always rejected, this validator has no decryption
// support.
func (v *NoteValidator) Validate(hdr *image.Header, r image.Reader, scratch []byte) fih.Ret {
	ret := fih.Failure

	if hdr.IsEncrypted() {
		klog.Warning("LD encrypted images are not supported")
		return ret
	}

	e, err := v.collect(hdr, r, scratch)

	if err != nil {
		klog.Warningf("LD could not parse image, %v", err)
		return ret
	}

	if len(e.hash) != sha256.Size {
		klog.Warning("LD image hash missing")
		return ret
	}

	if subtle.ConstantTimeCompare(e.hash, e.digest) != 1 {
		klog.Warning("LD image hash mismatch")
		return ret
	}

	if e.sig == nil {
		klog.Warning("LD image signature missing")
		return ret
	}

	if err = v.checkSignature(e); err != nil {
		klog.Warningf("LD %v", err)
		return ret
	}

	// check the hash once more so that skipping the first comparison
	// is not enough to reach success
	if subtle.ConstantTimeCompare(e.hash, e.digest) == 1 {
		ret = fih.Success
	}

	return ret
}
