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

package loader

import (
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/fih"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/image"
)

// authenticate applies the configured policy.
func (l *Loader) authenticate(a *flash.Area, r image.Reader) fih.Ret {
	ret := fih.Failure

	// without keys the flags are cleared so that the validator treats the
	// ciphertext as plaintext and fails, the result is also forced to
	// failure whatever the validator returns
	unkeyed := l.hdr.IsEncrypted() && !l.cfg.EncryptionKey

	if unkeyed {
		klog.Warningf("LD image is encrypted but no key is available, clearing flags %#x", l.hdr.Flags&image.EncryptionFlags)
		l.hdr.Flags &^= image.EncryptionFlags
	}

	switch l.cfg.Policy {
	case PolicyValidateAlways:
		ret = l.validateImage(r)
	case PolicyValidateOnce:
		if unkeyed {
			// rejected below whatever the outcome, the trust record is
			// left untouched
			ret = l.validateImage(r)
		} else {
			ret = l.validateOnce(a, r)
		}
	case PolicySkip:
		ret = fih.Success
	}

	if unkeyed {
		return fih.Failure
	}

	return ret
}

// validateImage runs the validator, it is never retried within an attempt.
func (l *Loader) validateImage(r image.Reader) fih.Ret {
	klog.V(1).Infof("LD validating image (%d bytes)", l.hdr.ImgSize)

	ret := fih.Call(func() fih.Ret {
		return l.c.Validator.Validate(&l.hdr, r, l.scratch)
	})

	if fih.NotEq(ret, fih.Success) {
		return fih.Failure
	}

	return ret
}
