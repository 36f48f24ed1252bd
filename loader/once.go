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
	"github.com/transparency-dev/armored-witness-loader/state"
)

// validateOnce validates the image unless its trust record shows that this
// was already done, in which case validation is skipped.
//
// A successful validation is persisted by writing the boot magic, when not
// already present, and then image_ok. If either write fails the attempt is
// rejected, a record with the magic but without image_ok is still
// unverified and is validated again on the next boot.
func (l *Loader) validateOnce(a *flash.Area, r image.Reader) fih.Ret {
	rec, err := l.c.Store.ReadState(a)

	if err != nil {
		klog.Errorf("LD could not read trust record, %v", err)
		return fih.Failure
	}

	klog.V(1).Infof("LD trust record %v", rec)

	if rec.Magic == state.MagicGood && rec.ImageOK == state.FlagSet {
		klog.Info("LD image previously validated, skipping validation")
		return fih.Success
	}

	ret := l.validateImage(r)

	if fih.NotEq(ret, fih.Success) {
		return fih.Failure
	}

	if rec.Magic != state.MagicGood {
		if err = l.c.Store.WriteMagic(a); err != nil {
			klog.Errorf("LD could not write boot magic, %v", err)
			return fih.Failure
		}
	}

	if err = l.c.Store.WriteImageOK(a); err != nil {
		klog.Errorf("LD could not write image_ok, %v", err)
		return fih.Failure
	}

	klog.Info("LD image validated, trust record updated")

	return ret
}
