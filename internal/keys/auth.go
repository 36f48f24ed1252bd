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

//go:build !disable_image_auth
// +build !disable_image_auth

// Package keys holds the image authentication keys built into the loader.
package keys

import (
	_ "embed"
	"strings"
)

const DisableAuth = false

// ImagePublicKey represents the image signing note verifier key.
//
//go:embed loader-dev.pub
var ImagePublicKey []byte

// VerifierKeys returns the built-in note verifier keys.
func VerifierKeys() []string {
	return []string{strings.TrimSpace(string(ImagePublicKey))}
}
