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
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/flash"
)

// DefaultScratchSize is the size of the buffer lent to the validator when
// Config.ScratchSize is zero.
const DefaultScratchSize = 1024

// Policy selects how the image is authenticated.
type Policy int

const (
	// PolicyValidateAlways validates the image on every boot.
	PolicyValidateAlways Policy = iota
	// PolicyValidateOnce validates the image on first boot and then
	// relies on the persisted trust record.
	PolicyValidateOnce
	// PolicySkip boots the image without authentication.
	//
	// *WARNING*: this is only meant for development builds.
	PolicySkip
)

func (p Policy) String() string {
	switch p {
	case PolicyValidateAlways:
		return "validate-always"
	case PolicyValidateOnce:
		return "validate-once"
	case PolicySkip:
		return "skip"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy returns the policy with the given name.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{PolicyValidateAlways, PolicyValidateOnce, PolicySkip} {
		if p.String() == s {
			return p, nil
		}
	}

	return 0, fmt.Errorf("unknown policy %q", s)
}

// Config selects the loader features, it is fixed for the lifetime of a
// Loader.
type Config struct {
	// RegionID is the flash area holding the image.
	RegionID uint8
	// Policy is the authentication policy.
	Policy Policy
	// RAMLoad copies the image to RAM before authenticating it.
	RAMLoad bool
	// MeasuredBoot records a measurement of the booted image.
	MeasuredBoot bool
	// DataSharing hands boot information to the next stage.
	DataSharing bool
	// EncryptionKey indicates that image decryption keys are available.
	EncryptionKey bool
	// ScratchSize is the size of the validator scratch buffer.
	ScratchSize int
}

// DefaultConfig returns the configuration of a validate-every-boot loader
// for the primary image area.
func DefaultConfig() Config {
	return Config{
		RegionID:    flash.AreaImagePrimary,
		Policy:      PolicyValidateAlways,
		ScratchSize: DefaultScratchSize,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.Policy {
	case PolicyValidateAlways, PolicyValidateOnce, PolicySkip:
	default:
		return fmt.Errorf("invalid policy %v", c.Policy)
	}

	if c.ScratchSize < 0 {
		return fmt.Errorf("invalid scratch size %d", c.ScratchSize)
	}

	return nil
}
