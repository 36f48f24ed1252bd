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

import "fmt"

// Kind classifies boot attempt failures.
type Kind int

const (
	// RegionError means the image region could not be opened or closed.
	RegionError Kind = iota + 1
	// HeaderReadError means the image header is unreadable or malformed.
	HeaderReadError
	// StagingError means the image could not be copied to RAM.
	StagingError
	// AuthenticationFailure means the image was not authenticated, or its
	// trust record could not be persisted.
	AuthenticationFailure
	// EvidenceRecordingError means measurement or data sharing failed
	// after the image had been trusted.
	EvidenceRecordingError
)

func (k Kind) String() string {
	switch k {
	case RegionError:
		return "region error"
	case HeaderReadError:
		return "header read error"
	case StagingError:
		return "staging error"
	case AuthenticationFailure:
		return "authentication failure"
	case EvidenceRecordingError:
		return "evidence recording error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by Boot.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same Kind, so that errors.Is(err, ErrStaging)
// holds for any staging failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrRegion         = &Error{Kind: RegionError}
	ErrHeaderRead     = &Error{Kind: HeaderReadError}
	ErrStaging        = &Error{Kind: StagingError}
	ErrAuthentication = &Error{Kind: AuthenticationFailure}
	ErrEvidence       = &Error{Kind: EvidenceRecordingError}
)
