/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package codec

import (
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("malformed message")

var errUnknownEventKind = errors.New("unknown event kind")

const maxRawPreview = 512

// Decode failure reasons.
const (
	ReasonInvalidJSON       = "invalid json"
	ReasonNotObject         = "not an object"
	ReasonMissingType       = "missing type"
	ReasonUnknownType       = "unknown type"
	ReasonMissingID         = "missing id"
	ReasonInvalidAttributes = "attributes must be an object"
	ReasonOversized         = "oversized"
)

// DecodeError describes one rejected inbound message. Raw holds at most the
// first 512 bytes of the offending input.
type DecodeError struct {
	Reason string
	Raw    []byte
}

func newDecodeError(reason string, raw []byte) *DecodeError {
	if len(raw) > maxRawPreview {
		raw = raw[:maxRawPreview]
	}

	return &DecodeError{Reason: reason, Raw: append([]byte(nil), raw...)}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
}

func (*DecodeError) Unwrap() error {
	return ErrMalformed
}
