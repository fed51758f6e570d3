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

// Package codec translates feed frames to and from models.UpdateEvent.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/carverauto/wslld/pkg/models"
)

// DefaultMaxMessageBytes bounds the partial-frame buffer when no limit is given.
const DefaultMaxMessageBytes = 1 << 20

const (
	typeUpsert    = "upsert"
	typeRemove    = "remove"
	typeHeartbeat = "heartbeat"
	typePing      = "ping"
	typeSubscribe = "subscribe"
)

// Decoder extracts UpdateEvents from a stream of frames. A frame may carry
// several concatenated or newline-delimited JSON values, and a value may be
// split across frames. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	maxBytes int
}

// NewDecoder returns a decoder whose pending buffer never exceeds maxBytes.
func NewDecoder(maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	return &Decoder{maxBytes: maxBytes}
}

// Buffered returns the number of bytes held for an incomplete trailing value.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any buffered partial value, e.g. after a reconnect.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Decode appends raw to the pending buffer and returns every event that is
// now complete, in order. Well-formed values that fail validation are
// skipped and reported. A partial value carried over from earlier frames
// that does not continue cleanly into raw is reported and dropped, and raw
// is decoded on its own; any other invalid JSON discards the buffer. The
// returned error, if any, wraps ErrMalformed and may carry several
// DecodeErrors.
func (d *Decoder) Decode(raw []byte) ([]models.UpdateEvent, error) {
	carried := len(d.buf)
	d.buf = append(d.buf, raw...)

	if len(d.buf) > d.maxBytes {
		err := newDecodeError(ReasonOversized, d.buf)
		d.Reset()

		return nil, err
	}

	res := decodeValues(d.buf)

	if res.syntaxErr && res.failedAt < carried {
		// frames arrive whole, so the unfinished prefix is the malformed part
		errs := []error{newDecodeError(ReasonInvalidJSON, d.buf[res.failedAt:carried])}
		d.buf = append(d.buf[:0], raw...)

		res = decodeValues(d.buf)
		res.errs = append(errs, res.errs...)
	}

	d.buf = append(d.buf[:0], d.buf[res.consumed:]...)

	return res.events, errors.Join(res.errs...)
}

type decodeResult struct {
	events    []models.UpdateEvent
	errs      []error
	consumed  int
	syntaxErr bool
	failedAt  int
}

// decodeValues decodes every complete value in buf. consumed excludes an
// incomplete trailing value; on a syntax error it covers the whole buffer
// and failedAt marks where the bad value starts.
func decodeValues(buf []byte) decodeResult {
	var res decodeResult

	dec := json.NewDecoder(bytes.NewReader(buf))

	for {
		var value json.RawMessage

		err := dec.Decode(&value)
		if errors.Is(err, io.EOF) {
			res.consumed = len(buf)

			return res
		}

		if errors.Is(err, io.ErrUnexpectedEOF) {
			// incomplete trailing value, wait for more bytes
			return res
		}

		if err != nil {
			res.errs = append(res.errs, newDecodeError(ReasonInvalidJSON, buf[res.consumed:]))
			res.syntaxErr = true
			res.failedAt = res.consumed
			res.consumed = len(buf)

			return res
		}

		res.consumed = int(dec.InputOffset())

		ev, derr := parseMessage(value)
		if derr != nil {
			res.errs = append(res.errs, derr)

			continue
		}

		res.events = append(res.events, ev)
	}
}

type wireMessage struct {
	Type       *string         `json:"type"`
	ID         *string         `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

func parseMessage(value json.RawMessage) (models.UpdateEvent, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.UpdateEvent{}, newDecodeError(ReasonNotObject, value)
	}

	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		// type or id present but not a string
		return models.UpdateEvent{}, newDecodeError(ReasonInvalidJSON, value)
	}

	if msg.Type == nil || *msg.Type == "" {
		return models.UpdateEvent{}, newDecodeError(ReasonMissingType, value)
	}

	switch *msg.Type {
	case typeHeartbeat, typePing:
		return models.Heartbeat(), nil
	case typeRemove:
		if msg.ID == nil || *msg.ID == "" {
			return models.UpdateEvent{}, newDecodeError(ReasonMissingID, value)
		}

		return models.Remove(*msg.ID), nil
	case typeUpsert:
		if msg.ID == nil || *msg.ID == "" {
			return models.UpdateEvent{}, newDecodeError(ReasonMissingID, value)
		}

		attrs, err := parseAttributes(msg.Attributes)
		if err != nil {
			return models.UpdateEvent{}, newDecodeError(ReasonInvalidAttributes, value)
		}

		return models.Upsert(*msg.ID, attrs), nil
	default:
		return models.UpdateEvent{}, newDecodeError(ReasonUnknownType, value)
	}
}

var errAttributesNotObject = errors.New("attributes is not an object")

// parseAttributes flattens an attribute object into strings. A missing or
// null attributes field yields an empty map.
func parseAttributes(raw json.RawMessage) (map[string]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]string{}, nil
	}

	if raw[0] != '{' {
		return nil, errAttributesNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	attrs := make(map[string]string, len(fields))

	for k, v := range fields {
		s, err := attributeString(v)
		if err != nil {
			return nil, err
		}

		attrs[k] = s
	}

	return attrs, nil
}

func attributeString(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "", nil
	}

	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}

		return s, nil
	case 'n':
		return "", nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return "", err
		}

		return buf.String(), nil
	default:
		// numbers and booleans keep their literal text
		return string(v), nil
	}
}
