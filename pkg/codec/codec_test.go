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
	"strings"
	"testing"

	"github.com/carverauto/wslld/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecognizedShapes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  models.UpdateEvent
	}{
		{
			name:  "upsert",
			input: `{"type":"upsert","id":"sensor-1","attributes":{"temp":"21.5"}}`,
			want:  models.Upsert("sensor-1", map[string]string{"temp": "21.5"}),
		},
		{
			name:  "upsert without attributes",
			input: `{"type":"upsert","id":"sensor-1"}`,
			want:  models.Upsert("sensor-1", map[string]string{}),
		},
		{
			name:  "remove",
			input: `{"type":"remove","id":"sensor-1"}`,
			want:  models.Remove("sensor-1"),
		},
		{
			name:  "heartbeat",
			input: `{"type":"heartbeat"}`,
			want:  models.Heartbeat(),
		},
		{
			name:  "ping counts as heartbeat",
			input: `{"type":"ping","seq":4}`,
			want:  models.Heartbeat(),
		},
		{
			name:  "unknown fields ignored",
			input: `{"type":"remove","id":"x","ts":"2025-01-01T00:00:00Z","extra":{"a":1}}`,
			want:  models.Remove("x"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := NewDecoder(0).Decode([]byte(tt.input))
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0])
		})
	}
}

func TestDecodeAttributeValueConversion(t *testing.T) {
	input := `{"type":"upsert","id":"h1","attributes":{
		"s":"text","i":42,"f":-1.50e3,"t":true,"b":false,"n":null,
		"o":{"a": [1, 2]},"a":[ "x", {"y" : 1} ]}}`

	events, err := NewDecoder(0).Decode([]byte(input))
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, map[string]string{
		"s": "text",
		"i": "42",
		"f": "-1.50e3",
		"t": "true",
		"b": "false",
		"n": "",
		"o": `{"a":[1,2]}`,
		"a": `["x",{"y":1}]`,
	}, events[0].Attributes)
}

func TestDecodeMultipleValuesPerFrame(t *testing.T) {
	frame := `{"type":"upsert","id":"a","attributes":{}}{"type":"upsert","id":"b","attributes":{}}
{"type":"remove","id":"a"}
{"type":"heartbeat"}
`
	events, err := NewDecoder(0).Decode([]byte(frame))
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, models.EventRemove, events[2].Kind)
	assert.Equal(t, models.EventHeartbeat, events[3].Kind)
}

func TestDecodePartialFrames(t *testing.T) {
	dec := NewDecoder(0)

	msg := `{"type":"upsert","id":"sensor-9","attributes":{"loc":"rack 4"}}`
	split := 23

	events, err := dec.Decode([]byte(msg[:split]))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, split, dec.Buffered())

	events, err = dec.Decode([]byte(msg[split:] + `{"type":"rem`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.Upsert("sensor-9", map[string]string{"loc": "rack 4"}), events[0])
	assert.Equal(t, len(`{"type":"rem`), dec.Buffered())

	events, err = dec.Decode([]byte(`ove","id":"sensor-9"}`))
	require.NoError(t, err)
	require.Equal(t, []models.UpdateEvent{models.Remove("sensor-9")}, events)
	assert.Zero(t, dec.Buffered())
}

func TestDecodeByteAtATime(t *testing.T) {
	dec := NewDecoder(0)
	msg := `{"type":"upsert","id":"z","attributes":{"k":[1,{"n":"}"}]}}`

	var got []models.UpdateEvent

	for i := 0; i < len(msg); i++ {
		events, err := dec.Decode([]byte{msg[i]})
		require.NoError(t, err)

		got = append(got, events...)
	}

	require.Len(t, got, 1)
	assert.Equal(t, `[1,{"n":"}"}]`, got[0].Attributes["k"])
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{name: "invalid json", input: `{"type":upsert}`, reason: ReasonInvalidJSON},
		{name: "array", input: `[1,2,3]`, reason: ReasonNotObject},
		{name: "string", input: `"hello"`, reason: ReasonNotObject},
		{name: "missing type", input: `{"id":"a"}`, reason: ReasonMissingType},
		{name: "empty type", input: `{"type":"","id":"a"}`, reason: ReasonMissingType},
		{name: "non-string type", input: `{"type":7}`, reason: ReasonInvalidJSON},
		{name: "unknown type", input: `{"type":"rename","id":"a"}`, reason: ReasonUnknownType},
		{name: "upsert missing id", input: `{"type":"upsert","attributes":{}}`, reason: ReasonMissingID},
		{name: "remove empty id", input: `{"type":"remove","id":""}`, reason: ReasonMissingID},
		{name: "attributes not object", input: `{"type":"upsert","id":"a","attributes":[1]}`, reason: ReasonInvalidAttributes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(0)

			events, err := dec.Decode([]byte(tt.input))
			assert.Empty(t, events)
			require.ErrorIs(t, err, ErrMalformed)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.reason, decodeErr.Reason)
			assert.Zero(t, dec.Buffered())
		})
	}
}

func TestDecodeMalformedBetweenValidMessages(t *testing.T) {
	dec := NewDecoder(0)

	frame := `{"type":"upsert","id":"a"}
{"type":"bogus"}
{"type":"upsert","id":"b"}`

	events, err := dec.Decode([]byte(frame))
	require.ErrorIs(t, err, ErrMalformed)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestDecodeInvalidJSONDiscardsBuffer(t *testing.T) {
	dec := NewDecoder(0)

	events, err := dec.Decode([]byte(`{"type":"heartbeat"} {oops {"type":"heartbeat"}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Len(t, events, 1)
	assert.Zero(t, dec.Buffered())

	// the decoder recovers on the next frame
	events, err = dec.Decode([]byte(`{"type":"remove","id":"q"}`))
	require.NoError(t, err)
	assert.Equal(t, []models.UpdateEvent{models.Remove("q")}, events)
}

func TestDecodeTruncatedFrameDoesNotSwallowNextFrame(t *testing.T) {
	dec := NewDecoder(0)

	events, err := dec.Decode([]byte(`{"type":"upsert","id":"a"}`))
	require.NoError(t, err)
	require.Equal(t, []models.UpdateEvent{models.Upsert("a", map[string]string{})}, events)

	truncated := `{"type":"upsert","id":"bad"`

	events, err = dec.Decode([]byte(truncated))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, len(truncated), dec.Buffered())

	events, err = dec.Decode([]byte(`{"type":"upsert","id":"b"}`))
	require.ErrorIs(t, err, ErrMalformed)
	require.Equal(t, []models.UpdateEvent{models.Upsert("b", map[string]string{})}, events)
	assert.Zero(t, dec.Buffered())

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, ReasonInvalidJSON, decodeErr.Reason)
	assert.Equal(t, truncated, string(decodeErr.Raw))
}

func TestDecodeTruncatedFrameFollowedByPartialValue(t *testing.T) {
	dec := NewDecoder(0)

	_, err := dec.Decode([]byte(`{"type":"remove","id":`))
	require.NoError(t, err)

	events, err := dec.Decode([]byte(`{"type":"upsert","id":"c"} {"type":"rem`))
	require.ErrorIs(t, err, ErrMalformed)
	require.Len(t, events, 1)
	assert.Equal(t, "c", events[0].ID)
	assert.Equal(t, len(`{"type":"rem`), dec.Buffered())

	events, err = dec.Decode([]byte(`ove","id":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, []models.UpdateEvent{models.Remove("c")}, events)
}

func TestDecodeOversized(t *testing.T) {
	dec := NewDecoder(64)

	_, err := dec.Decode([]byte(`{"type":"upsert","id":"a","attributes":{"k":"`))
	require.NoError(t, err)

	_, err = dec.Decode([]byte(strings.Repeat("x", 64)))
	require.ErrorIs(t, err, ErrMalformed)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, ReasonOversized, decodeErr.Reason)
	assert.Zero(t, dec.Buffered())
}

func TestDecodeErrorTruncatesRaw(t *testing.T) {
	raw := `{"type":"nope","pad":"` + strings.Repeat("p", 2048) + `"}`

	_, err := NewDecoder(0).Decode([]byte(raw))

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Len(t, decodeErr.Raw, maxRawPreview)
	assert.Contains(t, decodeErr.Error(), ReasonUnknownType)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder("", nil)

	events := []models.UpdateEvent{
		models.Heartbeat(),
		models.Remove("sensor-1"),
		models.Upsert("sensor-2", map[string]string{}),
	}

	for i := 0; i < 50; i++ {
		attrs := make(map[string]string, i%5)
		for j := 0; j < i%5; j++ {
			attrs[fmt.Sprintf("attr_%d", j)] = fmt.Sprintf("v\"%d\n{%d}", i, j)
		}

		events = append(events, models.Upsert(fmt.Sprintf("entity-%03d", i), attrs))
	}

	dec := NewDecoder(0)

	for _, ev := range events {
		raw, err := enc.Event(ev)
		require.NoError(t, err)

		got, err := dec.Decode(raw)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ev, got[0])
	}
}

func TestEncoderEventUnknownKind(t *testing.T) {
	_, err := NewEncoder("", nil).Event(models.UpdateEvent{Kind: "rename"})
	require.Error(t, err)
}

func TestEncoderSubscribe(t *testing.T) {
	raw, err := NewEncoder("s3cret", []string{"sensors", "hosts"}).Subscribe()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","token":"s3cret","topics":["sensors","hosts"]}`, string(raw))

	raw, err = NewEncoder("", nil).Subscribe()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","topics":[]}`, string(raw))
}

func TestEncoderPing(t *testing.T) {
	enc := NewEncoder("", nil)

	assert.JSONEq(t, `{"type":"ping"}`, string(enc.Ping()))

	events, err := NewDecoder(0).Decode(enc.Ping())
	require.NoError(t, err)
	assert.Equal(t, []models.UpdateEvent{models.Heartbeat()}, events)
}
