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
	"encoding/json"
	"fmt"

	"github.com/carverauto/wslld/pkg/models"
)

// Encoder builds outbound protocol messages.
type Encoder struct {
	token  string
	topics []string
}

// NewEncoder returns an encoder carrying the static handshake parameters.
func NewEncoder(token string, topics []string) *Encoder {
	return &Encoder{token: token, topics: append([]string(nil), topics...)}
}

type subscribeMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Topics []string `json:"topics"`
}

type eventMessage struct {
	Type       string             `json:"type"`
	ID         string             `json:"id,omitempty"`
	Attributes *map[string]string `json:"attributes,omitempty"`
}

var pingMessage = []byte(`{"type":"ping"}`)

// Subscribe returns the subscribe frame sent right after the handshake.
func (e *Encoder) Subscribe() ([]byte, error) {
	topics := e.topics
	if topics == nil {
		topics = []string{}
	}

	return json.Marshal(subscribeMessage{Type: typeSubscribe, Token: e.token, Topics: topics})
}

// Ping returns an application level keepalive frame.
func (*Encoder) Ping() []byte {
	return append([]byte(nil), pingMessage...)
}

// Event encodes ev in the inbound wire shape, the inverse of Decoder.Decode.
func (*Encoder) Event(ev models.UpdateEvent) ([]byte, error) {
	switch ev.Kind {
	case models.EventUpsert:
		attrs := ev.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}

		return json.Marshal(eventMessage{Type: typeUpsert, ID: ev.ID, Attributes: &attrs})
	case models.EventRemove:
		return json.Marshal(eventMessage{Type: typeRemove, ID: ev.ID})
	case models.EventHeartbeat:
		return json.Marshal(eventMessage{Type: typeHeartbeat})
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEventKind, ev.Kind)
	}
}
