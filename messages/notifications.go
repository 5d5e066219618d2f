// Copyright 2021-2022 The curio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package messages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is the tag of a notification; it alone decides subscription matching
type Kind string

const (
	// KindAuctionOutbid a bidder was outbid on an auction
	KindAuctionOutbid Kind = "AuctionOutbid"
	// KindAuctionUpdate an auction's state changed
	KindAuctionUpdate Kind = "AuctionUpdate"
	// KindValidateEmail a user must confirm their email address
	KindValidateEmail Kind = "ValidateEmail"
)

// Payload is the body of one notification kind
type Payload interface {
	Kind() Kind
}

// AuctionOutbid payload of KindAuctionOutbid
type AuctionOutbid struct {
	PublicAuctionID string  `json:"public_auction_id"`
	Price           float64 `json:"price"`
	SecondsLeft     float64 `json:"seconds_left"`
	Outbidder       string  `json:"outbidder"`
	OutbideeEmail   string  `json:"outbidee_email"`
}

// Kind notification kind
func (AuctionOutbid) Kind() Kind { return KindAuctionOutbid }

// AuctionUpdate payload of KindAuctionUpdate
type AuctionUpdate struct {
	PublicAuctionID string  `json:"public_auction_id"`
	Price           float64 `json:"price"`
	SecondsLeft     float64 `json:"seconds_left"`
}

// Kind notification kind
func (AuctionUpdate) Kind() Kind { return KindAuctionUpdate }

// ValidateEmail payload of KindValidateEmail
type ValidateEmail struct {
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
	Token     string `json:"token"`
}

// Kind notification kind
func (ValidateEmail) Kind() Kind { return KindValidateEmail }

type payloadDecoder func(raw json.RawMessage) (Payload, error)

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

var payloadDecoders = map[Kind]payloadDecoder{
	KindAuctionOutbid: decodeAs[AuctionOutbid],
	KindAuctionUpdate: decodeAs[AuctionUpdate],
	KindValidateEmail: decodeAs[ValidateEmail],
}

// KnownKinds list every notification kind, sorted
func KnownKinds() []Kind {
	result := make([]Kind, 0, len(payloadDecoders))
	for kind := range payloadDecoders {
		result = append(result, kind)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// ParseKind convert a string into a known Kind
func ParseKind(raw string) (Kind, error) {
	if _, ok := payloadDecoders[Kind(raw)]; !ok {
		return "", fmt.Errorf("notification kind %q: %w", raw, ErrUnknownKind)
	}
	return Kind(raw), nil
}

// UnmarshalJSON accepts either a bare kind string ("AuctionOutbid") or a whole
// notification object ({"AuctionOutbid":{...}}), keeping only the kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := ParseKind(raw)
		if err != nil {
			return err
		}
		*k = parsed
		return nil
	}
	tag, _, err := splitVariant(data)
	if err != nil {
		return err
	}
	parsed, err := ParseKind(tag)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// splitVariant split {"<tag>": <body>} into its tag and body
func splitVariant(data []byte) (string, json.RawMessage, error) {
	var variant map[string]json.RawMessage
	if err := json.Unmarshal(data, &variant); err != nil {
		return "", nil, fmt.Errorf("notification is not an object: %w", err)
	}
	if len(variant) != 1 {
		return "", nil, fmt.Errorf("notification object must have exactly one key, got %d", len(variant))
	}
	for tag, body := range variant {
		return tag, body, nil
	}
	return "", nil, nil
}

// ==============================================================================

// NotificationMessage one domain event flowing from a producer to consumers.
//
// On the wire it is an object with a single key naming the kind:
// {"AuctionOutbid": {"price": 10.0, ...}}
type NotificationMessage struct {
	Payload Payload
}

// NewNotification wrap a payload into a NotificationMessage
func NewNotification(payload Payload) NotificationMessage {
	return NotificationMessage{Payload: payload}
}

// Kind the notification kind. Empty if there is no payload.
func (m NotificationMessage) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// String toString function
func (m NotificationMessage) String() string {
	return fmt.Sprintf("NOTIFICATION[%s]", m.Kind())
}

// MarshalJSON encodes as {"<kind>": payload}
func (m NotificationMessage) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("notification has no payload")
	}
	return json.Marshal(map[Kind]Payload{m.Payload.Kind(): m.Payload})
}

// UnmarshalJSON decodes {"<kind>": payload}
func (m *NotificationMessage) UnmarshalJSON(data []byte) error {
	tag, body, err := splitVariant(data)
	if err != nil {
		return err
	}
	decoder, ok := payloadDecoders[Kind(tag)]
	if !ok {
		return fmt.Errorf("notification kind %q: %w", tag, ErrUnknownKind)
	}
	payload, err := decoder(body)
	if err != nil {
		return fmt.Errorf("notification %s payload: %w", tag, err)
	}
	m.Payload = payload
	return nil
}
