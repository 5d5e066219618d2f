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

// Package messages defines the broker's wire level data model: who is connecting,
// what notifications flow through the broker, and the two handshake frames.
package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when decoding a notification or consumer kind that is not known
var ErrUnknownKind = errors.New("unknown kind")

// ConsumerKind enumerates the kinds of consumer applications
type ConsumerKind string

const (
	// ConsumerSMS consumer delivering SMS notifications
	ConsumerSMS ConsumerKind = "SMS"
	// ConsumerEmail consumer delivering email notifications
	ConsumerEmail ConsumerKind = "Email"
)

// ParseConsumerKind convert a string into a known ConsumerKind
func ParseConsumerKind(raw string) (ConsumerKind, error) {
	switch ConsumerKind(raw) {
	case ConsumerSMS, ConsumerEmail:
		return ConsumerKind(raw), nil
	default:
		return "", fmt.Errorf("consumer kind %q: %w", raw, ErrUnknownKind)
	}
}

// Role discriminates producers from consumers
type Role int

const (
	// RoleProducer application publishing notifications
	RoleProducer Role = iota + 1
	// RoleConsumer application receiving notifications
	RoleConsumer
)

const producerTag = "Producer"
const consumerTag = "Consumer"

// ApplicationType identifies a connected party: Producer, or Consumer(kind).
//
// The struct is comparable, so it doubles as a map key.
type ApplicationType struct {
	Role     Role
	Consumer ConsumerKind
}

// ProducerType the ApplicationType of every producer
func ProducerType() ApplicationType {
	return ApplicationType{Role: RoleProducer}
}

// ConsumerType the ApplicationType of a consumer of a given kind
func ConsumerType(kind ConsumerKind) ApplicationType {
	return ApplicationType{Role: RoleConsumer, Consumer: kind}
}

// IsConsumer whether this is a consumer type
func (t ApplicationType) IsConsumer() bool {
	return t.Role == RoleConsumer
}

// IsProducer whether this is the producer type
func (t ApplicationType) IsProducer() bool {
	return t.Role == RoleProducer
}

// String toString function
func (t ApplicationType) String() string {
	switch t.Role {
	case RoleProducer:
		return producerTag
	case RoleConsumer:
		return fmt.Sprintf("%s(%s)", consumerTag, t.Consumer)
	default:
		return "Unknown"
	}
}

// MarshalJSON encodes as "Producer" or {"Consumer":"<kind>"}
func (t ApplicationType) MarshalJSON() ([]byte, error) {
	switch t.Role {
	case RoleProducer:
		return json.Marshal(producerTag)
	case RoleConsumer:
		return json.Marshal(map[string]ConsumerKind{consumerTag: t.Consumer})
	default:
		return nil, fmt.Errorf("application type role %d: %w", t.Role, ErrUnknownKind)
	}
}

// UnmarshalJSON decodes "Producer" or {"Consumer":"<kind>"}
func (t *ApplicationType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return err
		}
		if tag != producerTag {
			return fmt.Errorf("application type %q: %w", tag, ErrUnknownKind)
		}
		*t = ProducerType()
		return nil
	}
	var variant map[string]string
	if err := json.Unmarshal(data, &variant); err != nil {
		return fmt.Errorf("application type is neither a string nor an object: %w", err)
	}
	if len(variant) != 1 {
		return fmt.Errorf("application type object must have exactly one key, got %d", len(variant))
	}
	rawKind, ok := variant[consumerTag]
	if !ok {
		return fmt.Errorf("application type object missing %q key: %w", consumerTag, ErrUnknownKind)
	}
	kind, err := ParseConsumerKind(rawKind)
	if err != nil {
		return err
	}
	*t = ConsumerType(kind)
	return nil
}

// ==============================================================================
// Handshake frames

// ConnectMessage first handshake frame sent by every application
type ConnectMessage struct {
	SourceApp ApplicationType `json:"source_app"`
}

// UnmarshalJSON decodes the frame, rejecting one without a source application
func (m *ConnectMessage) UnmarshalJSON(data []byte) error {
	type plain ConnectMessage
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.SourceApp.Role == 0 {
		return fmt.Errorf("connect message has no source_app")
	}
	*m = ConnectMessage(decoded)
	return nil
}

// ConsumerSubscriptionMessage second handshake frame, consumer only. It lists the
// notification kinds the consumer wants delivered, in order.
type ConsumerSubscriptionMessage struct {
	MessageSubscriptions []Kind `json:"message_subscriptions"`
}

// UnmarshalJSON decodes the frame, rejecting one without a subscription list
func (m *ConsumerSubscriptionMessage) UnmarshalJSON(data []byte) error {
	type plain ConsumerSubscriptionMessage
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.MessageSubscriptions == nil {
		return fmt.Errorf("subscription message has no message_subscriptions")
	}
	*m = ConsumerSubscriptionMessage(decoded)
	return nil
}
