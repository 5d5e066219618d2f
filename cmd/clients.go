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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/curio/client"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ProducerCLIArgs arguments of the producer subcommand
type ProducerCLIArgs struct {
	// Message JSON encoded notification to publish. Empty sends the sample ValidateEmail.
	Message string
	// Count number of times to publish
	Count int `validate:"gte=1"`
	// Interval wait between publishes
	Interval time.Duration `validate:"gte=0"`
}

// ConsumerCLIArgs arguments of the consumer subcommand
type ConsumerCLIArgs struct {
	// ConsumerKind the consumer type to announce
	ConsumerKind string `validate:"required,oneof=SMS Email"`
	// Subscriptions notification kinds to subscribe to
	Subscriptions []string `validate:"required,min=1"`
}

// SampleNotification notification the producer sends when no message is given
func SampleNotification() messages.NotificationMessage {
	return messages.NewNotification(messages.ValidateEmail{
		UserName:  "Andrew",
		UserEmail: "andrewfromtn@protonmail.com",
		Token:     "1234xyz",
	})
}

// RunProducer connect to the broker as a producer and publish the notification
func RunProducer(
	runtimeContext context.Context,
	addr string,
	params ProducerCLIArgs,
	config common.ClientConfig,
) error {
	logTags := log.Fields{"module": "cmd", "component": "producer", "instance": addr}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	msg := SampleNotification()
	if params.Message != "" {
		if err := json.Unmarshal([]byte(params.Message), &msg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to parse notification")
			return err
		}
	}

	producer, err := client.DialProducer(runtimeContext, addr, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to broker")
		return err
	}
	defer func() {
		_ = producer.Close()
	}()

	for itr := 0; itr < params.Count; itr++ {
		if itr > 0 && params.Interval > 0 {
			select {
			case <-runtimeContext.Done():
				return nil
			case <-time.After(params.Interval):
			}
		}
		if err := producer.Publish(msg); err != nil {
			return err
		}
	}
	log.WithFields(logTags).Infof("Published %s %d times", msg, params.Count)
	return nil
}

// RunConsumer connect to the broker as a consumer and log every notification received
// until the context ends
func RunConsumer(
	runtimeContext context.Context,
	addr string,
	params ConsumerCLIArgs,
	config common.ClientConfig,
	handler client.MessageHandler,
) error {
	logTags := log.Fields{"module": "cmd", "component": "consumer", "instance": addr}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	kind, err := messages.ParseConsumerKind(params.ConsumerKind)
	if err != nil {
		return err
	}
	subscriptions := make([]messages.Kind, 0, len(params.Subscriptions))
	for _, name := range params.Subscriptions {
		parsed, err := messages.ParseKind(name)
		if err != nil {
			return fmt.Errorf("subscription %q: %w", name, err)
		}
		subscriptions = append(subscriptions, parsed)
	}

	consumer, err := client.DialConsumer(runtimeContext, addr, kind, subscriptions, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to broker")
		return err
	}
	defer func() {
		_ = consumer.Close()
	}()

	return consumer.Run(runtimeContext, func(msg messages.NotificationMessage) error {
		log.WithFields(logTags).Infof("Received %s", msg)
		if handler != nil {
			return handler(msg)
		}
		return nil
	})
}
