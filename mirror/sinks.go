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

package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/core"
	"github.com/alwitt/curio/messages"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// Sink external system receiving a copy of every broadcast notification
type Sink interface {
	// Name sink name used in logs
	Name() string
	// Publish deliver one encoded notification of the given kind
	Publish(ctxt context.Context, kind messages.Kind, payload []byte) error
	// Close release the sink's connection
	Close() error
}

// BuildSinks define every sink enabled in the config
func BuildSinks(config common.MirrorConfig) ([]Sink, error) {
	sinks := []Sink{}
	closeAll := func() {
		for _, sink := range sinks {
			_ = sink.Close()
		}
	}
	if config.NATS != nil {
		sink, err := NewNATSSink(*config.NATS)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if config.Redis != nil {
		sink, err := NewRedisSink(*config.Redis)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if config.Kafka != nil {
		sink, err := NewKafkaSink(*config.Kafka)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// ========================================================================================
// NATS

// natsSink publishes on "<prefix>.<kind>"
type natsSink struct {
	goutils.Component
	client core.NatsClient
	prefix string
}

// NewNATSSink define new NATS mirror sink
func NewNATSSink(config common.NATSMirrorConfig) (Sink, error) {
	logTags := log.Fields{"module": "mirror", "component": "nats-sink", "instance": config.ServerURI}
	client, err := core.GetNatsClient(core.NATSConnectParamsFromConfig(config.NATSConfig))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define NATS client")
		return nil, err
	}
	return &natsSink{
		Component: goutils.Component{LogTags: logTags},
		client:    client,
		prefix:    config.SubjectPrefix,
	}, nil
}

func natsSubject(prefix string, kind messages.Kind) string {
	return fmt.Sprintf("%s.%s", prefix, kind)
}

func (s *natsSink) Name() string {
	return "nats"
}

func (s *natsSink) Publish(_ context.Context, kind messages.Kind, payload []byte) error {
	return s.client.Publish(natsSubject(s.prefix, kind), payload)
}

func (s *natsSink) Close() error {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	s.client.Close(ctxt)
	return nil
}

// ========================================================================================
// Redis

const (
	redisInitialBackoff = 100 * time.Millisecond
	redisMaxBackoff     = 5 * time.Second
)

// redisSink PUBLISHes on "<prefix>:<kind>", retrying with exponential backoff
type redisSink struct {
	goutils.Component
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// NewRedisSink define new Redis mirror sink. The server must answer a PING.
func NewRedisSink(config common.RedisMirrorConfig) (Sink, error) {
	client := redis.NewClient(&redis.Options{Addr: config.ServerAddr})
	ctxt, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxt).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisSinkWithClient(client, config), nil
}

func newRedisSinkWithClient(client redis.UniversalClient, config common.RedisMirrorConfig) *redisSink {
	logTags := log.Fields{"module": "mirror", "component": "redis-sink", "instance": config.ServerAddr}
	return &redisSink{
		Component:  goutils.Component{LogTags: logTags},
		client:     client,
		prefix:     config.ChannelPrefix,
		maxRetries: config.MaxRetries,
	}
}

func redisChannel(prefix string, kind messages.Kind) string {
	return fmt.Sprintf("%s:%s", prefix, kind)
}

func (s *redisSink) Name() string {
	return "redis"
}

func (s *redisSink) Publish(ctxt context.Context, kind messages.Kind, payload []byte) error {
	channel := redisChannel(s.prefix, kind)
	operation := func() error {
		return s.client.Publish(ctxt, channel, payload).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(redisInitialBackoff),
				backoff.WithMaxInterval(redisMaxBackoff),
			),
			uint64(s.maxRetries),
		),
		ctxt,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Retrying Redis publish on %s (next attempt in %s)", channel, d,
		)
	})
}

func (s *redisSink) Close() error {
	return s.client.Close()
}

// ========================================================================================
// Kafka

// kafkaSink writes to one topic keyed by notification kind
type kafkaSink struct {
	goutils.Component
	writer *kafka.Writer
}

// NewKafkaSink define new Kafka mirror sink. Brokers are contacted on first publish.
func NewKafkaSink(config common.KafkaMirrorConfig) (Sink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	logTags := log.Fields{"module": "mirror", "component": "kafka-sink", "instance": config.Topic}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}
	return &kafkaSink{
		Component: goutils.Component{LogTags: logTags},
		writer:    writer,
	}, nil
}

func (s *kafkaSink) Name() string {
	return "kafka"
}

func (s *kafkaSink) Publish(ctxt context.Context, kind messages.Kind, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(kind),
		Value: payload,
	}
	if err := s.writer.WriteMessages(ctxt, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (s *kafkaSink) Close() error {
	return s.writer.Close()
}
