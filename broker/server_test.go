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

package broker

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/curio/client"
	"github.com/alwitt/curio/codec"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

const quietPeriod = time.Millisecond * 300

type testBroker struct {
	server *Server
	addr   string
	cancel context.CancelFunc
	result chan error
}

func (b *testBroker) stop() error {
	b.cancel()
	select {
	case err := <-b.result:
		return err
	case <-time.After(time.Second * 5):
		return errors.New("broker did not stop")
	}
}

func testBrokerConfig() common.BrokerConfig {
	return common.BrokerConfig{
		ListenOn:            "127.0.0.1",
		Port:                0,
		BusCapacity:         32,
		MaxFrameBytes:       1024 * 1024,
		AbortOnConnectError: true,
	}
}

func testClientConfig() common.ClientConfig {
	return common.ClientConfig{DialMaxRetries: 2, DialInitialBackoff: 5, DialMaxBackoff: 20}
}

func startTestBroker(
	t *testing.T, config common.BrokerConfig, registryConfig common.RegistryConfig,
) *testBroker {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	if registryConfig.RequestBuffer == 0 {
		registryConfig.RequestBuffer = 16
	}
	server, err := NewServer(ctxt, config, registryConfig)
	assert.Nil(err)
	assert.Nil(server.Listen())
	result := make(chan error, 1)
	go func() {
		result <- server.Run(ctxt)
	}()
	assert.Eventually(server.Ready, time.Second*2, time.Millisecond*5)
	return &testBroker{
		server: server, addr: server.Addr().String(), cancel: cancel, result: result,
	}
}

func (b *testBroker) connectConsumer(
	t *testing.T, kind messages.ConsumerKind, subscriptions ...messages.Kind,
) *client.Consumer {
	assert := assert.New(t)
	expected := b.server.Stats().ActiveConsumers + 1
	consumer, err := client.DialConsumer(
		context.Background(), b.addr, kind, subscriptions, testClientConfig(),
	)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return b.server.Stats().ActiveConsumers == expected
	}, time.Second*2, time.Millisecond*5)
	return consumer
}

func (b *testBroker) connectProducer(t *testing.T) *client.Producer {
	assert := assert.New(t)
	producer, err := client.DialProducer(context.Background(), b.addr, testClientConfig())
	assert.Nil(err)
	return producer
}

func (b *testBroker) registeredIDs(t *testing.T, appType messages.ApplicationType) []string {
	assert := assert.New(t)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := b.server.Registry().Snapshot(ctxt)
	assert.Nil(err)
	for _, entry := range entries {
		if entry.AppType == appType {
			return entry.Members
		}
	}
	return nil
}

func expectMessage(
	t *testing.T, consumer *client.Consumer, expected messages.NotificationMessage,
) {
	assert := assert.New(t)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	received, err := consumer.Receive(ctxt)
	assert.Nil(err)
	assert.Equal(expected, received)
}

func expectNothing(t *testing.T, consumer *client.Consumer) {
	assert := assert.New(t)
	ctxt, cancel := context.WithTimeout(context.Background(), quietPeriod)
	defer cancel()
	_, err := consumer.Receive(ctxt)
	assert.Equal(context.DeadlineExceeded, err)
}

func outbidMessage() messages.NotificationMessage {
	return messages.NewNotification(messages.AuctionOutbid{
		PublicAuctionID: "",
		Price:           10.0,
		SecondsLeft:     120.0,
		Outbidder:       "X",
		OutbideeEmail:   "x@example.com",
	})
}

func TestBrokerDeliveryScenarios(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 1: subscribed consumer receives the exact payload
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		consumerA := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		producer := uut.connectProducer(t)
		assert.Nil(producer.Publish(outbidMessage()))
		expectMessage(t, consumerA, outbidMessage())
		_ = producer.Close()
		_ = consumerA.Close()
		assert.Nil(uut.stop())
	}

	// Case 2: consumer does not receive kinds it did not subscribe to
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		consumerA := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionUpdate)
		producer := uut.connectProducer(t)
		assert.Nil(producer.Publish(outbidMessage()))
		expectNothing(t, consumerA)
		_ = producer.Close()
		_ = consumerA.Close()
		assert.Nil(uut.stop())
	}

	// Case 3: only the primary of a type forwards; the backup stays connected and keeps
	// draining the bus past its capacity without lagging
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		consumerA := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		consumerB := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		members := uut.registeredIDs(t, messages.ConsumerType(messages.ConsumerSMS))
		assert.Len(members, 2)
		backupID := members[1]
		producer := uut.connectProducer(t)
		published := 0
		for published <= testBrokerConfig().BusCapacity {
			for itr := 0; itr < 8; itr++ {
				assert.Nil(producer.Publish(outbidMessage()))
			}
			for itr := 0; itr < 8; itr++ {
				expectMessage(t, consumerA, outbidMessage())
			}
			published += 8
		}
		expectNothing(t, consumerB)
		assert.Eventually(func() bool {
			stats, ok := uut.server.ReceiverStats()[backupID]
			return ok && stats.Received == uint64(published)
		}, time.Second*2, time.Millisecond*5)
		assert.Equal(uint64(0), uut.server.ReceiverStats()[backupID].Skipped)
		assert.Equal(uint64(0), uut.server.Bus().Stats().Lagged)
		assert.Equal(int64(2), uut.server.Stats().ActiveConsumers)
		assert.Equal(2, uut.server.Bus().Stats().Receivers)
		_ = producer.Close()
		_ = consumerA.Close()
		_ = consumerB.Close()
		assert.Nil(uut.stop())
	}

	// Case 4: consumers of different types each get their own copy
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		consumerA := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		consumerC := uut.connectConsumer(t, messages.ConsumerEmail, messages.KindAuctionOutbid)
		producer := uut.connectProducer(t)
		assert.Nil(producer.Publish(outbidMessage()))
		expectMessage(t, consumerA, outbidMessage())
		expectMessage(t, consumerC, outbidMessage())
		_ = producer.Close()
		_ = consumerA.Close()
		_ = consumerC.Close()
		assert.Nil(uut.stop())
	}
}

func TestBrokerSubscriptionHandling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
	defer func() {
		assert.Nil(uut.stop())
	}()

	// Case 0: publishing with no consumers does not end the producer
	producer := uut.connectProducer(t)
	defer producer.Close()
	{
		assert.Nil(producer.Publish(outbidMessage()))
		assert.Eventually(func() bool {
			return uut.server.Bus().Stats().DroppedNoReceiver == 1
		}, time.Second*2, time.Millisecond*5)
		assert.Equal(int64(1), uut.server.Stats().ActiveProducers)
	}

	// Case 1: duplicate subscription entries deliver once, in publish order
	{
		consumer := uut.connectConsumer(
			t,
			messages.ConsumerEmail,
			messages.KindAuctionOutbid,
			messages.KindAuctionOutbid,
			messages.KindValidateEmail,
		)
		defer consumer.Close()
		verify := messages.NewNotification(messages.ValidateEmail{
			UserName: "Andrew", UserEmail: "andrew@example.com", Token: "1234xyz",
		})
		update := messages.NewNotification(messages.AuctionUpdate{
			PublicAuctionID: "a-1", Price: 11, SecondsLeft: 3,
		})
		assert.Nil(producer.Publish(outbidMessage()))
		assert.Nil(producer.Publish(update))
		assert.Nil(producer.Publish(verify))
		expectMessage(t, consumer, outbidMessage())
		expectMessage(t, consumer, verify)
		expectNothing(t, consumer)
	}
}

func TestBrokerHandshakeFailures(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: malformed subscription drops only that connection
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		raw, err := net.Dial("tcp", uut.addr)
		assert.Nil(err)
		writer := codec.NewFrameWriter(raw, 0)
		assert.Nil(writer.WriteJSON(messages.ConnectMessage{
			SourceApp: messages.ConsumerType(messages.ConsumerSMS),
		}))
		assert.Nil(writer.WriteFrame([]byte(`{"message_subscriptions":"nope"}`)))
		assert.Eventually(func() bool {
			return uut.server.Stats().HandshakeFailures == 1
		}, time.Second*2, time.Millisecond*5)
		_ = raw.Close()

		assert.True(uut.server.Ready())
		consumer := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		producer := uut.connectProducer(t)
		assert.Nil(producer.Publish(outbidMessage()))
		// The dropped connection never registered, so this one is primary
		expectMessage(t, consumer, outbidMessage())
		_ = producer.Close()
		_ = consumer.Close()
		assert.Nil(uut.stop())
	}

	// Case 1: a connection closed before the handshake is not an error
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		raw, err := net.Dial("tcp", uut.addr)
		assert.Nil(err)
		_ = raw.Close()
		assert.Eventually(func() bool {
			return uut.server.Stats().Accepted == 1
		}, time.Second*2, time.Millisecond*5)
		consumer := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		assert.Equal(uint64(0), uut.server.Stats().HandshakeFailures)
		_ = consumer.Close()
		assert.Nil(uut.stop())
	}

	// Case 2: malformed connect frame ends the acceptor by default
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		consumer := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		raw, err := net.Dial("tcp", uut.addr)
		assert.Nil(err)
		assert.Nil(codec.NewFrameWriter(raw, 0).WriteFrame([]byte(`{"source_app":"Nobody"}`)))
		select {
		case err := <-uut.result:
			assert.True(errors.Is(err, ErrAcceptorAborted))
		case <-time.After(time.Second * 2):
			assert.Fail("acceptor did not abort")
		}
		assert.False(uut.server.Ready())
		// Teardown closed the existing consumer
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
		_, err = consumer.Receive(ctxt)
		cancel()
		assert.NotNil(err)
		assert.NotEqual(context.DeadlineExceeded, err)
		_ = raw.Close()
		_ = consumer.Close()
		uut.cancel()
	}

	// Case 3: malformed connect frame is connection local when configured
	{
		config := testBrokerConfig()
		config.AbortOnConnectError = false
		uut := startTestBroker(t, config, common.RegistryConfig{})
		raw, err := net.Dial("tcp", uut.addr)
		assert.Nil(err)
		assert.Nil(codec.NewFrameWriter(raw, 0).WriteFrame([]byte(`not json`)))
		assert.Eventually(func() bool {
			return uut.server.Stats().HandshakeFailures == 1
		}, time.Second*2, time.Millisecond*5)
		_ = raw.Close()
		assert.True(uut.server.Ready())
		consumer := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		_ = consumer.Close()
		assert.Nil(uut.stop())
	}

	// Case 4: oversized frame is a connect error
	{
		config := testBrokerConfig()
		config.MaxFrameBytes = 64
		uut := startTestBroker(t, config, common.RegistryConfig{})
		raw, err := net.Dial("tcp", uut.addr)
		assert.Nil(err)
		assert.Nil(codec.NewFrameWriter(raw, 0).WriteFrame(make([]byte, 128)))
		select {
		case err := <-uut.result:
			assert.True(errors.Is(err, ErrAcceptorAborted))
		case <-time.After(time.Second * 2):
			assert.Fail("acceptor did not abort")
		}
		_ = raw.Close()
		uut.cancel()
	}
}

func TestBrokerBackupPromotion(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	smsType := messages.ConsumerType(messages.ConsumerSMS)

	// Case 0: without promotion a lost primary is never replaced
	{
		uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
		consumerA := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		consumerB := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		producer := uut.connectProducer(t)
		_ = consumerA.Close()
		// The primary's egress ends once a write to the closed socket fails
		assert.Eventually(func() bool {
			_ = producer.Publish(outbidMessage())
			return uut.server.Stats().ActiveConsumers == 1
		}, time.Second*5, time.Millisecond*10)
		assert.Len(uut.registeredIDs(t, smsType), 2)
		assert.Nil(producer.Publish(outbidMessage()))
		expectNothing(t, consumerB)
		_ = producer.Close()
		_ = consumerB.Close()
		assert.Nil(uut.stop())
	}

	// Case 1: with promotion the backup takes over
	{
		uut := startTestBroker(
			t, testBrokerConfig(), common.RegistryConfig{FailoverPromotion: true},
		)
		consumerA := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		consumerB := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
		assert.Len(uut.registeredIDs(t, smsType), 2)
		producer := uut.connectProducer(t)
		_ = consumerA.Close()
		assert.Eventually(func() bool {
			_ = producer.Publish(outbidMessage())
			return len(uut.registeredIDs(t, smsType)) == 1
		}, time.Second*5, time.Millisecond*10)
		assert.Nil(producer.Publish(outbidMessage()))
		expectMessage(t, consumerB, outbidMessage())
		_ = producer.Close()
		_ = consumerB.Close()
		assert.Nil(uut.stop())
	}
}

func TestBrokerConsumerHalfClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), common.RegistryConfig{})
	defer func() {
		assert.Nil(uut.stop())
	}()

	raw, err := net.Dial("tcp", uut.addr)
	assert.Nil(err)
	defer raw.Close()
	writer := codec.NewFrameWriter(raw, 0)
	assert.Nil(writer.WriteJSON(messages.ConnectMessage{
		SourceApp: messages.ConsumerType(messages.ConsumerSMS),
	}))
	assert.Nil(writer.WriteJSON(messages.ConsumerSubscriptionMessage{
		MessageSubscriptions: []messages.Kind{messages.KindAuctionOutbid},
	}))
	assert.Eventually(func() bool {
		return uut.server.Stats().ActiveConsumers == 1
	}, time.Second*2, time.Millisecond*5)

	// Case 0: closing the send side keeps the consumer registered and running
	{
		tcpConn, ok := raw.(*net.TCPConn)
		assert.True(ok)
		assert.Nil(tcpConn.CloseWrite())
		time.Sleep(quietPeriod)
		assert.Equal(int64(1), uut.server.Stats().ActiveConsumers)
	}

	// Case 1: the half-closed consumer still receives
	{
		producer := uut.connectProducer(t)
		defer producer.Close()
		assert.Nil(producer.Publish(outbidMessage()))
		assert.Nil(raw.SetReadDeadline(time.Now().Add(time.Second * 2)))
		var received messages.NotificationMessage
		assert.Nil(codec.NewFrameReader(raw, 0).ReadJSON(&received))
		assert.Equal(outbidMessage(), received)
	}
}

func TestBrokerConsumerLag(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := testBrokerConfig()
	config.BusCapacity = 2
	config.MaxFrameBytes = 2 * 1024 * 1024
	uut := startTestBroker(t, config, common.RegistryConfig{})
	defer func() {
		assert.Nil(uut.stop())
	}()

	consumer := uut.connectConsumer(
		t, messages.ConsumerSMS, messages.KindAuctionOutbid, messages.KindAuctionUpdate,
	)
	defer consumer.Close()
	producer := uut.connectProducer(t)
	defer producer.Close()

	// Case 0: while the consumer is not reading, its socket fills and egress falls behind
	large := messages.NewNotification(messages.AuctionOutbid{
		PublicAuctionID: "a-1",
		Price:           1,
		Outbidder:       strings.Repeat("x", 1024*1024),
	})
	published := 48
	for itr := 0; itr < published; itr++ {
		assert.Nil(producer.Publish(large))
	}
	marker := messages.NewNotification(messages.AuctionUpdate{
		PublicAuctionID: "a-1", Price: 2, SecondsLeft: 1,
	})
	assert.Nil(producer.Publish(marker))
	assert.Eventually(func() bool {
		return uut.server.Bus().Stats().Published == uint64(published+1)
	}, time.Second*10, time.Millisecond*5)

	// Case 1: once reading resumes the lag is skipped and delivery continues
	largeReceived := 0
	for {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		msg, err := consumer.Receive(ctxt)
		cancel()
		if !assert.Nil(err) {
			break
		}
		if msg.Kind() == messages.KindAuctionUpdate {
			assert.Equal(marker, msg)
			break
		}
		largeReceived++
	}
	assert.Less(largeReceived, published)
	assert.Greater(uut.server.Bus().Stats().Lagged, uint64(0))
	assert.Equal(int64(1), uut.server.Stats().ActiveConsumers)

	// Case 2: later notifications still arrive
	{
		assert.Nil(producer.Publish(outbidMessage()))
		expectMessage(t, consumer, outbidMessage())
	}
}

func TestBrokerShutdown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := testBrokerConfig()
	config.StatsReportInterval = 1
	uut := startTestBroker(t, config, common.RegistryConfig{})
	consumer := uut.connectConsumer(t, messages.ConsumerSMS, messages.KindAuctionOutbid)
	defer consumer.Close()
	producer := uut.connectProducer(t)
	defer producer.Close()
	assert.Eventually(func() bool {
		return uut.server.Stats().ActiveProducers == 1
	}, time.Second*2, time.Millisecond*5)

	assert.Nil(uut.stop())
	assert.False(uut.server.Ready())
	stats := uut.server.Stats()
	assert.Equal(int64(0), stats.ActiveConsumers)
	assert.Equal(int64(0), stats.ActiveProducers)

	// Consumer sees the connection end
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	_, err := consumer.Receive(ctxt)
	assert.NotNil(err)
	assert.NotEqual(context.DeadlineExceeded, err)
}
