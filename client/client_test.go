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

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alwitt/curio/codec"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testClientConfig() common.ClientConfig {
	return common.ClientConfig{DialMaxRetries: 2, DialInitialBackoff: 5, DialMaxBackoff: 20}
}

func acceptOne(t *testing.T, listener net.Listener) <-chan net.Conn {
	result := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			t.Logf("accept failed: %s", err)
			close(result)
			return
		}
		result <- conn
	}()
	return result
}

func TestProducerClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(err)
	defer listener.Close()
	accepted := acceptOne(t, listener)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	uut, err := DialProducer(ctxt, listener.Addr().String(), testClientConfig())
	assert.Nil(err)
	defer uut.Close()

	serverSide := <-accepted
	assert.NotNil(serverSide)
	defer serverSide.Close()
	reader := codec.NewFrameReader(serverSide, 0)

	// Case 0: handshake announces a producer
	{
		var connect messages.ConnectMessage
		assert.Nil(reader.ReadJSON(&connect))
		assert.Equal(messages.ProducerType(), connect.SourceApp)
	}

	// Case 1: notifications follow
	{
		msg := messages.NewNotification(messages.ValidateEmail{
			UserName: "user", UserEmail: "user@example.com", Token: "abc",
		})
		assert.Nil(uut.Publish(msg))
		var received messages.NotificationMessage
		assert.Nil(reader.ReadJSON(&received))
		assert.Equal(msg, received)
	}
}

func TestConsumerClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(err)
	defer listener.Close()
	accepted := acceptOne(t, listener)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	subscriptions := []messages.Kind{messages.KindAuctionOutbid, messages.KindAuctionUpdate}
	uut, err := DialConsumer(
		ctxt, listener.Addr().String(), messages.ConsumerEmail, subscriptions, testClientConfig(),
	)
	assert.Nil(err)
	defer uut.Close()

	serverSide := <-accepted
	assert.NotNil(serverSide)
	defer serverSide.Close()
	reader := codec.NewFrameReader(serverSide, 0)
	writer := codec.NewFrameWriter(serverSide, 0)

	// Case 0: handshake
	{
		var connect messages.ConnectMessage
		assert.Nil(reader.ReadJSON(&connect))
		assert.Equal(messages.ConsumerType(messages.ConsumerEmail), connect.SourceApp)
		var subscription messages.ConsumerSubscriptionMessage
		assert.Nil(reader.ReadJSON(&subscription))
		assert.EqualValues(subscriptions, subscription.MessageSubscriptions)
		_, ok := uut.LastMessage()
		assert.False(ok)
	}

	// Case 1: receive times out with nothing sent
	{
		waitCtxt, waitCancel := context.WithTimeout(ctxt, time.Millisecond*50)
		_, err := uut.Receive(waitCtxt)
		waitCancel()
		assert.Equal(context.DeadlineExceeded, err)
	}

	// Case 2: receive after a timeout still works
	{
		msg := messages.NewNotification(messages.AuctionUpdate{
			PublicAuctionID: "a-1", Price: 3.5, SecondsLeft: 10,
		})
		assert.Nil(writer.WriteJSON(msg))
		received, err := uut.Receive(ctxt)
		assert.Nil(err)
		assert.Equal(msg, received)
		last, ok := uut.LastMessage()
		assert.True(ok)
		assert.Equal(msg, last)
		assert.Equal(1, uut.Received())
	}

	// Case 3: run loop hands messages to the handler and ends with the context
	{
		msg := messages.NewNotification(messages.AuctionOutbid{Price: 1, Outbidder: "B"})
		assert.Nil(writer.WriteJSON(msg))
		runCtxt, runCancel := context.WithCancel(ctxt)
		handled := make(chan messages.NotificationMessage, 1)
		runDone := make(chan error, 1)
		go func() {
			runDone <- uut.Run(runCtxt, func(m messages.NotificationMessage) error {
				handled <- m
				return nil
			})
		}()
		select {
		case m := <-handled:
			assert.Equal(msg, m)
		case <-time.After(time.Second * 2):
			assert.Fail("handler not called")
		}
		runCancel()
		select {
		case err := <-runDone:
			assert.Nil(err)
		case <-time.After(time.Second * 2):
			assert.Fail("run loop did not stop")
		}
	}

	// Case 4: broker closing the connection ends the run loop with an error
	{
		serverSide.Close()
		assert.NotNil(uut.Run(ctxt, nil))
	}
}

func TestDialFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(err)
	addr := listener.Addr().String()
	assert.Nil(listener.Close())

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err = DialProducer(ctxt, addr, testClientConfig())
	assert.NotNil(err)
	_, err = DialConsumer(
		ctxt, addr, messages.ConsumerSMS, []messages.Kind{messages.KindAuctionOutbid},
		testClientConfig(),
	)
	assert.NotNil(err)
}
