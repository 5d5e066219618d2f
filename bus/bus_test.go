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

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestBusBasicDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := NewBus[int]("bad", 0)
	assert.NotNil(err)

	uut, err := NewBus[int]("testing", 4)
	assert.Nil(err)

	// Case 0: publish without receivers
	{
		count, err := uut.Publish(1)
		assert.Equal(0, count)
		assert.Equal(ErrNoReceivers, err)
	}

	rx1 := uut.Subscribe()
	rx2 := uut.Subscribe()

	// Case 1: every receiver sees every value in order
	{
		for i := 10; i < 13; i++ {
			count, err := uut.Publish(i)
			assert.Nil(err)
			assert.Equal(2, count)
		}
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, rx := range []*Receiver[int]{rx1, rx2} {
			for i := 10; i < 13; i++ {
				value, err := rx.Recv(ctxt)
				assert.Nil(err)
				assert.Equal(i, value)
			}
		}
	}

	// Case 2: late receiver does not see earlier values
	{
		rx3 := uut.Subscribe()
		_, ok, err := rx3.TryRecv()
		assert.Nil(err)
		assert.False(ok)
		_, err = uut.Publish(20)
		assert.Nil(err)
		value, ok, err := rx3.TryRecv()
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(20, value)
		rx3.Close()
		assert.Equal(2, uut.Stats().Receivers)
	}

	// Case 3: receive times out on an idle bus
	{
		value, ok, err := rx1.TryRecv()
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(20, value)
		ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
		defer cancel()
		_, err = rx1.Recv(ctxt)
		assert.Equal(context.DeadlineExceeded, err)
	}

	stats := uut.Stats()
	assert.Equal(4, stats.Capacity)
	assert.Equal(uint64(4), stats.Published)
	assert.Equal(uint64(1), stats.DroppedNoReceiver)
}

func TestBusLag(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := NewBus[int]("testing", 4)
	assert.Nil(err)
	slow := uut.Subscribe()
	fast := uut.Subscribe()

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Case 0: publishing is never blocked by a slow receiver
	for i := 0; i < 10; i++ {
		_, err := uut.Publish(i)
		assert.Nil(err)
		if i < 4 {
			value, err := fast.Recv(ctxt)
			assert.Nil(err)
			assert.Equal(i, value)
		}
	}

	// Case 1: slow receiver is told how much it missed, then resumes from the oldest value
	{
		_, err := slow.Recv(ctxt)
		assert.NotNil(err)
		assert.True(IsLagError(err))
		var lag *LagError
		assert.True(errors.As(err, &lag))
		assert.Equal(uint64(6), lag.Skipped)
		for i := 6; i < 10; i++ {
			value, err := slow.Recv(ctxt)
			assert.Nil(err)
			assert.Equal(i, value)
		}
		assert.Equal(ReceiverStats{Received: 4, Skipped: 6}, slow.Stats())
	}

	// Case 2: fast receiver lagged too once it stopped reading
	{
		_, err := fast.Recv(ctxt)
		var lag *LagError
		assert.True(errors.As(err, &lag))
		assert.Equal(uint64(2), lag.Skipped)
	}

	assert.Equal(uint64(8), uut.Stats().Lagged)
}

func TestBusClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := NewBus[string]("testing", 8)
	assert.Nil(err)
	rx := uut.Subscribe()

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Case 0: waiting receiver is woken by a publish
	{
		wg := sync.WaitGroup{}
		wg.Add(1)
		var received string
		var recvErr error
		go func() {
			defer wg.Done()
			received, recvErr = rx.Recv(ctxt)
		}()
		time.Sleep(time.Millisecond * 20)
		_, err := uut.Publish("hello")
		assert.Nil(err)
		wg.Wait()
		assert.Nil(recvErr)
		assert.Equal("hello", received)
	}

	// Case 1: retained values drain before the closed error
	{
		_, err := uut.Publish("last")
		assert.Nil(err)
		uut.Close()
		uut.Close()
		_, err = uut.Publish("rejected")
		assert.Equal(ErrClosed, err)
		value, err := rx.Recv(ctxt)
		assert.Nil(err)
		assert.Equal("last", value)
		_, err = rx.Recv(ctxt)
		assert.Equal(ErrClosed, err)
	}

	// Case 2: waiting receiver is woken by close
	{
		other, err := NewBus[string]("other", 2)
		assert.Nil(err)
		waiting := other.Subscribe()
		wg := sync.WaitGroup{}
		wg.Add(1)
		var recvErr error
		go func() {
			defer wg.Done()
			_, recvErr = waiting.Recv(ctxt)
		}()
		time.Sleep(time.Millisecond * 20)
		other.Close()
		wg.Wait()
		assert.Equal(ErrClosed, recvErr)
	}

	// Case 3: a closed receiver is done
	{
		rx.Close()
		rx.Close()
		_, err := rx.Recv(ctxt)
		assert.Equal(ErrClosed, err)
		assert.Equal(0, uut.Stats().Receivers)
	}
}

func TestBusConcurrentPublishers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := NewBus[[2]int]("testing", 1024)
	assert.Nil(err)
	rx := uut.Subscribe()

	// Per publisher order holds with several publishers
	wg := sync.WaitGroup{}
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(publisher int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = uut.Publish([2]int{publisher, i})
			}
		}(p)
	}
	wg.Wait()

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lastSeen := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for i := 0; i < 400; i++ {
		value, err := rx.Recv(ctxt)
		assert.Nil(err)
		assert.Equal(lastSeen[value[0]]+1, value[1])
		lastSeen[value[0]] = value[1]
	}
}
