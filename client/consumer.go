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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alwitt/curio/codec"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// MessageHandler callback for each notification a Consumer receives
type MessageHandler func(msg messages.NotificationMessage) error

// Consumer protocol client receiving notifications from the broker
type Consumer struct {
	goutils.Component
	conn   net.Conn
	reader *codec.FrameReader

	lock     sync.Mutex
	last     *messages.NotificationMessage
	received int
}

// DialConsumer connect to the broker, announce as a consumer of the given kind, and
// subscribe to the listed notification kinds
func DialConsumer(
	ctxt context.Context,
	addr string,
	kind messages.ConsumerKind,
	subscriptions []messages.Kind,
	config common.ClientConfig,
) (*Consumer, error) {
	logTags := log.Fields{
		"module":    "client",
		"component": "consumer",
		"instance":  fmt.Sprintf("%s@%s", kind, addr),
	}
	conn, err := dial(ctxt, addr, config, logTags)
	if err != nil {
		return nil, err
	}
	writer := codec.NewFrameWriter(conn, 0)
	if err := writer.WriteJSON(
		messages.ConnectMessage{SourceApp: messages.ConsumerType(kind)},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send connect message")
		_ = conn.Close()
		return nil, err
	}
	if err := writer.WriteJSON(
		messages.ConsumerSubscriptionMessage{MessageSubscriptions: subscriptions},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send subscription message")
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		Component: goutils.Component{LogTags: logTags},
		conn:      conn,
		reader:    codec.NewFrameReader(conn, 0),
	}, nil
}

// Receive wait for the next notification
//
// If ctxt ends while a frame is partially read the connection must be closed.
func (c *Consumer) Receive(ctxt context.Context) (messages.NotificationMessage, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return messages.NotificationMessage{}, err
	}

	// Interrupt the blocking read when the context ends
	done := make(chan struct{})
	watcher := sync.WaitGroup{}
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		select {
		case <-ctxt.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	defer func() {
		close(done)
		watcher.Wait()
	}()

	var msg messages.NotificationMessage
	if err := c.reader.ReadJSON(&msg); err != nil {
		if ctxt.Err() != nil {
			return messages.NotificationMessage{}, ctxt.Err()
		}
		return messages.NotificationMessage{}, err
	}
	log.WithFields(c.LogTags).Debugf("Received %s", msg)

	c.lock.Lock()
	defer c.lock.Unlock()
	c.last = &msg
	c.received++
	return msg, nil
}

// Run receive notifications and pass them to handler until ctxt ends or the
// connection fails. Handler errors are logged.
func (c *Consumer) Run(ctxt context.Context, handler MessageHandler) error {
	log.WithFields(c.LogTags).Info("Consumer loop starting")
	defer log.WithFields(c.LogTags).Info("Consumer loop exiting")
	for {
		msg, err := c.Receive(ctxt)
		if err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			return err
		}
		if handler != nil {
			if err := handler(msg); err != nil {
				log.WithError(err).WithFields(c.LogTags).Errorf("Handler failed on %s", msg)
			}
		}
	}
}

// LastMessage the most recently received notification
func (c *Consumer) LastMessage() (messages.NotificationMessage, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.last == nil {
		return messages.NotificationMessage{}, false
	}
	return *c.last, true
}

// Received number of notifications received
func (c *Consumer) Received() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.received
}

// Close disconnect from the broker
func (c *Consumer) Close() error {
	return c.conn.Close()
}
