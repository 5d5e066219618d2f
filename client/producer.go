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
	"sync"

	"github.com/alwitt/curio/codec"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Producer protocol client publishing notifications to the broker
type Producer struct {
	goutils.Component
	conn   net.Conn
	lock   sync.Mutex
	writer *codec.FrameWriter
}

// DialProducer connect to the broker and announce as a producer
func DialProducer(
	ctxt context.Context, addr string, config common.ClientConfig,
) (*Producer, error) {
	logTags := log.Fields{"module": "client", "component": "producer", "instance": addr}
	conn, err := dial(ctxt, addr, config, logTags)
	if err != nil {
		return nil, err
	}
	instance := &Producer{
		Component: goutils.Component{LogTags: logTags},
		conn:      conn,
		writer:    codec.NewFrameWriter(conn, 0),
	}
	if err := instance.writer.WriteJSON(
		messages.ConnectMessage{SourceApp: messages.ProducerType()},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send connect message")
		_ = conn.Close()
		return nil, err
	}
	return instance, nil
}

// Publish send one notification. Safe for concurrent use.
func (p *Producer) Publish(msg messages.NotificationMessage) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.writer.WriteJSON(msg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to publish %s", msg)
		return err
	}
	log.WithFields(p.LogTags).Debugf("Published %s", msg)
	return nil
}

// Close disconnect from the broker
func (p *Producer) Close() error {
	return p.conn.Close()
}
