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
	"errors"
	"net"

	"github.com/alwitt/curio/bus"
	"github.com/alwitt/curio/codec"
	"github.com/alwitt/curio/messages"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ErrAcceptorAborted the accept loop stopped because of a malformed connect frame
var ErrAcceptorAborted = errors.New("connection acceptor aborted")

// NotificationBus broadcast bus carrying notifications between connections
type NotificationBus = bus.Bus[messages.NotificationMessage]

// NotificationReceiver one read cursor on the NotificationBus
type NotificationReceiver = bus.Receiver[messages.NotificationMessage]

// ConnectedApplication runtime context of one connection which completed its handshake
//
// Only consumers hold a bus cursor. A producer never subscribes, so a publish made while
// producers are the only connections is dropped with bus.ErrNoReceivers.
type ConnectedApplication struct {
	goutils.Component
	// ID unique identity of the connection
	ID string
	// AppType declared application type
	AppType messages.ApplicationType
	conn    net.Conn
	reader  *codec.FrameReader
	writer  *codec.FrameWriter
	// receiver private bus cursor; nil for producers
	receiver *NotificationReceiver
	// publisher shared bus handle
	publisher *NotificationBus
}

func newConnectedApplication(
	id string,
	appType messages.ApplicationType,
	conn net.Conn,
	reader *codec.FrameReader,
	maxFrameBytes int,
	receiver *NotificationReceiver,
	publisher *NotificationBus,
) *ConnectedApplication {
	logTags := log.Fields{
		"module":    "broker",
		"component": "connected-application",
		"instance":  id,
		"app_type":  appType.String(),
		"remote":    conn.RemoteAddr().String(),
	}
	return &ConnectedApplication{
		Component: goutils.Component{LogTags: logTags},
		ID:        id,
		AppType:   appType,
		conn:      conn,
		reader:    reader,
		writer:    codec.NewFrameWriter(conn, maxFrameBytes),
		receiver:  receiver,
		publisher: publisher,
	}
}

// close release the socket and the bus cursor
func (a *ConnectedApplication) close() {
	if a.receiver != nil {
		a.receiver.Close()
	}
	if err := a.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).WithFields(a.LogTags).Debug("Socket close failed")
	}
}
