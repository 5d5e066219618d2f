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
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/curio/bus"
	"github.com/alwitt/curio/codec"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/alwitt/curio/registry"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ServerStats connection level counters
type ServerStats struct {
	Running           bool   `json:"running"`
	Accepted          uint64 `json:"accepted"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	ActiveProducers   int64  `json:"active_producers"`
	ActiveConsumers   int64  `json:"active_consumers"`
}

// Server TCP notification broker
//
// Accepts connections, runs the connect / subscribe handshake inline on the accept
// loop, then hands each connection to its own producer ingress or consumer egress task.
type Server struct {
	goutils.Component
	config   common.BrokerConfig
	failover bool
	listener net.Listener
	bus      *NotificationBus
	registry registry.Registry

	running           atomic.Bool
	accepted          atomic.Uint64
	handshakeFailures atomic.Uint64
	activeProducers   atomic.Int64
	activeConsumers   atomic.Int64

	connLock  sync.Mutex
	live      map[net.Conn]struct{}
	receivers map[string]*NotificationReceiver
	connWG    sync.WaitGroup
}

// NewServer define new broker server
func NewServer(
	ctxt context.Context, config common.BrokerConfig, registryConfig common.RegistryConfig,
) (*Server, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "server",
		"instance":  net.JoinHostPort(config.ListenOn, strconv.Itoa(int(config.Port))),
	}
	notifications, err := bus.NewBus[messages.NotificationMessage]("notifications", config.BusCapacity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast bus")
		return nil, err
	}
	subscribers, err := registry.GetNewRegistryInstance(
		ctxt, "subscribers", registryConfig.RequestBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber registry")
		return nil, err
	}
	return &Server{
		Component: goutils.Component{LogTags: logTags},
		config:    config,
		failover:  registryConfig.FailoverPromotion,
		bus:       notifications,
		registry:  subscribers,
		live:      make(map[net.Conn]struct{}),
		receivers: make(map[string]*NotificationReceiver),
	}, nil
}

// Bus the broadcast bus shared by every connection
func (s *Server) Bus() *NotificationBus {
	return s.bus
}

// Registry the subscriber registry
func (s *Server) Registry() registry.Registry {
	return s.registry
}

// Ready whether the acceptor is running
func (s *Server) Ready() bool {
	return s.running.Load()
}

// Stats snapshot of connection counters
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Running:           s.running.Load(),
		Accepted:          s.accepted.Load(),
		HandshakeFailures: s.handshakeFailures.Load(),
		ActiveProducers:   s.activeProducers.Load(),
		ActiveConsumers:   s.activeConsumers.Load(),
	}
}

// ReceiverStats bus cursor counters of every running consumer egress task, by connection ID
func (s *Server) ReceiverStats() map[string]bus.ReceiverStats {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	result := make(map[string]bus.ReceiverStats, len(s.receivers))
	for id, receiver := range s.receivers {
		result[id] = receiver.Stats()
	}
	return result
}

// Listen bind the listening socket. Run calls this if it was not called before.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen(
		"tcp", net.JoinHostPort(s.config.ListenOn, strconv.Itoa(int(s.config.Port))),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to bind listener")
		return err
	}
	s.listener = listener
	log.WithFields(s.LogTags).Infof("Listening on %s", listener.Addr())
	return nil
}

// Addr address the broker is listening on
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run accept connections until the context ends or the acceptor aborts
//
// On return the listener, the bus, every connection and the registry have been shut down.
// Returns nil when stopped by the context, or an error wrapping ErrAcceptorAborted when a
// malformed connect frame ended the accept loop.
func (s *Server) Run(ctxt context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	supportWG := sync.WaitGroup{}
	runCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()

	if err := s.registry.Start(&supportWG); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start subscriber registry")
		return err
	}

	var statsTimer common.IntervalTimer
	if s.config.StatsReportInterval > 0 {
		timer, err := common.GetIntervalTimerInstance(runCtxt, &supportWG, "broker-stats")
		if err != nil {
			return err
		}
		if err := timer.Start(
			time.Second*time.Duration(s.config.StatsReportInterval), s.reportStats, false,
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to start stats report timer")
			return err
		}
		statsTimer = timer
	}

	// Unblock Accept and any pending handshake once the run ends
	supportWG.Add(1)
	go func() {
		defer supportWG.Done()
		<-runCtxt.Done()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.WithError(err).WithFields(s.LogTags).Error("Listener close failed")
		}
		s.closeLiveConnections()
	}()

	s.running.Store(true)
	err := s.acceptLoop(runCtxt)
	s.running.Store(false)

	// Teardown
	cancel()
	s.bus.Close()
	s.closeLiveConnections()
	s.connWG.Wait()
	if statsTimer != nil {
		_ = statsTimer.Stop()
	}
	_ = s.registry.Stop()
	supportWG.Wait()
	log.WithFields(s.LogTags).Info("Broker stopped")
	return err
}

func (s *Server) acceptLoop(ctxt context.Context) error {
	log.WithFields(s.LogTags).Info("Connection acceptor starting")
	defer log.WithFields(s.LogTags).Info("Connection acceptor exiting")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(s.LogTags).Error("Accept failed")
			return fmt.Errorf("accept: %w", err)
		}
		s.accepted.Add(1)
		s.track(conn)
		if err := s.handshake(ctxt, conn); err != nil {
			return err
		}
	}
}

// handshake read the connect frame, and for consumers the subscription frame, then start
// the connection's task. A non-nil return ends the accept loop.
func (s *Server) handshake(ctxt context.Context, conn net.Conn) error {
	logTags := log.Fields{}
	for key, value := range s.LogTags {
		logTags[key] = value
	}
	logTags["remote"] = conn.RemoteAddr().String()

	reader := codec.NewFrameReader(conn, s.config.MaxFrameBytes)

	// AwaitConnect
	var connect messages.ConnectMessage
	if err := reader.ReadJSON(&connect); err != nil {
		s.dropConnection(conn)
		if errors.Is(err, io.EOF) || ctxt.Err() != nil {
			log.WithFields(logTags).Debug("Connection closed before handshake")
			return nil
		}
		s.handshakeFailures.Add(1)
		log.WithError(err).WithFields(logTags).Error("Unable to read connect message")
		if s.config.AbortOnConnectError {
			return fmt.Errorf("%s: %w", err.Error(), ErrAcceptorAborted)
		}
		return nil
	}
	log.WithFields(logTags).Infof("Client connected as %s", connect.SourceApp)

	appID := uuid.NewString()

	if connect.SourceApp.IsProducer() {
		app := newConnectedApplication(
			appID, connect.SourceApp, conn, reader, s.config.MaxFrameBytes, nil, s.bus,
		)
		s.spawn(app, func() { s.runProducerIngress(app) })
		return nil
	}

	// AwaitSubscription
	var subscription messages.ConsumerSubscriptionMessage
	if err := reader.ReadJSON(&subscription); err != nil {
		s.dropConnection(conn)
		if errors.Is(err, io.EOF) || ctxt.Err() != nil {
			log.WithFields(logTags).Debug("Connection closed before subscribing")
			return nil
		}
		s.handshakeFailures.Add(1)
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to read subscription message for %s", connect.SourceApp,
		)
		return nil
	}
	log.WithFields(logTags).Infof(
		"Received %s subscriptions %v", connect.SourceApp, subscription.MessageSubscriptions,
	)

	receiver := s.bus.Subscribe()
	primary, err := s.registry.Register(ctxt, connect.SourceApp, appID)
	if err != nil {
		receiver.Close()
		s.dropConnection(conn)
		log.WithError(err).WithFields(logTags).Errorf("Unable to register %s", appID)
		return nil
	}
	app := newConnectedApplication(
		appID, connect.SourceApp, conn, reader, s.config.MaxFrameBytes, receiver, s.bus,
	)
	if primary {
		log.WithFields(app.LogTags).Info("Registered as primary")
	} else {
		log.WithFields(app.LogTags).Info("Registered as backup")
	}
	subscriptions := subscription.MessageSubscriptions
	s.spawn(app, func() { s.runConsumerEgress(ctxt, app, subscriptions) })
	return nil
}

// runProducerIngress publish every notification read off the producer's socket
func (s *Server) runProducerIngress(app *ConnectedApplication) {
	s.activeProducers.Add(1)
	defer s.activeProducers.Add(-1)
	log.WithFields(app.LogTags).Info("Producer ingress starting")
	defer log.WithFields(app.LogTags).Info("Producer ingress exiting")
	for {
		var msg messages.NotificationMessage
		if err := app.reader.ReadJSON(&msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.WithFields(app.LogTags).Info("Producer socket closed")
			} else {
				log.WithError(err).WithFields(app.LogTags).Error("Producer read failed")
			}
			return
		}
		if _, err := app.publisher.Publish(msg); err != nil {
			if errors.Is(err, bus.ErrNoReceivers) {
				log.WithFields(app.LogTags).Warnf("No active receivers, dropped %s", msg)
				continue
			}
			log.WithError(err).WithFields(app.LogTags).Error("Publish failed")
			return
		}
	}
}

// runConsumerEgress forward bus notifications to the consumer's socket while primary
func (s *Server) runConsumerEgress(
	ctxt context.Context, app *ConnectedApplication, subscriptions []messages.Kind,
) {
	s.activeConsumers.Add(1)
	defer s.activeConsumers.Add(-1)
	s.trackReceiver(app)
	defer s.untrackReceiver(app)
	log.WithFields(app.LogTags).Info("Consumer egress starting")
	defer log.WithFields(app.LogTags).Info("Consumer egress exiting")

	egressCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()

	// No inbound traffic is expected. A clean EOF is a half-close and delivery continues
	// until a write fails; a read error means the peer is gone.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		_, err := io.Copy(io.Discard, app.conn)
		switch {
		case err == nil:
			log.WithFields(app.LogTags).Debug("Consumer closed its send side")
		case errors.Is(err, net.ErrClosed):
		default:
			log.WithError(err).WithFields(app.LogTags).Info("Consumer socket read failed")
			cancel()
		}
	}()
	defer func() {
		app.close()
		<-watcherDone
	}()

	if s.failover {
		defer s.deregister(app)
	}

	for {
		msg, err := app.receiver.Recv(egressCtxt)
		if err != nil {
			if bus.IsLagError(err) {
				log.WithError(err).WithFields(app.LogTags).Warn("Consumer lagging, notifications dropped")
				continue
			}
			if errors.Is(err, bus.ErrClosed) {
				log.WithFields(app.LogTags).Info("Broadcast bus closed")
			} else {
				log.WithFields(app.LogTags).Info("Consumer disconnected")
			}
			return
		}

		primary, err := s.registry.IsPrimary(egressCtxt, app.AppType, app.ID)
		if err != nil {
			log.WithError(err).WithFields(app.LogTags).Error("Primary check failed")
			return
		}
		if !primary {
			continue
		}

		msgKind := msg.Kind()
		for _, subscribed := range subscriptions {
			if subscribed == msgKind {
				if err := app.writer.WriteJSON(msg); err != nil {
					log.WithError(err).WithFields(app.LogTags).Errorf("Failed to send %s", msg)
					return
				}
				break
			}
		}
	}
}

// deregister remove an exiting consumer from the registry
func (s *Server) deregister(app *ConnectedApplication) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	current, err := s.registry.Deregister(ctxt, app.AppType, app.ID)
	if err != nil {
		log.WithError(err).WithFields(app.LogTags).Error("Failed to deregister")
		return
	}
	log.WithFields(app.LogTags).Infof("Deregistered, primary of %s is now %q", app.AppType, current)
}

func (s *Server) reportStats() error {
	busStats := s.bus.Stats()
	serverStats := s.Stats()
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := s.registry.Snapshot(ctxt)
	if err != nil {
		return err
	}
	log.WithFields(s.LogTags).Infof(
		"Bus published=%d receivers=%d no-receiver-drops=%d lagged=%d | Connections producers=%d consumers=%d | Registered types=%d",
		busStats.Published,
		busStats.Receivers,
		busStats.DroppedNoReceiver,
		busStats.Lagged,
		serverStats.ActiveProducers,
		serverStats.ActiveConsumers,
		len(entries),
	)
	return nil
}

// ----------------------------------------------------------------------------------------
// Connection tracking

func (s *Server) spawn(app *ConnectedApplication, task func()) {
	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		defer s.untrack(app.conn)
		defer app.close()
		task()
	}()
}

func (s *Server) track(conn net.Conn) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	s.live[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	delete(s.live, conn)
}

func (s *Server) trackReceiver(app *ConnectedApplication) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	s.receivers[app.ID] = app.receiver
}

func (s *Server) untrackReceiver(app *ConnectedApplication) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	delete(s.receivers, app.ID)
}

func (s *Server) dropConnection(conn net.Conn) {
	s.untrack(conn)
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).WithFields(s.LogTags).Debug("Socket close failed")
	}
}

func (s *Server) closeLiveConnections() {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	for conn := range s.live {
		_ = conn.Close()
	}
}
