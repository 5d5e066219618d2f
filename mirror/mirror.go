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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/curio/bus"
	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

const sinkPublishTimeout = time.Second * 10

// Stats mirror counters
type Stats struct {
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Lagged    uint64 `json:"lagged"`
}

// Mirror copies every broadcast notification to a set of external sinks
//
// The mirror reads the bus through its own receiver, so a slow sink makes the mirror lag
// without ever blocking producers. Sink deliveries run on a pool of workers keyed by
// notification kind, so ordering is preserved per kind.
type Mirror struct {
	goutils.Component
	receiver *bus.Receiver[messages.NotificationMessage]
	sinks    []Sink
	tp       common.TaskProcessor
	cancel   context.CancelFunc

	received  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	lagged    atomic.Uint64
}

// mirrorTask one encoded notification to deliver to every sink
type mirrorTask struct {
	kind    messages.Kind
	payload []byte
}

// RouteKey notifications of one kind are delivered by one worker, in order
func (t mirrorTask) RouteKey() string {
	return string(t.kind)
}

// GetNewMirrorInstance define new mirror reading from the receiver
func GetNewMirrorInstance(
	ctxt context.Context,
	name string,
	receiver *bus.Receiver[messages.NotificationMessage],
	sinks []Sink,
	config common.MirrorConfig,
) (*Mirror, error) {
	logTags := log.Fields{"module": "mirror", "component": "mirror", "instance": name}
	if receiver == nil {
		return nil, fmt.Errorf("mirror %s requires a bus receiver", name)
	}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		ctxt, fmt.Sprintf("%s-sinks", name), config.TaskBuffer, config.Workers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sink workers")
		return nil, err
	}
	instance := &Mirror{
		Component: goutils.Component{LogTags: logTags},
		receiver:  receiver,
		sinks:     sinks,
		tp:        workers,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(mirrorTask{}), instance.processMirrorTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Stats snapshot of mirror counters
func (m *Mirror) Stats() Stats {
	return Stats{
		Received:  m.received.Load(),
		Delivered: m.delivered.Load(),
		Failed:    m.failed.Load(),
		Lagged:    m.lagged.Load(),
	}
}

// Start begin reading the bus and delivering to sinks
func (m *Mirror) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	if err := m.tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to start sink workers")
		return err
	}
	readCtxt, cancel := context.WithCancel(ctxt)
	m.cancel = cancel
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.readLoop(readCtxt)
	}()
	return nil
}

// Stop stop reading the bus, stop the workers, and close every sink
func (m *Mirror) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	_ = m.tp.StopEventLoop()
	m.receiver.Close()
	var closeErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Failed to close %s sink", sink.Name())
			closeErr = err
		}
	}
	return closeErr
}

func (m *Mirror) readLoop(ctxt context.Context) {
	log.WithFields(m.LogTags).Info("Mirror read loop starting")
	defer log.WithFields(m.LogTags).Info("Mirror read loop exiting")
	for {
		msg, err := m.receiver.Recv(ctxt)
		if err != nil {
			var lag *bus.LagError
			if errors.As(err, &lag) {
				m.lagged.Add(lag.Skipped)
				log.WithError(err).WithFields(m.LogTags).Warn("Mirror lagging, notifications not mirrored")
				continue
			}
			return
		}
		m.received.Add(1)
		payload, err := json.Marshal(msg)
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to encode %s", msg)
			continue
		}
		if err := m.tp.Submit(ctxt, mirrorTask{kind: msg.Kind(), payload: payload}); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Unable to queue mirror task")
			return
		}
	}
}

func (m *Mirror) processMirrorTask(param interface{}) error {
	task, ok := param.(mirrorTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for mirroring", reflect.TypeOf(param))
	}
	for _, sink := range m.sinks {
		ctxt, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		err := sink.Publish(ctxt, task.kind, task.payload)
		cancel()
		if err != nil {
			m.failed.Add(1)
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Failed to mirror %s to %s", task.kind, sink.Name(),
			)
			continue
		}
		m.delivered.Add(1)
	}
	return nil
}
