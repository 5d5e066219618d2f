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

package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/alwitt/curio/common"
	"github.com/alwitt/curio/messages"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ErrNotRunning the registry event loop is not accepting requests
var ErrNotRunning = errors.New("subscriber registry is not running")

// Entry registered connections of one application type
type Entry struct {
	AppType messages.ApplicationType `json:"app_type"`
	// Members connection IDs in registration order; the first is the primary
	Members []string `json:"members"`
}

// Primary ID of the primary connection
func (e Entry) Primary() string {
	if len(e.Members) == 0 {
		return ""
	}
	return e.Members[0]
}

// Registry tracks which connections are registered under each application type.
//
// The first connection registered for a type is its primary; later ones are backups.
// All reads and writes are serialized through one owning event loop.
type Registry interface {
	// Register append a connection ID under the type. Returns whether it is the primary.
	Register(ctxt context.Context, appType messages.ApplicationType, id string) (bool, error)
	// IsPrimary check whether the connection ID is the primary for the type
	IsPrimary(ctxt context.Context, appType messages.ApplicationType, id string) (bool, error)
	// Deregister remove a connection ID, promoting the next one in line. Returns the
	// resulting primary of the type, or "" if none remain.
	Deregister(ctxt context.Context, appType messages.ApplicationType, id string) (string, error)
	// Snapshot current registrations ordered by application type name
	Snapshot(ctxt context.Context) ([]Entry, error)
	// Start start the owning event loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the owning event loop
	Stop() error
}

// registryImpl implements Registry
type registryImpl struct {
	goutils.Component
	tp      common.TaskProcessor
	entries map[messages.ApplicationType][]string
	stopped chan struct{}
	stop    sync.Once
}

// GetNewRegistryInstance define new subscriber registry
func GetNewRegistryInstance(
	ctxt context.Context, name string, requestBuffer int,
) (Registry, error) {
	logTags := log.Fields{"module": "registry", "component": "subscriber-registry", "instance": name}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, name, requestBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &registryImpl{
		Component: goutils.Component{LogTags: logTags},
		tp:        tp,
		entries:   make(map[messages.ApplicationType][]string),
		stopped:   make(chan struct{}),
	}
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(registerRequest{}):   instance.processRegisterRequest,
		reflect.TypeOf(isPrimaryRequest{}):  instance.processIsPrimaryRequest,
		reflect.TypeOf(deregisterRequest{}): instance.processDeregisterRequest,
		reflect.TypeOf(snapshotRequest{}):   instance.processSnapshotRequest,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start start the owning event loop
func (r *registryImpl) Start(wg *sync.WaitGroup) error {
	return r.tp.StartEventLoop(wg)
}

// Stop stop the owning event loop. Pending and future calls fail with ErrNotRunning.
func (r *registryImpl) Stop() error {
	r.stop.Do(func() { close(r.stopped) })
	return r.tp.StopEventLoop()
}

// registryResult outcome of one registry request
type registryResult struct {
	primary  bool
	current  string
	snapshot []Entry
	err      error
}

// resultCB deliver the outcome of a request; called exactly once per request
type resultCB func(registryResult)

// call submit a request and wait for its outcome
func (r *registryImpl) call(
	ctxt context.Context, build func(cb resultCB) interface{},
) (registryResult, error) {
	complete := make(chan registryResult, 1)
	request := build(func(result registryResult) { complete <- result })
	if err := r.tp.Submit(ctxt, request); err != nil {
		if ctxt.Err() != nil {
			return registryResult{}, err
		}
		return registryResult{}, fmt.Errorf("%s: %w", err.Error(), ErrNotRunning)
	}
	select {
	case result := <-complete:
		return result, result.err
	case <-ctxt.Done():
		return registryResult{}, ctxt.Err()
	case <-r.stopped:
		return registryResult{}, ErrNotRunning
	}
}

// guard recover from a panic in a request handler, reporting it to the caller
func (r *registryImpl) guard(request string, cb resultCB, err *error) {
	if recovered := recover(); recovered != nil {
		*err = fmt.Errorf("registry %s request panicked: %v", request, recovered)
		log.WithError(*err).WithFields(r.LogTags).Error("Registry request failed")
		cb(registryResult{err: *err})
	}
}

// ----------------------------------------------------------------------------------------

type registerRequest struct {
	appType  messages.ApplicationType
	id       string
	resultCB resultCB
}

// Register append a connection ID under the type
func (r *registryImpl) Register(
	ctxt context.Context, appType messages.ApplicationType, id string,
) (bool, error) {
	result, err := r.call(ctxt, func(cb resultCB) interface{} {
		return registerRequest{appType: appType, id: id, resultCB: cb}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to register %s as %s", id, appType)
		return false, err
	}
	return result.primary, nil
}

func (r *registryImpl) processRegisterRequest(param interface{}) (err error) {
	request, ok := param.(registerRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for register", reflect.TypeOf(param))
	}
	defer r.guard("register", request.resultCB, &err)
	request.resultCB(registryResult{primary: r.ProcessRegister(request.appType, request.id)})
	return nil
}

// ProcessRegister append the ID to the list of the type. Must run on the event loop.
func (r *registryImpl) ProcessRegister(appType messages.ApplicationType, id string) bool {
	members := r.entries[appType]
	for _, existing := range members {
		if existing == id {
			return members[0] == id
		}
	}
	r.entries[appType] = append(members, id)
	primary := len(members) == 0
	log.WithFields(r.LogTags).Debugf(
		"Registered %s as %s (primary: %v, position %d)", id, appType, primary, len(members),
	)
	return primary
}

// ----------------------------------------------------------------------------------------

type isPrimaryRequest struct {
	appType  messages.ApplicationType
	id       string
	resultCB resultCB
}

// IsPrimary check whether the connection ID is the primary for the type
func (r *registryImpl) IsPrimary(
	ctxt context.Context, appType messages.ApplicationType, id string,
) (bool, error) {
	result, err := r.call(ctxt, func(cb resultCB) interface{} {
		return isPrimaryRequest{appType: appType, id: id, resultCB: cb}
	})
	if err != nil {
		return false, err
	}
	return result.primary, nil
}

func (r *registryImpl) processIsPrimaryRequest(param interface{}) (err error) {
	request, ok := param.(isPrimaryRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for is-primary", reflect.TypeOf(param))
	}
	defer r.guard("is-primary", request.resultCB, &err)
	members := r.entries[request.appType]
	request.resultCB(registryResult{primary: len(members) > 0 && members[0] == request.id})
	return nil
}

// ----------------------------------------------------------------------------------------

type deregisterRequest struct {
	appType  messages.ApplicationType
	id       string
	resultCB resultCB
}

// Deregister remove a connection ID, promoting the next one in line
func (r *registryImpl) Deregister(
	ctxt context.Context, appType messages.ApplicationType, id string,
) (string, error) {
	result, err := r.call(ctxt, func(cb resultCB) interface{} {
		return deregisterRequest{appType: appType, id: id, resultCB: cb}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to deregister %s from %s", id, appType)
		return "", err
	}
	return result.current, nil
}

func (r *registryImpl) processDeregisterRequest(param interface{}) (err error) {
	request, ok := param.(deregisterRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for deregister", reflect.TypeOf(param))
	}
	defer r.guard("deregister", request.resultCB, &err)
	request.resultCB(registryResult{current: r.ProcessDeregister(request.appType, request.id)})
	return nil
}

// ProcessDeregister remove the ID from the list of the type. Must run on the event loop.
func (r *registryImpl) ProcessDeregister(appType messages.ApplicationType, id string) string {
	members := r.entries[appType]
	remaining := make([]string, 0, len(members))
	for _, existing := range members {
		if existing != id {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == 0 {
		delete(r.entries, appType)
		return ""
	}
	r.entries[appType] = remaining
	if members[0] == id {
		log.WithFields(r.LogTags).Infof("Promoted %s to primary of %s", remaining[0], appType)
	}
	return remaining[0]
}

// ----------------------------------------------------------------------------------------

type snapshotRequest struct {
	resultCB resultCB
}

// Snapshot current registrations ordered by application type name
func (r *registryImpl) Snapshot(ctxt context.Context) ([]Entry, error) {
	result, err := r.call(ctxt, func(cb resultCB) interface{} {
		return snapshotRequest{resultCB: cb}
	})
	if err != nil {
		return nil, err
	}
	return result.snapshot, nil
}

func (r *registryImpl) processSnapshotRequest(param interface{}) (err error) {
	request, ok := param.(snapshotRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for snapshot", reflect.TypeOf(param))
	}
	defer r.guard("snapshot", request.resultCB, &err)
	snapshot := make([]Entry, 0, len(r.entries))
	for appType, members := range r.entries {
		copied := make([]string, len(members))
		copy(copied, members)
		snapshot = append(snapshot, Entry{AppType: appType, Members: copied})
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].AppType.String() < snapshot[j].AppType.String()
	})
	request.resultCB(registryResult{snapshot: snapshot})
	return nil
}
