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

package common

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	// Submit submit a new task parameter for processing. Blocks until the
	// parameter is queued or the context is done.
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// ProcessNewTaskParam process a task parameter in the caller's goroutine
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap update the task param to execution mapping
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// AddToTaskExecutionMap add a new entry to the task param to execution mapping
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	// StartEventLoop start the event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the event loop
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	goutils.Component
	name         string
	operationCtx context.Context
	cancel       context.CancelFunc
	newTasks     chan interface{}
	lock         sync.RWMutex
	executionMap map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	ctxt context.Context, name string, taskBuffer int,
) (TaskProcessor, error) {
	if taskBuffer < 0 {
		return nil, fmt.Errorf("[TP %s] task buffer size must not be negative", name)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	opCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:    goutils.Component{LogTags: logTags},
		name:         name,
		operationCtx: opCtxt,
		cancel:       cancel,
		newTasks:     make(chan interface{}, taskBuffer),
		executionMap: make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if p.operationCtx.Err() != nil {
		return fmt.Errorf("[TP %s] event loop is stopped", p.name)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationCtx.Done():
		return fmt.Errorf("[TP %s] event loop is stopped", p.name)
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap = newMap
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.cancel()
	return nil
}

// ProcessNewTaskParam process a new task param
//
// A panic raised by the handler is converted into an error so the event loop
// and the state it owns remain usable.
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) (err error) {
	p.lock.RLock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	mapSize := len(p.executionMap)
	p.lock.RUnlock()
	if mapSize == 0 {
		return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
	}
	if !ok {
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf(
				"[TP %s] handler for %s panicked: %v", p.name, reflect.TypeOf(newTaskParam), r,
			)
		}
	}()
	return theHandler(newTaskParam)
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationCtx.Done():
				return
			case newTaskParam, ok := <-p.newTasks:
				if !ok {
					log.WithFields(p.LogTags).Error(
						"Event loop terminating. Failed to read new task param",
					)
					return
				}
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}

// ==============================================================================

// taskDemuxProcessorImpl implement TaskProcessor but support multiple parallel workers
type taskDemuxProcessorImpl struct {
	goutils.Component
	name     string
	input    TaskProcessor
	workers  []TaskProcessor
	routeIdx int
}

// RoutedTask task param carrying a routing key. A demux processor sends every
// param with the same key to the same worker, preserving their relative order.
type RoutedTask interface {
	RouteKey() string
}

// GetNewTaskDemuxProcessorInstance get instance of TaskDemuxProcessor
//
// Params without a routing key are spread round-robin across the workers, so
// their ordering is only preserved per worker.
func GetNewTaskDemuxProcessorInstance(
	ctxt context.Context, name string, taskBuffer int, workerNum int,
) (TaskProcessor, error) {
	if workerNum < 1 {
		return nil, fmt.Errorf("[TDP %s] at least one worker is required", name)
	}
	inputTP, err := GetNewTaskProcessorInstance(ctxt, fmt.Sprintf("%s.input", name), taskBuffer)
	if err != nil {
		return nil, err
	}
	workers := make([]TaskProcessor, workerNum)
	for itr := 0; itr < workerNum; itr++ {
		workerTP, err := GetNewTaskProcessorInstance(
			ctxt, fmt.Sprintf("%s.worker.%d", name, itr), taskBuffer,
		)
		if err != nil {
			return nil, err
		}
		workers[itr] = workerTP
	}
	logTags := log.Fields{
		"module": "common", "component": "task-demux-processor", "instance": name,
	}
	return &taskDemuxProcessorImpl{
		Component: goutils.Component{LogTags: logTags},
		name:      name,
		input:     inputTP,
		workers:   workers,
		routeIdx:  0,
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskDemuxProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	return p.input.Submit(ctxt, newTaskParam)
}

// ProcessNewTaskParam given a new task, route it to a worker
func (p *taskDemuxProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	if len(p.workers) == 0 {
		return fmt.Errorf("[TDP %s] No workers defined", p.name)
	}
	return p.workers[p.pickWorker(newTaskParam)].Submit(context.Background(), newTaskParam)
}

// pickWorker RoutedTask params hash onto a fixed worker, the rest go round-robin
func (p *taskDemuxProcessorImpl) pickWorker(newTaskParam interface{}) int {
	if routed, ok := newTaskParam.(RoutedTask); ok {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(routed.RouteKey()))
		return int(hasher.Sum32() % uint32(len(p.workers)))
	}
	selected := p.routeIdx
	p.routeIdx = (p.routeIdx + 1) % len(p.workers)
	return selected
}

// SetTaskExecutionMap update the task execution map for all workers
func (p *taskDemuxProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	for _, worker := range p.workers {
		_ = worker.SetTaskExecutionMap(newMap)
	}
	// Create a different version of the input to route to worker
	inputMap := map[reflect.Type]TaskHandler{}
	for msgType := range newMap {
		inputMap[msgType] = p.ProcessNewTaskParam
	}
	return p.input.SetTaskExecutionMap(inputMap)
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskDemuxProcessorImpl) AddToTaskExecutionMap(
	theType reflect.Type, handler TaskHandler,
) error {
	for _, worker := range p.workers {
		_ = worker.AddToTaskExecutionMap(theType, handler)
	}
	return p.input.AddToTaskExecutionMap(theType, p.ProcessNewTaskParam)
}

// StartEventLoop start the event loop
func (p *taskDemuxProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loops")
	// Start the worker loops first
	for _, worker := range p.workers {
		_ = worker.StartEventLoop(wg)
	}
	return p.input.StartEventLoop(wg)
}

// StopEventLoop stop the task param processing event loop
func (p *taskDemuxProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	_ = p.input.StopEventLoop()
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
