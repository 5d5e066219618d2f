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
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

var (
	// ErrClosed the bus is closed and the receiver has drained every retained value
	ErrClosed = errors.New("broadcast bus is closed")
	// ErrNoReceivers a value was published while no receiver existed; the value is dropped
	ErrNoReceivers = errors.New("broadcast bus has no receivers")
)

// LagError the receiver fell behind the bus and missed values
type LagError struct {
	// Skipped number of values the receiver will never see
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("receiver lagged behind by %d values", e.Skipped)
}

// IsLagError check whether err reports receiver lag
func IsLagError(err error) bool {
	var target *LagError
	return errors.As(err, &target)
}

// Stats bus level counters
type Stats struct {
	Capacity          int    `json:"capacity"`
	Receivers         int    `json:"receivers"`
	Published         uint64 `json:"published"`
	DroppedNoReceiver uint64 `json:"dropped_no_receiver"`
	Lagged            uint64 `json:"lagged"`
}

// Bus bounded multi-producer multi-consumer broadcast channel.
//
// Every receiver sees every value published after it subscribed, in publish order, unless
// it falls more than capacity values behind. A lagging receiver is told how many values it
// missed and resumes from the oldest value still retained.
//
// Ring slots are only released when overwritten, so up to capacity values stay referenced
// after every receiver has read them.
type Bus[T any] struct {
	goutils.Component
	lock      sync.Mutex
	buffer    []T
	head      uint64
	receivers int
	closed    bool
	notify    chan struct{}
	stats     Stats
}

// NewBus define new broadcast bus
func NewBus[T any](name string, capacity int) (*Bus[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("broadcast bus capacity must be positive, got %d", capacity)
	}
	logTags := log.Fields{"module": "bus", "component": "broadcast", "instance": name}
	return &Bus[T]{
		Component: goutils.Component{LogTags: logTags},
		buffer:    make([]T, capacity),
		notify:    make(chan struct{}),
		stats:     Stats{Capacity: capacity},
	}, nil
}

// Subscribe create a receiver which sees values published from now on
func (b *Bus[T]) Subscribe() *Receiver[T] {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.receivers++
	return &Receiver[T]{bus: b, next: b.head}
}

// Publish broadcast one value to every current receiver
//
// Returns the number of receivers the value was offered to. With no receivers the value is
// dropped and ErrNoReceivers returned. Publish never blocks on slow receivers.
func (b *Bus[T]) Publish(value T) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if b.receivers == 0 {
		b.stats.DroppedNoReceiver++
		return 0, ErrNoReceivers
	}
	b.buffer[b.head%uint64(len(b.buffer))] = value
	b.head++
	b.stats.Published++
	close(b.notify)
	b.notify = make(chan struct{})
	return b.receivers, nil
}

// Close stop accepting values. Receivers drain what is retained, then get ErrClosed.
func (b *Bus[T]) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	log.WithFields(b.LogTags).Debug("Closing broadcast bus")
	b.closed = true
	close(b.notify)
}

// Stats snapshot of bus counters
func (b *Bus[T]) Stats() Stats {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := b.stats
	result.Receivers = b.receivers
	return result
}

// oldest sequence number still retained
func (b *Bus[T]) oldest() uint64 {
	capacity := uint64(len(b.buffer))
	if b.head <= capacity {
		return 0
	}
	return b.head - capacity
}

// ReceiverStats per receiver counters
type ReceiverStats struct {
	Received uint64 `json:"received"`
	Skipped  uint64 `json:"skipped"`
}

// Receiver one independent read cursor on a Bus
//
// A receiver is used by a single goroutine.
type Receiver[T any] struct {
	bus    *Bus[T]
	next   uint64
	closed bool
	stats  ReceiverStats
}

// Recv wait for the next value
//
// Returns a *LagError if values were overwritten before this receiver read them; the next
// call continues from the oldest retained value. Returns ErrClosed once the bus is closed
// and drained, or the context error if ctxt ends first.
func (r *Receiver[T]) Recv(ctxt context.Context) (T, error) {
	var empty T
	for {
		value, wait, err := r.poll()
		if err != nil || wait == nil {
			return value, err
		}
		select {
		case <-ctxt.Done():
			return empty, ctxt.Err()
		case <-wait:
		}
	}
}

// TryRecv non-blocking variant of Recv. ok is false when nothing is pending.
func (r *Receiver[T]) TryRecv() (value T, ok bool, err error) {
	value, wait, err := r.poll()
	if err != nil {
		return value, false, err
	}
	return value, wait == nil, nil
}

// poll either return a value or an error, or the channel to wait on
func (r *Receiver[T]) poll() (T, <-chan struct{}, error) {
	var empty T
	b := r.bus
	b.lock.Lock()
	defer b.lock.Unlock()
	if r.closed {
		return empty, nil, ErrClosed
	}
	if oldest := b.oldest(); r.next < oldest {
		skipped := oldest - r.next
		r.next = oldest
		r.stats.Skipped += skipped
		b.stats.Lagged += skipped
		return empty, nil, &LagError{Skipped: skipped}
	}
	if r.next < b.head {
		value := b.buffer[r.next%uint64(len(b.buffer))]
		r.next++
		r.stats.Received++
		return value, nil, nil
	}
	if b.closed {
		return empty, nil, ErrClosed
	}
	return empty, b.notify, nil
}

// Stats snapshot of receiver counters
func (r *Receiver[T]) Stats() ReceiverStats {
	r.bus.lock.Lock()
	defer r.bus.lock.Unlock()
	return r.stats
}

// Close release the receiver. Values published afterwards are not retained for it.
func (r *Receiver[T]) Close() {
	b := r.bus
	b.lock.Lock()
	defer b.lock.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	b.receivers--
}
