// Copyright 2025 Kestrel, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package join

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/kestreldb/kestrel/pkg/util/mem"
)

// Task coordinates the drivers of one pipeline. It tracks which drivers
// are suspended for arbitration, implements the pause handshake a reclaim
// needs before it may touch peer operators, and runs the end-of-input
// barrier.
//
// Locking: one mutex plus a condition variable. Drivers block in
// LeaveSuspended while a pause is in force, and in the barrier wait
// channel at end of input.
type Task struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu             sync.Mutex
	cond           *sync.Cond
	operators      []*HashBuild
	numDrivers     int
	numSuspended   int
	numFinished    int
	pauseRequested bool
	barrierCh      chan struct{}
}

// NewTask creates a task for numDrivers parallel build drivers.
func NewTask(ctx context.Context, numDrivers int) *Task {
	tctx, cancel := context.WithCancelCause(ctx)
	t := &Task{
		ctx:        tctx,
		cancel:     cancel,
		numDrivers: numDrivers,
		barrierCh:  make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Context returns the task context. Restore loops poll it to honor
// cancellation cooperatively.
func (t *Task) Context() context.Context { return t.ctx }

// Cancel terminates the task with cause err.
func (t *Task) Cancel(err error) {
	t.cancel(err)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cond.Broadcast()
}

// RegisterOperator adds a build operator to the peer set.
func (t *Task) RegisterOperator(op *HashBuild) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operators = append(t.operators, op)
}

// FindPeerOperators returns all registered build operators, the caller
// included.
func (t *Task) FindPeerOperators() []*HashBuild {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]*HashBuild, len(t.operators))
	copy(peers, t.operators)
	return peers
}

// EnterSuspended marks the calling driver suspended. While suspended its
// pool may be mutated by an arbitrating goroutine.
func (t *Task) EnterSuspended() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return errors.AddStack(context.Cause(t.ctx))
	}
	t.numSuspended++
	t.cond.Broadcast()
	return nil
}

// LeaveSuspended clears the suspension mark. It blocks while a pause is in
// force so a reclaim never races a resuming driver.
func (t *Task) LeaveSuspended() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.pauseRequested && t.ctx.Err() == nil {
		t.cond.Wait()
	}
	t.numSuspended--
	t.cond.Broadcast()
}

// RequestPause blocks until every unfinished driver of the task is
// suspended, then holds them. The caller must be an arbitrating goroutine
// whose own driver is already suspended. A driver that neither suspends
// nor finishes within maxWaitTime fails the pause with
// mem.ErrArbitrationTimeout and lifts it again.
func (t *Task) RequestPause(maxWaitTime time.Duration) error {
	deadline := time.Now().Add(maxWaitTime)
	wake := time.AfterFunc(maxWaitTime, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer wake.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauseRequested = true
	for t.numSuspended+t.numFinished < t.numDrivers {
		if t.ctx.Err() != nil {
			t.pauseRequested = false
			t.cond.Broadcast()
			return errors.AddStack(context.Cause(t.ctx))
		}
		if !time.Now().Before(deadline) {
			t.pauseRequested = false
			t.cond.Broadcast()
			return errors.Annotatef(mem.ErrArbitrationTimeout,
				"task pause not reached within %s", maxWaitTime)
		}
		t.cond.Wait()
	}
	return nil
}

// Resume lifts a pause set by RequestPause.
func (t *Task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauseRequested = false
	t.cond.Broadcast()
}

// PauseRequested reports whether a pause is in force. Drivers poll it at
// cooperative yield points.
func (t *Task) PauseRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauseRequested
}

// AllPeersFinished records that the calling driver reached end of input.
// The last driver gets last=true and owns the merge; the others must wait
// on the returned channel, which the last driver closes via ReleasePeers.
func (t *Task) AllPeersFinished() (last bool, wait <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.numFinished++
	t.cond.Broadcast()
	if t.numFinished == t.numDrivers {
		return true, nil
	}
	return false, t.barrierCh
}

// ReleasePeers releases the drivers blocked at the build barrier. Only the
// last driver calls it, after the bridge holds the table or the error.
func (t *Task) ReleasePeers() {
	close(t.barrierCh)
}

// NumFinishedDrivers returns how many drivers reached end of input.
func (t *Task) NumFinishedDrivers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numFinished
}

// NumTotalDrivers returns the driver count of the pipeline.
func (t *Task) NumTotalDrivers() int { return t.numDrivers }
