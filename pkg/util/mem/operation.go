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

package mem

import (
	"fmt"
	"time"
)

// OperationState is the lifecycle state of an ArbitrationOperation.
type OperationState int32

const (
	// OpStateInit is the state before admission.
	OpStateInit OperationState = iota
	// OpStateWaiting means the operation is queued behind another running
	// operation on the same participant.
	OpStateWaiting
	// OpStateRunning means the operation holds the participant's single
	// running slot.
	OpStateRunning
	// OpStateFinished means the operation has completed and released the
	// slot to the next queued operation, if any.
	OpStateFinished
)

var opStateNames = map[OperationState]string{
	OpStateInit:     "INIT",
	OpStateWaiting:  "WAITING",
	OpStateRunning:  "RUNNING",
	OpStateFinished: "FINISHED",
}

func (s OperationState) String() string {
	if name, ok := opStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// validOpTransitions is the state x state validity matrix for operation
// state changes. Row is the current state, column the requested one.
var validOpTransitions = [4][4]bool{
	OpStateInit:    {OpStateWaiting: true, OpStateRunning: true},
	OpStateWaiting: {OpStateRunning: true},
	OpStateRunning: {OpStateFinished: true},
}

// ArbitrationOperation is one in-flight "grow by N bytes" request against a
// participant. Admission is strict FIFO per participant; resumption may
// happen on whichever goroutine calls finishArbitration, so the wait
// channel is the only hand-off mechanism.
type ArbitrationOperation struct {
	participant  *ArbitrationParticipant
	requestBytes int64
	createTime   time.Time

	// Grow targets computed at admission, see GetGrowTargets.
	maxGrowBytes int64
	minGrowBytes int64

	// state is only mutated under the participant's state lock.
	state OperationState
	// waitCh is closed exactly once to resume a waiting operation.
	waitCh chan struct{}
}

func newArbitrationOperation(p *ArbitrationParticipant, requestBytes int64) *ArbitrationOperation {
	return &ArbitrationOperation{
		participant:  p,
		requestBytes: requestBytes,
		createTime:   time.Now(),
		state:        OpStateInit,
		waitCh:       make(chan struct{}),
	}
}

// RequestBytes returns the requested growth in bytes.
func (op *ArbitrationOperation) RequestBytes() int64 { return op.requestBytes }

// neededBytes is the minimum acceptable grant: the request, raised to the
// growth restoring the participant's capacity floor.
func (op *ArbitrationOperation) neededBytes() int64 {
	return max(op.requestBytes, op.minGrowBytes)
}

// Participant returns the target participant.
func (op *ArbitrationOperation) Participant() *ArbitrationParticipant { return op.participant }

// State returns the current lifecycle state. Callers outside the
// participant must treat the value as advisory.
func (op *ArbitrationOperation) State() OperationState { return op.state }

// setState enforces the transition matrix. An invalid transition is a
// programmer error, not a runtime condition, so it panics.
func (op *ArbitrationOperation) setState(next OperationState) {
	if !validOpTransitions[op.state][next] {
		panic(fmt.Sprintf("invalid arbitration operation state transition: %s -> %s",
			op.state, next))
	}
	op.state = next
}
