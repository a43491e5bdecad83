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

	"github.com/pingcap/errors"
)

// HashTableHolder is one build-side publication: a merged table plus the
// spill partitions still waiting to be restored. HasNullKeys marks a
// null-aware anti join that observed a null build key; the table is empty
// and the probe side can answer without it.
type HashTableHolder struct {
	Table           *HashTable
	SpillPartitions SpillPartitionSet
	HasNullKeys     bool
}

// JoinBridge hands the build side's hash table to the probe side. With
// spilling the handoff repeats: each round publishes one table, the probe
// side drains it and calls ProbeFinished, and the build side restores the
// next spill partition and publishes again. A round whose holder carries
// no spill partitions is the last.
type JoinBridge struct {
	tableCh chan *HashTableHolder
	probeCh chan struct{}
	errCh   chan struct{}
	// err is written once, before errCh closes.
	err error
}

// NewJoinBridge creates an empty bridge.
func NewJoinBridge() *JoinBridge {
	return &JoinBridge{
		tableCh: make(chan *HashTableHolder, 1),
		probeCh: make(chan struct{}, 1),
		errCh:   make(chan struct{}),
	}
}

// SetHashTable publishes the current build result to the probe side.
// Called only by the last build driver, once per restore round.
func (b *JoinBridge) SetHashTable(table *HashTable, spillPartitions SpillPartitionSet, hasNullKeys bool) {
	b.tableCh <- &HashTableHolder{
		Table:           table,
		SpillPartitions: spillPartitions,
		HasNullKeys:     hasNullKeys,
	}
}

// SetError publishes a build failure. Anything blocked on the bridge gets
// the error. Called at most once.
func (b *JoinBridge) SetError(err error) {
	b.err = err
	close(b.errCh)
}

// TableOrWait blocks until the build side publishes the next table or an
// error.
func (b *JoinBridge) TableOrWait(ctx context.Context) (*HashTableHolder, error) {
	select {
	case holder := <-b.tableCh:
		return holder, nil
	case <-b.errCh:
		return nil, b.err
	case <-ctx.Done():
		return nil, errors.AddStack(context.Cause(ctx))
	}
}

// ProbeFinished tells the build side the probe side is done with the
// current table. The build side may then restore the next spill partition.
func (b *JoinBridge) ProbeFinished() {
	b.probeCh <- struct{}{}
}

// waitForProbe blocks the build side until the probe side finishes with
// the current table.
func (b *JoinBridge) waitForProbe(ctx context.Context) error {
	select {
	case <-b.probeCh:
		return nil
	case <-ctx.Done():
		return errors.AddStack(context.Cause(ctx))
	}
}
