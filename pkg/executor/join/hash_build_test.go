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
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kestreldb/kestrel/pkg/util/chunk"
	"github.com/kestreldb/kestrel/pkg/util/mem"
)

func testBuildConfig(t *testing.T) HashBuildConfig {
	return HashBuildConfig{
		BuildTypes:        testBuildTypes,
		KeyCols:           testKeyCols,
		SpillDir:          t.TempDir(),
		SpillCodec:        chunk.CodecZstd,
		StartPartitionBit: 0,
		NumPartitionBits:  2,
		MaxSpillLevel:     2,
		SpillBatchRows:    16,
	}
}

func newBuildArbitrator(t *testing.T, capacity int64) *mem.Arbitrator {
	arb, err := mem.NewArbitrator(mem.ArbitratorConfig{Capacity: capacity})
	require.NoError(t, err)
	return arb
}

// collectTableRows gathers key -> payload from a build table, null keys
// excluded.
func collectTableRows(t *testing.T, table *HashTable, into map[int64]string) {
	for i := range table.rows.NumChunks() {
		chk := table.rows.GetChunk(i)
		for j := range chk.NumRows() {
			row := chk.GetRow(j)
			if row.IsNull(0) {
				continue
			}
			key := row.GetInt64(0)
			_, dup := into[key]
			require.False(t, dup, "key %d seen twice", key)
			into[key] = row.GetString(1)
		}
	}
}

// drainBridge consumes every restore round, collecting all published rows.
func drainBridge(t *testing.T, bridge *JoinBridge) map[int64]string {
	got := make(map[int64]string)
	holder, err := bridge.TableOrWait(context.Background())
	require.NoError(t, err)
	for {
		collectTableRows(t, holder.Table, got)
		if len(holder.SpillPartitions) == 0 {
			return got
		}
		bridge.ProbeFinished()
		holder, err = bridge.TableOrWait(context.Background())
		require.NoError(t, err)
	}
}

// forceReclaim drives one reclaim against h with its driver suspended, the
// way an arbitrating goroutine would see it.
func forceReclaim(t *testing.T, h *HashBuild) (int64, *mem.ReclaimStats) {
	require.NoError(t, h.task.EnterSuspended())
	stats := &mem.ReclaimStats{}
	freed, err := h.reclaim(time.Second, stats)
	require.NoError(t, err)
	h.task.LeaveSuspended()
	return freed, stats
}

func TestHashBuildConfigValidate(t *testing.T) {
	cfg := testBuildConfig(t)
	cfg.KeyCols = nil
	require.Error(t, cfg.validate())

	cfg = testBuildConfig(t)
	cfg.KeyCols = []int{5}
	require.Error(t, cfg.validate())

	cfg = testBuildConfig(t)
	cfg.StartPartitionBit = 63
	cfg.NumPartitionBits = 4
	require.Error(t, cfg.validate())
}

func TestHashBuildSingleDriver(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	h, err := NewHashBuild(testBuildConfig(t), task, bridge, arb, 0)
	require.NoError(t, err)

	require.NoError(t, h.AddInput(makeBuildChunk(0, 200)))
	require.NoError(t, h.AddInput(makeBuildChunk(200, 200)))
	require.NoError(t, h.NoMoreInput())

	holder, err := bridge.TableOrWait(context.Background())
	require.NoError(t, err)
	require.False(t, holder.HasNullKeys)
	require.Empty(t, holder.SpillPartitions)
	require.Equal(t, int64(400), holder.Table.NumRows())
	rows := holder.Table.Lookup(probeRow(123), testKeyCols)
	require.Len(t, rows, 1)
	require.Equal(t, "payload-123", rows[0].GetString(1))

	require.False(t, h.HasSpilled())
	require.NoError(t, h.Close())
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestHashBuildMultiDriverMerge(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 2)
	bridge := NewJoinBridge()

	ops := make([]*HashBuild, 2)
	for i := range ops {
		h, err := NewHashBuild(testBuildConfig(t), task, bridge, arb, i)
		require.NoError(t, err)
		ops[i] = h
	}

	var g errgroup.Group
	for i, h := range ops {
		g.Go(func() error {
			for c := range 3 {
				if err := h.AddInput(makeBuildChunk(i*1000+c*100, 100)); err != nil {
					return err
				}
			}
			return h.NoMoreInput()
		})
	}

	got := drainBridge(t, bridge)
	require.NoError(t, g.Wait())
	require.Equal(t, task.NumTotalDrivers(), task.NumFinishedDrivers())

	require.Len(t, got, 600)
	for _, key := range []int64{0, 299, 1000, 1299} {
		require.Equal(t, fmt.Sprintf("payload-%d", key), got[key])
	}

	for _, h := range ops {
		require.NoError(t, h.Close())
	}
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestHashBuildSpillAndRestore(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	h, err := NewHashBuild(testBuildConfig(t), task, bridge, arb, 0)
	require.NoError(t, err)

	require.NoError(t, h.AddInput(makeBuildChunk(0, 300)))

	freed, stats := forceReclaim(t, h)
	require.Positive(t, freed)
	require.Zero(t, stats.NumNonReclaimableAttempts)
	require.Equal(t, int64(300), h.NumSpilledRows())
	require.True(t, h.HasSpilled())

	// Once spilling has started all further input goes to disk too.
	require.NoError(t, h.AddInput(makeBuildChunk(300, 300)))
	require.Equal(t, int64(600), h.NumSpilledRows())

	done := make(chan error, 1)
	go func() { done <- h.NoMoreInput() }()

	got := drainBridge(t, bridge)
	require.NoError(t, <-done)

	require.Len(t, got, 600)
	for key := int64(0); key < 600; key++ {
		require.Equal(t, fmt.Sprintf("payload-%d", key), got[key])
	}
	require.Equal(t, 1, h.SpillLevel())

	require.NoError(t, h.Close())
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

// makeWideBuildChunk builds rows with a payload wide enough that modest
// row counts overflow a small arbitrator.
func makeWideBuildChunk(start, n int) *chunk.Chunk {
	chk := chunk.NewWithCapacity(testBuildTypes, n)
	for i := range n {
		key := int64(start + i)
		chk.Column(0).AppendInt64(key)
		chk.Column(1).AppendString(fmt.Sprintf("%0256d", key))
	}
	return chk
}

func TestHashBuildRecursiveSpill(t *testing.T) {
	cfg := testBuildConfig(t)
	cfg.MaxSpillLevel = 8
	arb := newBuildArbitrator(t, 192*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	h, err := NewHashBuild(cfg, task, bridge, arb, 0)
	require.NoError(t, err)

	// Far more rows than the arbitrator can hold: the build spills, and
	// every first-level partition is itself too large to restore in
	// memory, so each restore spills again one level deeper.
	const numRows = 4096
	for start := 0; start < numRows; start += 128 {
		require.NoError(t, h.AddInput(makeWideBuildChunk(start, 128)))
	}
	require.True(t, h.HasSpilled())

	done := make(chan error, 1)
	go func() { done <- h.NoMoreInput() }()

	got := drainBridge(t, bridge)
	require.NoError(t, <-done)
	require.Len(t, got, numRows)
	for _, key := range []int64{0, 1023, 2048, 4095} {
		require.Equal(t, fmt.Sprintf("%0256d", key), got[key])
	}

	require.Equal(t, 2, h.SpillLevel())
	// Every row was spilled at least twice.
	require.Greater(t, h.NumSpilledRows(), int64(numRows))

	require.NoError(t, h.Close())
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestHashBuildRestoreExceedsMaxSpillLevel(t *testing.T) {
	cfg := testBuildConfig(t)
	cfg.MaxSpillLevel = 1
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	h, err := NewHashBuild(cfg, task, bridge, arb, 0)
	require.NoError(t, err)

	require.NoError(t, h.AddInput(makeBuildChunk(0, 600)))
	freed, _ := forceReclaim(t, h)
	require.Positive(t, freed)

	done := make(chan error, 1)
	go func() { done <- h.NoMoreInput() }()
	got := drainBridge(t, bridge)
	require.NoError(t, <-done)
	require.Len(t, got, 600)

	// Restored partitions sit at the level limit: built in memory, never
	// spilled again.
	require.Equal(t, int64(600), h.NumSpilledRows())
	require.Equal(t, 1, h.SpillLevel())
	h.mu.Lock()
	require.True(t, h.mu.exceededMaxSpillLevel)
	h.mu.Unlock()

	require.NoError(t, h.Close())
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestHashBuildPastSpillLevelLimitMustFit(t *testing.T) {
	task := NewTask(context.Background(), 1)
	h, err := NewHashBuild(testBuildConfig(t), task, NewJoinBridge(), nil, 0)
	require.NoError(t, err)

	h.mu.Lock()
	h.mu.exceededMaxSpillLevel = true
	h.mu.Unlock()

	// Past the level limit a denied reservation must not start a spill;
	// the rows either fit in memory or fail the allocation outright.
	err = h.AddInput(makeBuildChunk(0, 8))
	require.ErrorIs(t, err, mem.ErrResourceExhausted)
	require.False(t, h.HasSpilled())

	// Nor is the operator a reclaim victim any longer.
	require.NoError(t, task.EnterSuspended())
	stats := &mem.ReclaimStats{}
	freed, rerr := h.reclaim(time.Second, stats)
	require.NoError(t, rerr)
	require.Zero(t, freed)
	require.Equal(t, 1, stats.NumNonReclaimableAttempts)
	task.LeaveSuspended()

	require.NoError(t, h.Close())
}

func TestHashBuildMultiDriverSpill(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 2)
	bridge := NewJoinBridge()

	ops := make([]*HashBuild, 2)
	for i := range ops {
		h, err := NewHashBuild(testBuildConfig(t), task, bridge, arb, i)
		require.NoError(t, err)
		ops[i] = h
	}

	// Driver 0 loads rows, then a reclaim spills both drivers while driver
	// 1 has rows in memory only.
	require.NoError(t, ops[0].AddInput(makeBuildChunk(0, 200)))
	require.NoError(t, ops[1].AddInput(makeBuildChunk(200, 200)))

	require.NoError(t, task.EnterSuspended())
	require.NoError(t, task.EnterSuspended())
	stats := &mem.ReclaimStats{}
	freed, err := ops[0].reclaim(time.Second, stats)
	require.NoError(t, err)
	task.LeaveSuspended()
	task.LeaveSuspended()
	require.Positive(t, freed)
	require.True(t, ops[0].HasSpilled())
	require.True(t, ops[1].HasSpilled())

	var g errgroup.Group
	for i, h := range ops {
		g.Go(func() error {
			if err := h.AddInput(makeBuildChunk(400+i*100, 100)); err != nil {
				return err
			}
			return h.NoMoreInput()
		})
	}

	got := drainBridge(t, bridge)
	require.NoError(t, g.Wait())
	require.Len(t, got, 600)

	for _, h := range ops {
		require.NoError(t, h.Close())
	}
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestHashBuildReclaimDuringMergePreservesRows(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 2)
	bridge := NewJoinBridge()

	ops := make([]*HashBuild, 2)
	for i := range ops {
		h, err := NewHashBuild(testBuildConfig(t), task, bridge, arb, i)
		require.NoError(t, err)
		ops[i] = h
	}
	require.NoError(t, ops[0].AddInput(makeBuildChunk(0, 300)))
	require.NoError(t, ops[1].AddInput(makeBuildChunk(1000, 300)))

	// A reclaimer hammering the operators while the merge runs must not
	// spill rows out from under the merged table.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = ops[0].reclaim(20*time.Millisecond, &mem.ReclaimStats{})
		}
	}()

	var g errgroup.Group
	for _, h := range ops {
		g.Go(h.NoMoreInput)
	}
	got := drainBridge(t, bridge)
	require.NoError(t, g.Wait())
	close(stop)
	wg.Wait()

	require.Len(t, got, 600)

	for _, h := range ops {
		require.NoError(t, h.Close())
	}
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestSpillTableRefusedDuringMerge(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 1)
	h, err := NewHashBuild(testBuildConfig(t), task, NewJoinBridge(), arb, 0)
	require.NoError(t, err)
	require.NoError(t, h.AddInput(makeBuildChunk(0, 50)))

	h.mu.Lock()
	h.mu.nonReclaimable = true
	h.mu.Unlock()

	freed, err := h.spillTable()
	require.NoError(t, err)
	require.Zero(t, freed)
	require.False(t, h.HasSpilled())

	require.NoError(t, h.Close())
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestHashBuildNullAwareAnti(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	cfg := testBuildConfig(t)
	cfg.JoinType = JoinTypeNullAwareAnti
	h, err := NewHashBuild(cfg, task, bridge, arb, 0)
	require.NoError(t, err)

	require.NoError(t, h.AddInput(makeBuildChunk(0, 10)))

	withNull := chunk.NewWithCapacity(testBuildTypes, 2)
	withNull.Column(0).AppendInt64(100)
	withNull.Column(1).AppendString("payload-100")
	withNull.Column(0).AppendNull()
	withNull.Column(1).AppendString("null key")
	require.NoError(t, h.AddInput(withNull))
	require.Equal(t, int64(1), h.NumNullKeys())

	// Further input is ignored: the join result is already decided.
	require.NoError(t, h.AddInput(makeBuildChunk(200, 10)))

	require.NoError(t, h.NoMoreInput())
	holder, err := bridge.TableOrWait(context.Background())
	require.NoError(t, err)
	require.True(t, holder.HasNullKeys)
	require.Nil(t, holder.Table)

	require.NoError(t, h.Close())
	require.NoError(t, arb.Close())
}

func TestHashBuildCloseRemovesSpillFiles(t *testing.T) {
	cfg := testBuildConfig(t)
	cfg.JoinType = JoinTypeNullAwareAnti
	dir := cfg.SpillDir
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	h, err := NewHashBuild(cfg, task, bridge, arb, 0)
	require.NoError(t, err)

	require.NoError(t, h.AddInput(makeBuildChunk(0, 200)))
	freed, _ := forceReclaim(t, h)
	require.Positive(t, freed)

	// A null build key short-cuts the join; the spilled partitions never
	// reach the bridge.
	withNull := chunk.NewWithCapacity(testBuildTypes, 1)
	withNull.Column(0).AppendNull()
	withNull.Column(1).AppendString("null key")
	require.NoError(t, h.AddInput(withNull))
	require.NoError(t, h.NoMoreInput())

	holder, err := bridge.TableOrWait(context.Background())
	require.NoError(t, err)
	require.True(t, holder.HasNullKeys)
	require.Nil(t, holder.Table)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	require.NoError(t, h.Close())
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}

func TestHashBuildReclaimRefusedAfterHandoff(t *testing.T) {
	arb := newBuildArbitrator(t, 256*1024*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	h, err := NewHashBuild(testBuildConfig(t), task, bridge, arb, 0)
	require.NoError(t, err)

	require.NoError(t, h.AddInput(makeBuildChunk(0, 100)))
	require.NoError(t, h.NoMoreInput())

	// The table now belongs to the probe side; a reclaim must refuse to
	// touch it.
	stats := &mem.ReclaimStats{}
	freed, err := h.reclaim(time.Second, stats)
	require.NoError(t, err)
	require.Zero(t, freed)
	require.Equal(t, 1, stats.NumNonReclaimableAttempts)

	holder, err := bridge.TableOrWait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(100), holder.Table.NumRows())

	require.NoError(t, h.Close())
	require.NoError(t, arb.Close())
}

func TestHashBuildReclaimPauseTimeout(t *testing.T) {
	task := NewTask(context.Background(), 2)
	bridge := NewJoinBridge()
	h0, err := NewHashBuild(testBuildConfig(t), task, bridge, nil, 0)
	require.NoError(t, err)
	h1, err := NewHashBuild(testBuildConfig(t), task, bridge, nil, 1)
	require.NoError(t, err)

	// Driver 1 never reaches a yield point; the reclaim must give up at
	// the deadline instead of stalling the arbitrator.
	require.NoError(t, task.EnterSuspended())
	stats := &mem.ReclaimStats{}
	freed, err := h0.reclaim(20*time.Millisecond, stats)
	require.ErrorIs(t, err, mem.ErrArbitrationTimeout)
	require.Zero(t, freed)
	require.False(t, task.PauseRequested())
	task.LeaveSuspended()

	require.NoError(t, h0.Close())
	require.NoError(t, h1.Close())
}

func TestHashBuildReclaimSkipsBusyOperator(t *testing.T) {
	task := NewTask(context.Background(), 1)
	h, err := NewHashBuild(testBuildConfig(t), task, NewJoinBridge(), nil, 0)
	require.NoError(t, err)

	// The operator lock is held, as it is while a driver mutates the
	// table. The reclaim must refuse promptly instead of queueing on it.
	h.mu.Lock()
	stats := &mem.ReclaimStats{}
	type result struct {
		freed int64
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		freed, rerr := h.reclaim(time.Minute, stats)
		resCh <- result{freed, rerr}
	}()
	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.Zero(t, res.freed)
	case <-time.After(time.Second):
		t.Fatal("reclaim blocked on a busy operator")
	}
	require.Equal(t, 1, stats.NumNonReclaimableAttempts)
	h.mu.Unlock()

	require.NoError(t, h.Close())
}

func TestHashBuildRejectsInputAfterFinish(t *testing.T) {
	task := NewTask(context.Background(), 1)
	h, err := NewHashBuild(testBuildConfig(t), task, NewJoinBridge(), nil, 0)
	require.NoError(t, err)

	h.setState(buildWaitForBuild)
	require.Error(t, h.AddInput(makeBuildChunk(0, 1)))
	require.Panics(t, func() { h.setState(buildYield) })
	require.NoError(t, h.Close())
}

func TestHashBuildVictimOfPeerPool(t *testing.T) {
	arb := newBuildArbitrator(t, 8*1024*1024)
	task := NewTask(context.Background(), 1)
	bridge := NewJoinBridge()
	h, err := NewHashBuild(testBuildConfig(t), task, bridge, arb, 0)
	require.NoError(t, err)

	for c := range 4 {
		require.NoError(t, h.AddInput(makeBuildChunk(c*200, 200)))
	}
	require.Positive(t, h.pool.UsedBytes())

	greedy := mem.NewPool("greedy", 999, 1<<40, nil)
	_, err = arb.AddPool(greedy)
	require.NoError(t, err)

	// The greedy pool wants more than free capacity and the build
	// operator's free bytes together can cover, so a used-memory reclaim is
	// forced. The build driver is suspended, as it would be while blocked
	// at a yield point.
	want := arb.FreeCapacity() + h.pool.FreeBytes() + h.pool.UsedBytes()/2
	require.NoError(t, task.EnterSuspended())
	require.NoError(t, greedy.Allocate(want))
	task.LeaveSuspended()

	require.True(t, h.HasSpilled())
	require.Positive(t, h.NumSpilledRows())
	require.Equal(t, want, greedy.UsedBytes())

	greedy.Release(want)
	arb.RemovePool(greedy)
	require.NoError(t, h.Close())
	require.Equal(t, arb.Capacity(), arb.FreeCapacity())
	require.NoError(t, arb.Close())
}
