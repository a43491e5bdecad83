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
	goerrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/util/chunk"
	"github.com/kestreldb/kestrel/pkg/util/logutil"
	"github.com/kestreldb/kestrel/pkg/util/mem"
)

// JoinType selects the build-side semantics.
type JoinType int

// Supported join types.
const (
	JoinTypeInner JoinType = iota
	JoinTypeNullAwareAnti
)

type buildState int

const (
	buildRunning buildState = iota
	buildYield
	buildWaitForBuild
	buildWaitForProbe
	buildFinish
)

var buildStateNames = map[buildState]string{
	buildRunning:      "running",
	buildYield:        "yield",
	buildWaitForBuild: "wait-for-build",
	buildWaitForProbe: "wait-for-probe",
	buildFinish:       "finish",
}

func (s buildState) String() string { return buildStateNames[s] }

// validBuildTransitions is the state transition validity matrix, indexed
// [from][to].
var validBuildTransitions = [5][5]bool{
	buildRunning:      {buildYield: true, buildWaitForBuild: true, buildFinish: true},
	buildYield:        {buildRunning: true},
	buildWaitForBuild: {buildRunning: true, buildWaitForProbe: true, buildFinish: true},
	buildWaitForProbe: {buildRunning: true, buildFinish: true},
}

// HashBuildConfig configures one build operator.
type HashBuildConfig struct {
	BuildTypes []chunk.FieldType
	// KeyCols are the join-key column indexes inside BuildTypes.
	KeyCols  []int
	JoinType JoinType

	// MaxPoolCapacity caps the operator's memory pool; zero is unbounded.
	MaxPoolCapacity int64

	SpillDir   string
	SpillCodec chunk.CompressCodec
	// StartPartitionBit and NumPartitionBits define the first spill
	// level's hash bit window; each recursion moves the window deeper.
	StartPartitionBit uint8
	NumPartitionBits  uint8
	// MaxSpillLevel bounds recursion; a restore past it must fit in
	// memory.
	MaxSpillLevel int
	// SpillBatchRows buffers this many rows per partition before a write.
	// Zero uses a default.
	SpillBatchRows int
}

const defSpillBatchRows = 1024

func (c *HashBuildConfig) validate() error {
	if len(c.KeyCols) == 0 {
		return errors.New("hash build requires at least one join key column")
	}
	for _, col := range c.KeyCols {
		if col < 0 || col >= len(c.BuildTypes) {
			return errors.Errorf("join key column %d out of range", col)
		}
	}
	if _, err := NewHashBitRange(c.StartPartitionBit, c.NumPartitionBits); err != nil {
		return err
	}
	return nil
}

var poolUIDAlloc uatomic.Uint64

// HashBuild is the build side of one hash join driver. It consumes input
// chunks into a row-container-backed hash table, spills by join-key hash
// partition when its memory is reclaimed, runs the multi-driver merge
// barrier at end of input, and restores spilled partitions recursively.
//
// It is both an arbitration requester, growing its pool through
// ensureInputFits, and a victim, implementing mem.Reclaimer by spilling
// every peer's table.
type HashBuild struct {
	cfg      HashBuildConfig
	task     *Task
	bridge   *JoinBridge
	arb      *mem.Arbitrator
	pool     *mem.Pool
	driverID int

	mu struct {
		sync.Mutex
		state                 buildState
		nonReclaimable        bool
		finishedBuild         bool
		antiNullKeys          bool
		exceededMaxSpillLevel bool
		table                 *HashTable
		spiller               *Spiller
		spillBuffers          []*chunk.Chunk
		spillLevel            int
	}

	// spillSet collects the spill partitions of all drivers. Only the
	// last driver, past the barrier, touches it.
	spillSet SpillPartitionSet

	numNullKeys    uatomic.Int64
	numSpilledRows uatomic.Int64
}

// NewHashBuild creates a build operator, registers its memory pool with
// the arbitrator and joins the task's peer set.
func NewHashBuild(cfg HashBuildConfig, task *Task, bridge *JoinBridge, arb *mem.Arbitrator, driverID int) (*HashBuild, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SpillBatchRows == 0 {
		cfg.SpillBatchRows = defSpillBatchRows
	}
	maxCapacity := cfg.MaxPoolCapacity
	if maxCapacity == 0 {
		maxCapacity = math.MaxInt64
	}
	h := &HashBuild{
		cfg:      cfg,
		task:     task,
		bridge:   bridge,
		arb:      arb,
		driverID: driverID,
		spillSet: make(SpillPartitionSet),
	}
	h.pool = mem.NewPool(
		fmt.Sprintf("hash-build-%d", driverID), poolUIDAlloc.Add(1),
		maxCapacity, &buildReclaimer{op: h})
	if arb != nil {
		if _, err := arb.AddPool(h.pool); err != nil {
			return nil, err
		}
	}
	h.mu.state = buildRunning
	h.mu.table = NewHashTable(cfg.BuildTypes, cfg.KeyCols, h.pool)
	task.RegisterOperator(h)
	return h, nil
}

// Pool returns the operator's memory pool.
func (h *HashBuild) Pool() *mem.Pool { return h.pool }

// NumNullKeys returns the count of input rows with a null join key.
func (h *HashBuild) NumNullKeys() int64 { return h.numNullKeys.Load() }

// NumSpilledRows returns the count of rows routed to spill files.
func (h *HashBuild) NumSpilledRows() int64 { return h.numSpilledRows.Load() }

// SpillLevel returns the current spill recursion depth.
func (h *HashBuild) SpillLevel() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.spillLevel
}

// HasSpilled reports whether any input of this driver went to disk.
func (h *HashBuild) HasSpilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.spiller != nil
}

func (h *HashBuild) setState(to buildState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setStateLocked(to)
}

func (h *HashBuild) setStateLocked(to buildState) {
	if !validBuildTransitions[h.mu.state][to] {
		panic(fmt.Sprintf("invalid hash build state transition %s -> %s on driver %d",
			h.mu.state, to, h.driverID))
	}
	h.mu.state = to
}

// AddInput consumes one input chunk. Rows with a non-null join key go to
// the table, or to the spiller once spilling has started. A null-aware
// anti join stops consuming as soon as a null build key is seen.
func (h *HashBuild) AddInput(chk *chunk.Chunk) error {
	h.mu.Lock()
	if h.mu.state != buildRunning {
		state := h.mu.state
		h.mu.Unlock()
		return errors.Errorf("hash build driver %d got input in state %s", h.driverID, state)
	}
	if h.mu.antiNullKeys {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	hashes, numNulls := computeJoinHashes(chk, h.cfg.KeyCols)
	if numNulls > 0 {
		h.numNullKeys.Add(int64(numNulls))
		if h.cfg.JoinType == JoinTypeNullAwareAnti {
			h.mu.Lock()
			h.mu.antiNullKeys = true
			h.mu.Unlock()
			return nil
		}
	}

	// May suspend this driver for arbitration; the table may be spilled
	// out from under us before it returns.
	if err := h.ensureInputFits(chk); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.nonReclaimable = true
	defer func() { h.mu.nonReclaimable = false }()
	if h.mu.spiller != nil {
		return h.spillInputLocked(chk, hashes)
	}
	return h.mu.table.AddChunk(chk, hashes)
}

// ensureInputFits reserves memory for chk and the table growth it brings,
// asking for at least twice the immediate need so consecutive batches do
// not arbitrate one by one. A denied reservation starts this operator's
// own spill: later rows divert to disk instead of the table.
func (h *HashBuild) ensureInputFits(chk *chunk.Chunk) error {
	needed := chk.MemoryUsage() + int64(chk.NumRows())*entrySize
	if h.pool.FreeBytes() >= needed {
		return nil
	}
	if h.pool.MaybeReserve(2 * needed) {
		return nil
	}
	if err := h.pool.AbortError(); err != nil {
		return err
	}
	logutil.BgLogger().Warn("memory reservation denied for hash build input, starting spill",
		zap.String("pool", h.pool.Name()),
		zap.String("needed", mem.FormatBytes(needed)))
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mu.exceededMaxSpillLevel {
		// Must fit: the allocation below the table insert will arbitrate
		// and fail the query if it cannot.
		return nil
	}
	if h.mu.spiller == nil {
		if err := h.startSpillLocked(); err != nil {
			return err
		}
		if err := h.spillTableLocked(); err != nil {
			return err
		}
	}
	return nil
}

// startSpillLocked creates the spiller for the current spill level.
func (h *HashBuild) startSpillLocked() error {
	begin := int(h.cfg.StartPartitionBit) + h.mu.spillLevel*int(h.cfg.NumPartitionBits)
	bits, err := NewHashBitRange(uint8(begin), h.cfg.NumPartitionBits)
	if err != nil {
		return err
	}
	h.mu.spiller = NewSpiller(h.cfg.BuildTypes, bits, h.cfg.SpillCodec, h.cfg.SpillDir)
	h.mu.spillBuffers = make([]*chunk.Chunk, bits.NumPartitions())
	logutil.BgLogger().Info("hash build starts spilling",
		zap.Int("driver", h.driverID),
		zap.Int("spill-level", h.mu.spillLevel),
		zap.Uint8("partition-bit", uint8(begin)))
	return nil
}

// spillTableLocked moves the in-memory table content to the spiller and
// releases its memory.
func (h *HashBuild) spillTableLocked() error {
	table := h.mu.table
	for i := range table.rows.NumChunks() {
		chk := table.rows.GetChunk(i)
		hashes, _ := computeJoinHashes(chk, h.cfg.KeyCols)
		if err := h.spillInputLocked(chk, hashes); err != nil {
			return err
		}
	}
	if err := h.flushSpillBuffersLocked(); err != nil {
		return err
	}
	table.clear()
	h.pool.ReleaseUnusedReservation()
	return nil
}

// spillInputLocked routes every row of chk to its partition buffer,
// writing buffers that reach the batch size. Rows with a null join key
// cannot match and are dropped.
func (h *HashBuild) spillInputLocked(chk *chunk.Chunk, hashes []uint64) error {
	failpoint.Inject("spillInputError", func() {
		failpoint.Return(errors.New("spill input failpoint error"))
	})
	bits := h.mu.spiller.HashBits()
	for i := range chk.NumRows() {
		if hashes[i] == rowHashNull {
			continue
		}
		p := bits.Partition(hashes[i])
		buf := h.mu.spillBuffers[p]
		if buf == nil {
			buf = chunk.NewWithCapacity(h.cfg.BuildTypes, h.cfg.SpillBatchRows)
			h.mu.spillBuffers[p] = buf
		}
		buf.AppendRow(chk.GetRow(i))
		h.numSpilledRows.Add(1)
		if buf.NumRows() >= h.cfg.SpillBatchRows {
			if err := h.mu.spiller.Spill(p, buf); err != nil {
				return err
			}
			h.mu.spillBuffers[p] = nil
		}
	}
	return nil
}

func (h *HashBuild) flushSpillBuffersLocked() error {
	for p, buf := range h.mu.spillBuffers {
		if buf == nil || buf.NumRows() == 0 {
			continue
		}
		if err := h.mu.spiller.Spill(p, buf); err != nil {
			return err
		}
		h.mu.spillBuffers[p] = nil
	}
	return nil
}

// NoMoreInput is the end-of-input barrier. The last driver of the
// pipeline merges all peers' tables and spill partitions and publishes
// the result; the others block until released.
func (h *HashBuild) NoMoreInput() error {
	ctx := h.task.Context()
	h.mu.Lock()
	h.setStateLocked(buildWaitForBuild)
	if h.mu.spiller != nil {
		if err := h.flushSpillBuffersLocked(); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	h.mu.Unlock()
	h.pool.ReleaseUnusedReservation()

	last, wait := h.task.AllPeersFinished()
	if !last {
		select {
		case <-wait:
		case <-ctx.Done():
			return errors.AddStack(context.Cause(ctx))
		}
		h.setState(buildFinish)
		return nil
	}
	if err := h.finishHashBuild(ctx); err != nil {
		h.bridge.SetError(err)
		return err
	}
	return nil
}

// finishHashBuild runs on the last driver only. Peers are released once
// the bridge holds the table or the error.
func (h *HashBuild) finishHashBuild(ctx context.Context) (err error) {
	released := false
	releasePeers := func() {
		if !released {
			released = true
			h.task.ReleasePeers()
		}
	}
	defer releasePeers()

	peers := h.task.FindPeerOperators()

	// The merge reads every peer's table in place; a reclaim racing it
	// would spill rows the merged result still counts on. Peers stay
	// non-reclaimable from here on, the merging driver until its first
	// restore round.
	for _, peer := range peers {
		peer.mu.Lock()
		peer.mu.nonReclaimable = true
		peer.mu.Unlock()
	}

	if h.cfg.JoinType == JoinTypeNullAwareAnti {
		for _, peer := range peers {
			peer.mu.Lock()
			sawNull := peer.mu.antiNullKeys
			peer.mu.Unlock()
			if sawNull {
				h.bridge.SetHashTable(nil, nil, true)
				h.finishPeers(peers)
				return nil
			}
		}
	}

	anySpilled := false
	for _, peer := range peers {
		if peer.HasSpilled() {
			anySpilled = true
			break
		}
	}
	if anySpilled {
		// Residual table rows of every peer move to disk so the merged
		// table and the spill partitions never overlap a partition.
		for _, peer := range peers {
			peer.mu.Lock()
			if peer.mu.spiller == nil {
				err = peer.startSpillLocked()
			}
			if err == nil {
				err = peer.spillTableLocked()
			}
			if err == nil {
				err = peer.mu.spiller.FinishSpill(h.spillSet)
			}
			peer.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}

	others := make([]*HashTable, 0, len(peers)-1)
	for _, peer := range peers {
		if peer == h {
			continue
		}
		others = append(others, peer.mu.table)
	}
	if err := h.mu.table.Merge(others); err != nil {
		return err
	}
	h.finishPeers(peers)

	h.bridge.SetHashTable(h.mu.table, h.cloneSpillSet(), false)
	releasePeers()

	if len(h.spillSet) == 0 {
		h.mu.Lock()
		h.setStateLocked(buildWaitForProbe)
		h.setStateLocked(buildFinish)
		h.mu.finishedBuild = true
		h.mu.Unlock()
		return nil
	}
	return h.restoreLoop(ctx)
}

// finishPeers marks every peer but the merging driver handed off.
func (h *HashBuild) finishPeers(peers []*HashBuild) {
	for _, peer := range peers {
		peer.mu.Lock()
		peer.mu.finishedBuild = true
		peer.mu.Unlock()
	}
	h.mu.Lock()
	h.mu.finishedBuild = false
	h.mu.Unlock()
}

func (h *HashBuild) cloneSpillSet() SpillPartitionSet {
	out := make(SpillPartitionSet, len(h.spillSet))
	for id, p := range h.spillSet {
		out[id] = p
	}
	return out
}

// restoreLoop reprocesses the spilled partitions one at a time, each as
// fresh input with the spiller one level deeper, publishing a table per
// partition. Runs on the last driver only, after the first publication.
func (h *HashBuild) restoreLoop(ctx context.Context) error {
	for len(h.spillSet) > 0 {
		h.setState(buildWaitForProbe)
		if err := h.bridge.waitForProbe(ctx); err != nil {
			return err
		}
		h.setState(buildRunning)

		id := h.spillSet.IDs()[0]
		part := h.spillSet[id]
		delete(h.spillSet, id)

		if err := h.setupSpillInput(part); err != nil {
			return err
		}
		err := part.Read(func(chk *chunk.Chunk) error {
			if h.task.PauseRequested() {
				h.yield()
			}
			if ctx.Err() != nil {
				return errors.AddStack(context.Cause(ctx))
			}
			return h.AddInput(chk)
		})
		if closeErr := part.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}

		h.mu.Lock()
		if h.mu.spiller != nil {
			err = h.flushSpillBuffersLocked()
			if err == nil {
				err = h.mu.spiller.FinishSpill(h.spillSet)
			}
		}
		h.setStateLocked(buildWaitForBuild)
		// The table is about to be handed to the probe side.
		h.mu.nonReclaimable = true
		table := h.mu.table
		h.mu.Unlock()
		if err != nil {
			return err
		}
		h.bridge.SetHashTable(table, h.cloneSpillSet(), false)
	}

	h.mu.Lock()
	h.setStateLocked(buildWaitForProbe)
	h.setStateLocked(buildFinish)
	h.mu.finishedBuild = true
	h.mu.Unlock()
	return nil
}

// setupSpillInput resets the operator for one restored partition: a fresh
// table, and a spiller one level deeper unless the level limit is hit.
func (h *HashBuild) setupSpillInput(part *SpillPartition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev := h.mu.table; prev != nil {
		// The previous round's table was handed to the probe side, which
		// has finished with it.
		prev.clear()
	}
	h.mu.table = NewHashTable(h.cfg.BuildTypes, h.cfg.KeyCols, h.pool)
	h.mu.spiller = nil
	h.mu.spillBuffers = nil
	h.mu.nonReclaimable = false
	h.mu.spillLevel = int(part.BitRange.End-h.cfg.StartPartitionBit) / int(h.cfg.NumPartitionBits)
	if h.mu.spillLevel >= h.cfg.MaxSpillLevel ||
		int(part.BitRange.End)+int(h.cfg.NumPartitionBits) > 64 {
		h.mu.exceededMaxSpillLevel = true
		logutil.BgLogger().Warn("hash build restore exceeds max spill level, spilling disabled",
			zap.Int("driver", h.driverID),
			zap.Int("spill-level", h.mu.spillLevel))
	}
	return nil
}

// yield parks the driver until a pending pause is lifted.
func (h *HashBuild) yield() {
	h.setState(buildYield)
	if err := h.task.EnterSuspended(); err == nil {
		h.task.LeaveSuspended()
	}
	h.setState(buildRunning)
}

// spillTable is the victim side: move this operator's table to disk and
// return the memory released. A peer busy mutating is skipped; its memory
// moves on the next reclaim round.
func (h *HashBuild) spillTable() (int64, error) {
	if !h.mu.TryLock() {
		return 0, nil
	}
	defer h.mu.Unlock()
	if h.mu.nonReclaimable || h.mu.finishedBuild || h.mu.exceededMaxSpillLevel {
		return 0, nil
	}
	if h.mu.state != buildRunning && h.mu.state != buildWaitForBuild {
		return 0, nil
	}
	if h.mu.table.NumRows() == 0 && h.pool.ReservedBytes() == 0 {
		return 0, nil
	}
	before := h.pool.ReservedBytes()
	if h.mu.spiller == nil {
		if err := h.startSpillLocked(); err != nil {
			return 0, err
		}
	}
	if err := h.spillTableLocked(); err != nil {
		return 0, err
	}
	return before - h.pool.ReservedBytes(), nil
}

// reclaim is invoked by the arbitrator, through the pool, while the
// owning driver is suspended. It pauses the task and spills every peer
// build operator's table. The arbitrator holds its global critical
// section here, so nothing on this path may block on a driver without a
// bound: the state check is a try-lock, because a driver busy under the
// operator lock may itself be waiting on that critical section, and the
// pause wait is capped at maxWaitTime.
func (h *HashBuild) reclaim(maxWaitTime time.Duration, stats *mem.ReclaimStats) (int64, error) {
	if !h.mu.TryLock() {
		stats.NumNonReclaimableAttempts++
		return 0, nil
	}
	reclaimable := !h.mu.nonReclaimable && !h.mu.finishedBuild && !h.mu.exceededMaxSpillLevel &&
		(h.mu.state == buildRunning || h.mu.state == buildWaitForBuild)
	state := h.mu.state
	h.mu.Unlock()
	if !reclaimable {
		stats.NumNonReclaimableAttempts++
		logutil.BgLogger().Warn("hash build cannot be reclaimed",
			zap.Int("driver", h.driverID),
			zap.String("state", state.String()),
			zap.String("pool", h.pool.Name()))
		return 0, nil
	}
	if err := h.task.RequestPause(maxWaitTime); err != nil {
		if goerrors.Is(err, mem.ErrArbitrationTimeout) {
			return 0, err
		}
		stats.NumNonReclaimableAttempts++
		return 0, nil
	}
	defer h.task.Resume()

	var freed int64
	for _, peer := range h.task.FindPeerOperators() {
		n, err := peer.spillTable()
		if err != nil {
			// Surfaces at the participant boundary, aborting this
			// participant only.
			panic(err)
		}
		freed += n
	}
	return freed, nil
}

func (h *HashBuild) abort(err error) {
	h.task.Cancel(err)
}

// Close releases the operator's spill files and memory and unregisters
// its pool.
func (h *HashBuild) Close() error {
	var firstErr error
	if h.mu.TryLock() {
		if h.mu.table != nil {
			h.mu.table.clear()
		}
		if h.mu.spiller != nil {
			// Partition files that never reached a spill set, e.g. after
			// an error or a null-aware short cut.
			firstErr = h.mu.spiller.Close()
			h.mu.spiller = nil
		}
		h.mu.spillBuffers = nil
		h.mu.Unlock()
	}
	if err := h.spillSet.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	h.pool.ReleaseUnusedReservation()
	if h.arb != nil {
		h.arb.RemovePool(h.pool)
	}
	return firstErr
}

// computeJoinHashes hashes the join key of every row of chk, marking
// null-key rows with rowHashNull, and counts them.
func computeJoinHashes(chk *chunk.Chunk, keyCols []int) (hashes []uint64, numNulls int) {
	hashes = make([]uint64, chk.NumRows())
	for i := range hashes {
		hashes[i] = hashJoinKey(chk.GetRow(i), keyCols)
		if hashes[i] == rowHashNull {
			numNulls++
		}
	}
	return hashes, numNulls
}

// buildReclaimer adapts HashBuild to the pool's reclaimer contract.
type buildReclaimer struct {
	op *HashBuild
}

// ReclaimableBytes implements mem.Reclaimer.
func (r *buildReclaimer) ReclaimableBytes(*mem.Pool) (int64, bool) {
	h := r.op
	if !h.mu.TryLock() {
		return 0, false
	}
	defer h.mu.Unlock()
	if h.mu.nonReclaimable || h.mu.finishedBuild || h.mu.exceededMaxSpillLevel {
		return 0, false
	}
	if h.mu.state != buildRunning && h.mu.state != buildWaitForBuild {
		return 0, false
	}
	return h.mu.table.MemoryUsage(), true
}

// Reclaim implements mem.Reclaimer.
func (r *buildReclaimer) Reclaim(_ *mem.Pool, _ int64, maxWaitTime time.Duration, stats *mem.ReclaimStats) (int64, error) {
	return r.op.reclaim(maxWaitTime, stats)
}

// Abort implements mem.Reclaimer.
func (r *buildReclaimer) Abort(_ *mem.Pool, err error) {
	r.op.abort(err)
}

// EnterArbitration implements mem.Reclaimer.
func (r *buildReclaimer) EnterArbitration() error {
	return r.op.task.EnterSuspended()
}

// LeaveArbitration implements mem.Reclaimer.
func (r *buildReclaimer) LeaveArbitration() {
	r.op.task.LeaveSuspended()
}
