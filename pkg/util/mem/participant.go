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
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/util/logutil"
)

// ParticipantConfig carries the per-participant arbitration policy knobs.
type ParticipantConfig struct {
	// InitCapacity is granted when the pool registers, clamped to what the
	// arbitrator has free.
	InitCapacity int64
	// MinCapacity is the floor below which reclaim and shrink do not take
	// capacity away, unless the pool is inactive.
	MinCapacity int64
	// FastExponentialGrowthCapacityLimit enables capacity doubling while
	// the capacity stays below it. Zero disables growth adjustment, in
	// which case SlowCapacityGrowRatio must be zero too.
	FastExponentialGrowthCapacityLimit int64
	// SlowCapacityGrowRatio is the growth ratio applied once doubling has
	// passed the fast limit.
	SlowCapacityGrowRatio float64
	// MinFreeCapacity and MinFreeCapacityRatio keep a slice of free
	// capacity with the participant when shrinking: free bytes below
	// min(MinFreeCapacity, capacity*MinFreeCapacityRatio) are not
	// reclaimable from an active pool. Both zero disables the carve-out.
	MinFreeCapacity      int64
	MinFreeCapacityRatio float64
	// MinReclaimBytes and MinReclaimPct raise small reclaim targets so a
	// spill pass frees enough to be worth its I/O.
	MinReclaimBytes int64
	MinReclaimPct   float64
}

// Validate checks the cross-field constraints of the config.
func (c *ParticipantConfig) Validate() error {
	if (c.FastExponentialGrowthCapacityLimit == 0) != (c.SlowCapacityGrowRatio == 0) {
		return errors.Errorf(
			"fastExponentialGrowthCapacityLimit %d and slowCapacityGrowRatio %v must be set together",
			c.FastExponentialGrowthCapacityLimit, c.SlowCapacityGrowRatio)
	}
	if c.SlowCapacityGrowRatio < 0 {
		return errors.Errorf("slowCapacityGrowRatio %v must be non-negative", c.SlowCapacityGrowRatio)
	}
	if c.MinFreeCapacityRatio < 0 || c.MinFreeCapacityRatio > 1 {
		return errors.Errorf("minFreeCapacityRatio %v must be in [0, 1]", c.MinFreeCapacityRatio)
	}
	if (c.MinFreeCapacity == 0) != (c.MinFreeCapacityRatio == 0) {
		return errors.Errorf(
			"minFreeCapacity %d and minFreeCapacityRatio %v must be set together",
			c.MinFreeCapacity, c.MinFreeCapacityRatio)
	}
	if c.MinReclaimPct < 0 || c.MinReclaimPct > 1 {
		return errors.Errorf("minReclaimPct %v must be in [0, 1]", c.MinReclaimPct)
	}
	return nil
}

// String implements fmt.Stringer.
func (c *ParticipantConfig) String() string {
	return fmt.Sprintf(
		"initCapacity %s, minCapacity %s, fastExponentialGrowthCapacityLimit %s, slowCapacityGrowRatio %v, minFreeCapacity %s, minFreeCapacityRatio %v, minReclaimBytes %s, minReclaimPct %v",
		FormatBytes(c.InitCapacity), FormatBytes(c.MinCapacity),
		FormatBytes(c.FastExponentialGrowthCapacityLimit), c.SlowCapacityGrowRatio,
		FormatBytes(c.MinFreeCapacity), c.MinFreeCapacityRatio,
		FormatBytes(c.MinReclaimBytes), c.MinReclaimPct)
}

// ParticipantStats is a point-in-time copy of a participant's counters.
type ParticipantStats struct {
	NumRequests    int64
	NumReclaims    int64
	NumShrinks     int64
	NumGrows       int64
	ReclaimedBytes int64
	GrowBytes      int64
	Aborted        bool
}

// ArbitrationParticipant serializes arbitration requests against one pool
// and computes the grow/shrink/reclaim targets the arbitrator acts on.
//
// Locking: stateMu is a short-held lock guarding the running operation, the
// wait queue and the aborted flag. reclaimMu is a separate timed lock that
// serializes the reclaim/shrink/abort side effects. stateMu is never held
// while blocking on reclaimMu.
type ArbitrationParticipant struct {
	id          uint64
	pool        *Pool
	config      *ParticipantConfig
	maxCapacity int64
	createTime  time.Time

	stateMu struct {
		sync.Mutex
		runningOp *ArbitrationOperation
		waitOps   []*ArbitrationOperation
		aborted   bool
	}
	reclaimMu timedMutex

	released uatomic.Bool

	numRequests    uatomic.Int64
	numReclaims    uatomic.Int64
	numShrinks     uatomic.Int64
	numGrows       uatomic.Int64
	reclaimedBytes uatomic.Int64
	growBytes      uatomic.Int64
}

func newArbitrationParticipant(id uint64, pool *Pool, config *ParticipantConfig) (*ArbitrationParticipant, error) {
	if config.MinCapacity > pool.MaxCapacity() {
		return nil, errors.Errorf(
			"the min capacity %s is larger than the max capacity %s for memory pool %s",
			FormatBytes(config.MinCapacity), FormatBytes(pool.MaxCapacity()), pool.Name())
	}
	return &ArbitrationParticipant{
		id:          id,
		pool:        pool,
		config:      config,
		maxCapacity: pool.MaxCapacity(),
		createTime:  time.Now(),
		reclaimMu:   newTimedMutex(),
	}, nil
}

// ID returns the participant id assigned at registration.
func (p *ArbitrationParticipant) ID() uint64 { return p.id }

// Name returns the underlying pool name.
func (p *ArbitrationParticipant) Name() string { return p.pool.Name() }

// Lock returns a strong handle on the pool, or nil once the pool has been
// unregistered. The participant itself never extends the pool's lifetime.
func (p *ArbitrationParticipant) Lock() *Pool {
	if p.released.Load() {
		return nil
	}
	return p.pool
}

// Capacity returns the pool's current capacity.
func (p *ArbitrationParticipant) Capacity() int64 { return p.pool.Capacity() }

// Aborted reports whether the participant has been aborted.
func (p *ArbitrationParticipant) Aborted() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.stateMu.aborted
}

// Stats returns a snapshot of the participant counters.
func (p *ArbitrationParticipant) Stats() ParticipantStats {
	return ParticipantStats{
		NumRequests:    p.numRequests.Load(),
		NumReclaims:    p.numReclaims.Load(),
		NumShrinks:     p.numShrinks.Load(),
		NumGrows:       p.numGrows.Load(),
		ReclaimedBytes: p.reclaimedBytes.Load(),
		GrowBytes:      p.growBytes.Load(),
		Aborted:        p.Aborted(),
	}
}

// MaxGrowCapacity returns the capacity room left under the pool ceiling.
func (p *ArbitrationParticipant) MaxGrowCapacity() int64 {
	return p.maxCapacity - p.pool.Capacity()
}

// MinGrowCapacity returns the growth needed to restore the configured
// capacity floor.
func (p *ArbitrationParticipant) MinGrowCapacity() int64 {
	capacity := p.pool.Capacity()
	if capacity >= p.config.MinCapacity {
		return 0
	}
	return p.config.MinCapacity - capacity
}

// inactivePool reports whether the pool is registered but no longer used
// by execution: no reservation, with a non-zero usage peak behind it. An
// inactive pool keeps neither the capacity floor nor free-capacity carve-out.
func (p *ArbitrationParticipant) inactivePool() bool {
	return p.pool.ReservedBytes() == 0 && p.pool.PeakBytes() != 0
}

// ReclaimableFreeCapacity returns the capacity reclaimable without any
// operator involvement.
func (p *ArbitrationParticipant) ReclaimableFreeCapacity() int64 {
	return min(p.maxShrinkCapacity(), p.maxReclaimableCapacity())
}

func (p *ArbitrationParticipant) maxReclaimableCapacity() int64 {
	capacity := p.pool.Capacity()
	if p.inactivePool() {
		return capacity
	}
	if capacity < p.config.MinCapacity {
		return 0
	}
	return capacity - p.config.MinCapacity
}

// ReclaimableUsedCapacity returns live memory the operator can give back
// by itself, e.g. by spilling.
func (p *ArbitrationParticipant) ReclaimableUsedCapacity() int64 {
	reclaimable, ok := p.pool.ReclaimableBytes()
	if !ok {
		return 0
	}
	return min(p.maxReclaimableCapacity(), reclaimable)
}

func (p *ArbitrationParticipant) maxShrinkCapacity() int64 {
	capacity := p.pool.Capacity()
	freeBytes := p.pool.FreeBytes()
	if p.config.MinFreeCapacity != 0 && !p.inactivePool() {
		minFreeBytes := min(
			int64(float64(capacity)*p.config.MinFreeCapacityRatio),
			p.config.MinFreeCapacity)
		if freeBytes <= minFreeBytes {
			return 0
		}
		return freeBytes - minFreeBytes
	}
	return freeBytes
}

// CheckCapacityGrowth reports whether requestBytes fits under the pool
// ceiling at all.
func (p *ArbitrationParticipant) CheckCapacityGrowth(requestBytes int64) bool {
	return p.MaxGrowCapacity() >= requestBytes
}

// GetGrowTargets computes the max and min growth for a request under the
// configured growth policy. Guarantees requestBytes <= maxGrowBytes and
// minGrowBytes <= maxGrowBytes.
func (p *ArbitrationParticipant) GetGrowTargets(requestBytes int64) (maxGrowBytes, minGrowBytes int64) {
	capacity := p.pool.Capacity()
	if p.config.FastExponentialGrowthCapacityLimit == 0 && p.config.SlowCapacityGrowRatio == 0 {
		maxGrowBytes = requestBytes
	} else if capacity*2 <= p.config.FastExponentialGrowthCapacityLimit {
		maxGrowBytes = capacity
	} else {
		maxGrowBytes = int64(float64(capacity) * p.config.SlowCapacityGrowRatio)
	}
	maxGrowBytes = max(requestBytes, maxGrowBytes)
	minGrowBytes = p.MinGrowCapacity()
	maxGrowBytes = max(maxGrowBytes, minGrowBytes)
	maxGrowBytes = min(p.MaxGrowCapacity(), maxGrowBytes)
	return maxGrowBytes, minGrowBytes
}

// startArbitration admits op. If another operation is running on this
// participant the caller blocks, strictly FIFO, until its turn.
func (p *ArbitrationParticipant) startArbitration(op *ArbitrationOperation) error {
	var wait bool
	p.stateMu.Lock()
	if p.stateMu.aborted {
		p.stateMu.Unlock()
		return errors.Annotatef(ErrPoolAborted, "pool %s", p.pool.Name())
	}
	p.numRequests.Add(1)
	if p.stateMu.runningOp != nil {
		op.setState(OpStateWaiting)
		p.stateMu.waitOps = append(p.stateMu.waitOps, op)
		wait = true
	} else {
		op.setState(OpStateRunning)
		p.stateMu.runningOp = op
	}
	p.stateMu.Unlock()

	if wait {
		<-op.waitCh
	}
	return nil
}

// finishArbitration releases the running slot and wakes exactly the next
// queued operation, on whichever goroutine is calling.
func (p *ArbitrationParticipant) finishArbitration(op *ArbitrationOperation) {
	var next *ArbitrationOperation
	p.stateMu.Lock()
	if p.stateMu.runningOp != op {
		p.stateMu.Unlock()
		panic(fmt.Sprintf("finishArbitration called for a non-running operation on pool %s",
			p.pool.Name()))
	}
	op.setState(OpStateFinished)
	if len(p.stateMu.waitOps) > 0 {
		next = p.stateMu.waitOps[0]
		p.stateMu.waitOps = p.stateMu.waitOps[1:]
		next.setState(OpStateRunning)
		p.stateMu.runningOp = next
	} else {
		p.stateMu.runningOp = nil
	}
	p.stateMu.Unlock()

	if next != nil {
		close(next.waitCh)
	}
}

// Grow delegates to the pool. No partial side effects on failure beyond
// the request counter.
func (p *ArbitrationParticipant) Grow(growBytes, reservationBytes int64) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.numGrows.Add(1)
	success := p.pool.Grow(growBytes, reservationBytes)
	if success {
		p.growBytes.Add(growBytes)
	}
	return success
}

// Shrink returns reclaimable free capacity to the arbitrator, or all free
// capacity if reclaimAll.
func (p *ArbitrationParticipant) Shrink(reclaimAll bool) int64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.shrinkLocked(reclaimAll)
}

func (p *ArbitrationParticipant) shrinkLocked(reclaimAll bool) int64 {
	p.numShrinks.Add(1)
	var reclaimed int64
	if reclaimAll {
		reclaimed = p.pool.Shrink(0)
	} else if target := p.ReclaimableFreeCapacity(); target > 0 {
		reclaimed = p.pool.Shrink(target)
	}
	p.reclaimedBytes.Add(reclaimed)
	return reclaimed
}

// Reclaim forces the operator behind the pool to give memory back, then
// shrinks the freed capacity. The effective target is raised to the policy
// minimum. maxWaitTime bounds the whole attempt: failure to take the
// reclaim lock, or an operator that cannot pause its drivers, within the
// remaining time surfaces as ErrArbitrationTimeout. A panic out of the
// operator reclaim aborts this participant instead of leaving it
// inconsistent.
func (p *ArbitrationParticipant) Reclaim(targetBytes int64, maxWaitTime time.Duration, stats *ReclaimStats) (reclaimedCapacity int64, err error) {
	targetBytes = max(targetBytes, p.config.MinReclaimBytes,
		int64(float64(p.pool.Capacity())*p.config.MinReclaimPct))
	if targetBytes == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(maxWaitTime)
	if !p.reclaimMu.tryLockFor(maxWaitTime) {
		return 0, errors.Annotatef(ErrArbitrationTimeout, "pool %s", p.pool.Name())
	}
	defer p.reclaimMu.unlock()

	defer func() {
		if r := recover(); r != nil {
			logutil.BgLogger().Error("failed to reclaim from memory pool, aborting it",
				zap.String("pool", p.pool.Name()), zap.Any("error", r))
			reclaimedCapacity = p.abortLocked(errors.Errorf("reclaim failed: %v", r))
			err = nil
		}
	}()

	failpoint.Inject("reclaimPanic", func() {
		panic("reclaim failpoint panic")
	})

	p.numReclaims.Add(1)
	logutil.BgLogger().Info("reclaiming from memory pool",
		zap.String("pool", p.pool.Name()),
		zap.String("target", FormatBytes(targetBytes)))
	reclaimedBytes, reclaimErr := p.pool.Reclaim(targetBytes, time.Until(deadline), stats)
	reclaimedCapacity = p.Shrink(false)
	if reclaimErr != nil {
		return reclaimedCapacity, errors.Trace(reclaimErr)
	}
	logutil.BgLogger().Info("reclaimed from memory pool",
		zap.String("pool", p.pool.Name()),
		zap.String("reserved-memory", FormatBytes(reclaimedBytes)),
		zap.String("capacity", FormatBytes(reclaimedCapacity)))
	return reclaimedCapacity, nil
}

// Abort marks the participant aborted, aborts the pool and force-shrinks
// its capacity to zero ignoring policy floors. Idempotent: a second call
// returns 0 and changes nothing.
func (p *ArbitrationParticipant) Abort(err error) int64 {
	p.reclaimMu.lock()
	defer p.reclaimMu.unlock()
	return p.abortLocked(err)
}

// abortLocked requires reclaimMu to be held.
func (p *ArbitrationParticipant) abortLocked(err error) int64 {
	p.stateMu.Lock()
	if p.stateMu.aborted {
		p.stateMu.Unlock()
		return 0
	}
	p.stateMu.aborted = true
	p.stateMu.Unlock()

	logutil.BgLogger().Warn("memory pool is being aborted",
		zap.String("pool", p.pool.Name()), zap.Error(err))
	p.pool.Abort(err)

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.shrinkLocked(true)
}

// hasRunningOp is used by tests and invariant checks.
func (p *ArbitrationParticipant) hasRunningOp() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.stateMu.runningOp != nil
}

func (p *ArbitrationParticipant) numWaitingOps() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return len(p.stateMu.waitOps)
}

// timedMutex is a mutex with a bounded-wait acquire, built on a buffered
// channel so a blocked locker can give up on timeout.
type timedMutex struct {
	ch chan struct{}
}

func newTimedMutex() timedMutex {
	return timedMutex{ch: make(chan struct{}, 1)}
}

func (m *timedMutex) lock() {
	m.ch <- struct{}{}
}

func (m *timedMutex) tryLockFor(timeout time.Duration) bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (m *timedMutex) unlock() {
	select {
	case <-m.ch:
	default:
		panic("unlock of unlocked timedMutex")
	}
}
