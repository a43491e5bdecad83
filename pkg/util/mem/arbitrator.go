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
	goerrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/util/logutil"
)

// DefMaxReclaimWaitTime bounds the wait for a victim's reclaim lock.
const DefMaxReclaimWaitTime = 5 * time.Minute

// ArbitrationCandidate is a ranking snapshot of a participant taken inside
// the arbitration critical section.
type ArbitrationCandidate struct {
	Participant *ArbitrationParticipant
	// Pool is the scoped strong handle obtained from Participant.Lock.
	Pool *Pool
	// CurrentCapacity is the capacity at snapshot time.
	CurrentCapacity int64
	// ReclaimableUsedCapacity is zero when only free capacity is being
	// evaluated.
	ReclaimableUsedCapacity int64
	ReclaimableFreeCapacity int64
}

// RankFunc orders reclaim candidates; it returns true when a should be
// reclaimed before b. The arbitrator requires the order to be
// deterministic.
type RankFunc func(a, b *ArbitrationCandidate) bool

// RankByReclaimableUsed reclaims from the candidate with the largest
// reclaimable used capacity first, breaking ties by ascending participant
// id. It is the default policy.
func RankByReclaimableUsed(a, b *ArbitrationCandidate) bool {
	if a.ReclaimableUsedCapacity != b.ReclaimableUsedCapacity {
		return a.ReclaimableUsedCapacity > b.ReclaimableUsedCapacity
	}
	return a.Participant.ID() < b.Participant.ID()
}

// ArbitratorConfig configures one arbitrator instance.
type ArbitratorConfig struct {
	// Capacity is the total memory the arbitrator may hand out across all
	// participants.
	Capacity int64
	// Participant provides the policy applied to every registered pool.
	Participant ParticipantConfig
	// MaxReclaimWaitTime bounds the wait for a victim's reclaim lock.
	// Zero falls back to DefMaxReclaimWaitTime.
	MaxReclaimWaitTime time.Duration
	// AbortRequesterOnExhaustion aborts the requesting pool, instead of
	// only failing the request, when every candidate has been reclaimed
	// and the shortfall remains.
	AbortRequesterOnExhaustion bool
	// Rank overrides the victim ranking policy.
	Rank RankFunc
}

// Arbitrator is the global coordinator for memory capacity. It owns the
// participant registry and the single critical section that ranks and
// reclaims victims for unsatisfiable grow requests.
//
// It is an explicit service object: create one per memory manager with
// NewArbitrator, inject it by reference, tear it down with Close.
type Arbitrator struct {
	config ArbitratorConfig

	// arbitrationMu is the global critical section. It is deliberately
	// one narrow lock across all drivers of all queries: a globally
	// consistent victim ranking matters more than arbitration throughput.
	arbitrationMu sync.Mutex

	// freeCapacity is capacity not granted to any participant. Credited
	// by Pool.Shrink, debited when a grow is granted.
	freeCapacity uatomic.Int64

	participants struct {
		sync.RWMutex
		m map[uint64]*ArbitrationParticipant
	}

	nextID uatomic.Uint64
	closed uatomic.Bool
}

// NewArbitrator creates an arbitrator with the given capacity budget.
func NewArbitrator(config ArbitratorConfig) (*Arbitrator, error) {
	if config.Capacity <= 0 {
		return nil, errors.Errorf("arbitrator capacity %d must be positive", config.Capacity)
	}
	if err := config.Participant.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxReclaimWaitTime == 0 {
		config.MaxReclaimWaitTime = DefMaxReclaimWaitTime
	}
	if config.Rank == nil {
		config.Rank = RankByReclaimableUsed
	}
	a := &Arbitrator{config: config}
	a.freeCapacity.Store(config.Capacity)
	a.participants.m = make(map[uint64]*ArbitrationParticipant)
	return a, nil
}

// Close tears the arbitrator down. It fails if pools are still registered.
func (a *Arbitrator) Close() error {
	a.participants.RLock()
	n := len(a.participants.m)
	a.participants.RUnlock()
	if n != 0 {
		return errors.Errorf("closing arbitrator with %d participants still registered", n)
	}
	a.closed.Store(true)
	return nil
}

// Capacity returns the total capacity budget.
func (a *Arbitrator) Capacity() int64 { return a.config.Capacity }

// FreeCapacity returns the capacity not granted to any participant.
func (a *Arbitrator) FreeCapacity() int64 { return a.freeCapacity.Load() }

// AddPool registers a pool with arbitration and grants it the configured
// initial capacity, clamped to what is free. The returned participant is
// destroyed with the pool via RemovePool.
func (a *Arbitrator) AddPool(pool *Pool) (*ArbitrationParticipant, error) {
	if a.closed.Load() {
		return nil, errors.New("arbitrator closed")
	}
	p, err := newArbitrationParticipant(a.nextID.Add(1), pool, &a.config.Participant)
	if err != nil {
		return nil, err
	}

	a.participants.Lock()
	if _, ok := a.participants.m[pool.UID()]; ok {
		a.participants.Unlock()
		return nil, errors.Errorf("pool %s already registered", pool.Name())
	}
	pool.arbitrator = a
	a.participants.m[pool.UID()] = p
	a.participants.Unlock()

	if init := min(a.config.Participant.InitCapacity, pool.MaxCapacity()); init > 0 {
		if grant := a.takeCapacity(init); grant > 0 {
			if !pool.Grow(grant, 0) {
				a.freeCapacity.Add(grant)
			}
		}
	}
	return p, nil
}

// RemovePool unregisters the pool, returning all of its capacity to the
// arbitrator. Waiting operations, if any, fail with participant released
// once they reach the running slot.
func (a *Arbitrator) RemovePool(pool *Pool) {
	a.participants.Lock()
	p, ok := a.participants.m[pool.UID()]
	if ok {
		delete(a.participants.m, pool.UID())
	}
	a.participants.Unlock()
	if !ok {
		return
	}
	p.Shrink(true)
	p.released.Store(true)
}

// GrowCapacity is the entry point of the arbitration protocol: it grows
// pool by at least requestBytes, reclaiming from other participants if
// needed. Requests that cannot fit under the pool ceiling fail immediately
// without entering the wait queue.
func (a *Arbitrator) GrowCapacity(pool *Pool, requestBytes int64) error {
	p := a.participant(pool.UID())
	if p == nil {
		return errors.Annotatef(ErrParticipantReleased, "pool %s", pool.Name())
	}
	if !p.CheckCapacityGrowth(requestBytes) {
		ArbitrationRequestCounter.WithLabelValues("reject").Inc()
		return errors.Annotatef(ErrResourceExhausted,
			"pool %s requested %s exceeding max grow capacity %s",
			pool.Name(), FormatBytes(requestBytes), FormatBytes(p.MaxGrowCapacity()))
	}

	op := newArbitrationOperation(p, requestBytes)
	op.maxGrowBytes, op.minGrowBytes = p.GetGrowTargets(requestBytes)

	if err := p.startArbitration(op); err != nil {
		ArbitrationRequestCounter.WithLabelValues("fail").Inc()
		return err
	}
	defer p.finishArbitration(op)

	start := time.Now()
	err := a.arbitrate(op)
	ArbitrationDurationHistogram.Observe(time.Since(start).Seconds())
	if err == nil {
		ArbitrationRequestCounter.WithLabelValues("ok").Inc()
		return nil
	}
	ArbitrationRequestCounter.WithLabelValues("fail").Inc()
	if a.config.AbortRequesterOnExhaustion && goerrors.Is(err, ErrResourceExhausted) {
		ArbitrationAbortCounter.Inc()
		p.Abort(err)
	}
	return err
}

// arbitrate runs the global critical section for one admitted operation.
func (a *Arbitrator) arbitrate(op *ArbitrationOperation) error {
	a.arbitrationMu.Lock()
	defer a.arbitrationMu.Unlock()

	// The pool may have been removed while the operation sat in the wait
	// queue.
	if op.participant.released.Load() {
		return errors.Annotatef(ErrParticipantReleased,
			"pool %s removed during arbitration", op.participant.Name())
	}

	// Capacity freed since admission may already cover the request.
	if a.tryGrow(op) {
		return nil
	}

	// First take free capacity from other participants: cheap, no I/O.
	a.reclaimFreeCapacity(op)
	if a.tryGrow(op) {
		return nil
	}

	// Fall back to forcing victims to give back used memory.
	stats := &ReclaimStats{}
	timeoutPool, err := a.reclaimUsedCapacity(op, stats)
	if err != nil {
		return err
	}
	// A victim's reclaim may have freed memory inside pools other than
	// its own; their capacity comes back through a second shrink pass.
	a.reclaimFreeCapacity(op)
	if a.tryGrow(op) {
		return nil
	}

	if timeoutPool != "" {
		ArbitrationTimeoutCounter.Inc()
		return errors.Annotatef(ErrArbitrationTimeout,
			"pool %s could not be reclaimed within %s while growing pool %s",
			timeoutPool, a.config.MaxReclaimWaitTime, op.participant.Name())
	}
	return errors.Annotatef(ErrResourceExhausted,
		"pool %s requested %s, free capacity %s after reclaiming from every other running participant",
		op.participant.Name(), FormatBytes(op.requestBytes), FormatBytes(a.freeCapacity.Load()))
}

// tryGrow grants the operation from free capacity if the full request
// fits. The grant is the grow target when available, never less than the
// request, and never less than the growth restoring the capacity floor.
func (a *Arbitrator) tryGrow(op *ArbitrationOperation) bool {
	for {
		free := a.freeCapacity.Load()
		if free < op.neededBytes() {
			return false
		}
		grant := min(op.maxGrowBytes, free)
		if !a.freeCapacity.CompareAndSwap(free, free-grant) {
			continue
		}
		if !op.participant.Grow(grant, 0) {
			// The pool was aborted or hit its ceiling concurrently.
			a.freeCapacity.Add(grant)
			return false
		}
		return true
	}
}

// takeCapacity removes up to maxBytes from free capacity and returns the
// amount taken.
func (a *Arbitrator) takeCapacity(maxBytes int64) int64 {
	for {
		free := a.freeCapacity.Load()
		take := min(free, maxBytes)
		if take <= 0 {
			return 0
		}
		if a.freeCapacity.CompareAndSwap(free, free-take) {
			return take
		}
	}
}

// releaseCapacity credits shrunk pool capacity back. Called by Pool.Shrink.
func (a *Arbitrator) releaseCapacity(bytes int64) {
	if bytes > 0 {
		a.freeCapacity.Add(bytes)
	}
}

// reclaimFreeCapacity shrinks other participants' reclaimable free
// capacity, largest first, until the operation's request is covered.
func (a *Arbitrator) reclaimFreeCapacity(op *ArbitrationOperation) {
	candidates := a.buildCandidates(op.participant, true)
	sort.Slice(candidates, func(i, j int) bool {
		c1, c2 := candidates[i], candidates[j]
		if c1.ReclaimableFreeCapacity != c2.ReclaimableFreeCapacity {
			return c1.ReclaimableFreeCapacity > c2.ReclaimableFreeCapacity
		}
		return c1.Participant.ID() < c2.Participant.ID()
	})
	for _, c := range candidates {
		if a.freeCapacity.Load() >= op.neededBytes() {
			return
		}
		if c.ReclaimableFreeCapacity <= 0 {
			return
		}
		c.Participant.Shrink(false)
	}
}

// reclaimUsedCapacity forces ranked victims to reclaim used memory until
// the request is covered or candidates are exhausted. A victim that times
// out on its reclaim lock is skipped and reported; a victim whose reclaim
// fails has aborted itself and is skipped.
func (a *Arbitrator) reclaimUsedCapacity(op *ArbitrationOperation, stats *ReclaimStats) (timeoutPool string, err error) {
	candidates := a.buildCandidates(op.participant, false)
	sort.Slice(candidates, func(i, j int) bool {
		return a.config.Rank(candidates[i], candidates[j])
	})
	for _, c := range candidates {
		needed := op.neededBytes() - a.freeCapacity.Load()
		if needed <= 0 {
			return timeoutPool, nil
		}
		if c.ReclaimableUsedCapacity <= 0 {
			continue
		}
		ArbitrationReclaimCounter.Inc()
		reclaimed, reclaimErr := c.Participant.Reclaim(needed, a.config.MaxReclaimWaitTime, stats)
		if reclaimErr != nil {
			if goerrors.Is(reclaimErr, ErrArbitrationTimeout) {
				logutil.BgLogger().Warn("victim reclaim lock timed out, skipping candidate",
					zap.String("victim", c.Pool.Name()),
					zap.String("requester", op.participant.Name()))
				timeoutPool = c.Pool.Name()
				continue
			}
			return timeoutPool, reclaimErr
		}
		ArbitrationReclaimedBytesCounter.Add(float64(reclaimed))
	}
	return timeoutPool, nil
}

// buildCandidates snapshots all live participants other than the
// requester. With freeOnly set the used-capacity field is left zero.
func (a *Arbitrator) buildCandidates(exclude *ArbitrationParticipant, freeOnly bool) []*ArbitrationCandidate {
	a.participants.RLock()
	defer a.participants.RUnlock()
	candidates := make([]*ArbitrationCandidate, 0, len(a.participants.m))
	for _, p := range a.participants.m {
		if p == exclude || p.Aborted() {
			continue
		}
		pool := p.Lock()
		if pool == nil {
			continue
		}
		c := &ArbitrationCandidate{
			Participant:             p,
			Pool:                    pool,
			CurrentCapacity:         pool.Capacity(),
			ReclaimableFreeCapacity: p.ReclaimableFreeCapacity(),
		}
		if !freeOnly {
			c.ReclaimableUsedCapacity = p.ReclaimableUsedCapacity()
		}
		candidates = append(candidates, c)
	}
	return candidates
}

func (a *Arbitrator) participant(uid uint64) *ArbitrationParticipant {
	a.participants.RLock()
	defer a.participants.RUnlock()
	return a.participants.m[uid]
}
