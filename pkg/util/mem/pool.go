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
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/util/logutil"
)

// ReclaimStats collects counters of a reclaim attempt. It is passed down
// from the arbitrator through the pool into the operator reclaimer.
type ReclaimStats struct {
	// NumNonReclaimableAttempts counts reclaim attempts that were refused
	// because the operator was in a non-reclaimable state.
	NumNonReclaimableAttempts int
	// ReclaimedBytes is the amount of reserved memory released back by the
	// operator, before the capacity shrink.
	ReclaimedBytes int64
	// ReclaimExecTime is the wall time spent inside the operator reclaim.
	ReclaimExecTime time.Duration
}

// Reclaimer is implemented by an operator that owns a Pool. The arbitrator
// invokes it, through the pool, to force the operator to give memory back,
// typically by spilling intermediate state to storage.
//
// Reclaim and Abort are called by an arbitrating goroutine while the owning
// driver is suspended; EnterArbitration/LeaveArbitration bracket the owner's
// own grow requests so that suspension is visible to the task.
type Reclaimer interface {
	// ReclaimableBytes returns the number of used bytes the operator can
	// give back, and whether the operator supports reclaim at all.
	ReclaimableBytes(pool *Pool) (int64, bool)
	// Reclaim asks the operator to release at least targetBytes of used
	// memory. It returns the number of bytes actually released. The
	// operator must not block past maxWaitTime waiting for its drivers; a
	// pause it cannot reach in time fails with ErrArbitrationTimeout.
	Reclaim(pool *Pool, targetBytes int64, maxWaitTime time.Duration, stats *ReclaimStats) (int64, error)
	// Abort tells the operator its pool has been aborted; err is the cause
	// and must be propagated to anything blocked on the operator.
	Abort(pool *Pool, err error)
	// EnterArbitration marks the owning driver as suspended so another
	// goroutine may safely mutate this pool. It fails if the driver cannot
	// be suspended, e.g. the task is terminating.
	EnterArbitration() error
	// LeaveArbitration clears the suspension mark.
	LeaveArbitration()
}

// BaseReclaimer provides no-op defaults for operators that only need a
// subset of the Reclaimer contract.
type BaseReclaimer struct{}

// ReclaimableBytes implements Reclaimer.
func (BaseReclaimer) ReclaimableBytes(*Pool) (int64, bool) { return 0, false }

// Reclaim implements Reclaimer.
func (BaseReclaimer) Reclaim(*Pool, int64, time.Duration, *ReclaimStats) (int64, error) {
	return 0, nil
}

// Abort implements Reclaimer.
func (BaseReclaimer) Abort(*Pool, error) {}

// EnterArbitration implements Reclaimer.
func (BaseReclaimer) EnterArbitration() error { return nil }

// LeaveArbitration implements Reclaimer.
func (BaseReclaimer) LeaveArbitration() {}

// Pool is a memory cost center owned by exactly one operator. Capacity is
// granted and revoked by the arbitrator; usage is tracked by the owner via
// Allocate/Release. A pool is mutated by a goroutine other than its owner
// only while the owner is suspended for arbitration.
type Pool struct {
	name        string
	uid         uint64
	maxCapacity int64
	reclaimer   Reclaimer
	arbitrator  *Arbitrator

	mu struct {
		sync.Mutex
		capacity int64
		used     int64
		reserved int64
		peak     int64
		aborted  bool
		abortErr error
	}
}

// NewPool creates a pool with zero capacity. The reclaimer may be nil for
// pools that cannot give memory back. The pool becomes usable for
// arbitrated allocation after Arbitrator.AddPool.
func NewPool(name string, uid uint64, maxCapacity int64, reclaimer Reclaimer) *Pool {
	return &Pool{
		name:        name,
		uid:         uid,
		maxCapacity: maxCapacity,
		reclaimer:   reclaimer,
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// UID returns the pool's unique id.
func (p *Pool) UID() uint64 { return p.uid }

// MaxCapacity returns the capacity ceiling of this pool.
func (p *Pool) MaxCapacity() int64 { return p.maxCapacity }

// Capacity returns the capacity currently granted by the arbitrator.
func (p *Pool) Capacity() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.capacity
}

// UsedBytes returns the bytes the owner has allocated.
func (p *Pool) UsedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.used
}

// ReservedBytes returns used bytes plus unused reservation.
func (p *Pool) ReservedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.used + p.mu.reserved
}

// FreeBytes returns capacity not covered by usage or reservation.
func (p *Pool) FreeBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeBytesLocked()
}

func (p *Pool) freeBytesLocked() int64 {
	return p.mu.capacity - p.mu.used - p.mu.reserved
}

// PeakBytes returns the high watermark of reserved bytes.
func (p *Pool) PeakBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.peak
}

// Aborted reports whether the pool has been aborted.
func (p *Pool) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.aborted
}

// AbortError returns the error the pool was aborted with, or nil.
func (p *Pool) AbortError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.abortErr
}

// ReclaimableBytes returns the used bytes the owning operator can give
// back, and whether reclaim is supported.
func (p *Pool) ReclaimableBytes() (int64, bool) {
	if p.reclaimer == nil {
		return 0, false
	}
	return p.reclaimer.ReclaimableBytes(p)
}

// Grow raises the pool capacity by growBytes and commits reservationBytes
// of it to reservation in the same step. It returns false, with no side
// effects, if either part does not fit.
func (p *Pool) Grow(growBytes, reservationBytes int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mu.aborted {
		return false
	}
	if p.mu.capacity+growBytes > p.maxCapacity {
		return false
	}
	p.mu.capacity += growBytes
	if reservationBytes > 0 {
		if p.freeBytesLocked() < reservationBytes {
			p.mu.capacity -= growBytes
			return false
		}
		p.mu.reserved += reservationBytes
		p.updatePeakLocked()
	}
	return true
}

// Shrink returns free capacity to the arbitrator. A non-positive target
// releases all free capacity. It returns the bytes actually released.
func (p *Pool) Shrink(targetBytes int64) int64 {
	p.mu.Lock()
	free := p.freeBytesLocked()
	if free <= 0 {
		p.mu.Unlock()
		return 0
	}
	if targetBytes <= 0 || targetBytes > free {
		targetBytes = free
	}
	p.mu.capacity -= targetBytes
	p.mu.Unlock()

	if p.arbitrator != nil {
		p.arbitrator.releaseCapacity(targetBytes)
	}
	return targetBytes
}

// Reclaim invokes the owning operator's reclaimer to release used memory.
// It returns the bytes the operator reported released. The caller, an
// arbitrating goroutine, must hold the participant's reclaim lock.
func (p *Pool) Reclaim(targetBytes int64, maxWaitTime time.Duration, stats *ReclaimStats) (int64, error) {
	if p.reclaimer == nil {
		return 0, nil
	}
	start := time.Now()
	reclaimed, err := p.reclaimer.Reclaim(p, targetBytes, maxWaitTime, stats)
	stats.ReclaimedBytes += reclaimed
	stats.ReclaimExecTime += time.Since(start)
	return reclaimed, err
}

// Abort marks the pool aborted and notifies the owning operator. All
// subsequent allocation fails with the abort error.
func (p *Pool) Abort(err error) {
	p.mu.Lock()
	if p.mu.aborted {
		p.mu.Unlock()
		return
	}
	p.mu.aborted = true
	p.mu.abortErr = err
	p.mu.Unlock()

	if p.reclaimer != nil {
		p.reclaimer.Abort(p, err)
	}
}

// maxAllocateRetries bounds the Allocate retry loop against capacity
// granted by arbitration being taken by a concurrent shrink.
const maxAllocateRetries = 8

// Allocate obtains bytes for the owner, drawing on the reservation and
// free capacity together, finally by arbitrated growth.
func (p *Pool) Allocate(bytes int64) error {
	if bytes < 0 {
		p.Release(-bytes)
		return nil
	}
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		if p.mu.aborted {
			err := p.mu.abortErr
			p.mu.Unlock()
			return errors.AddStack(err)
		}
		fromReserved := min(p.mu.reserved, bytes)
		if fromReserved+p.freeBytesLocked() >= bytes {
			p.mu.reserved -= fromReserved
			p.mu.used += bytes
			p.updatePeakLocked()
			p.mu.Unlock()
			return nil
		}
		shortfall := bytes - fromReserved - p.freeBytesLocked()
		p.mu.Unlock()

		if attempt >= maxAllocateRetries {
			return errors.Annotatef(ErrResourceExhausted,
				"pool %s failed to allocate %s after %d arbitration rounds",
				p.name, FormatBytes(bytes), attempt)
		}
		if err := p.growWithArbitration(shortfall); err != nil {
			return err
		}
	}
}

// Release gives back bytes obtained by Allocate. Capacity is unchanged;
// the freed room stays with the pool until shrunk.
func (p *Pool) Release(bytes int64) {
	if bytes <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.used -= bytes
	if p.mu.used < 0 {
		logutil.BgLogger().Error("memory pool released more than allocated",
			zap.String("pool", p.name), zap.Int64("used", p.mu.used))
		p.mu.used = 0
	}
}

// MaybeReserve tries to set aside bytes ahead of use, growing through
// arbitration if needed. It returns false if the reservation cannot be
// granted; the pool is left unchanged in that case.
func (p *Pool) MaybeReserve(bytes int64) bool {
	if bytes <= 0 {
		return true
	}
	p.mu.Lock()
	if p.mu.aborted {
		p.mu.Unlock()
		return false
	}
	if p.freeBytesLocked() >= bytes {
		p.mu.reserved += bytes
		p.updatePeakLocked()
		p.mu.Unlock()
		return true
	}
	shortfall := bytes - p.freeBytesLocked()
	p.mu.Unlock()

	if err := p.growWithArbitration(shortfall); err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mu.aborted || p.freeBytesLocked() < bytes {
		return false
	}
	p.mu.reserved += bytes
	p.updatePeakLocked()
	return true
}

// ReleaseUnusedReservation drops the reservation that has not been turned
// into usage.
func (p *Pool) ReleaseUnusedReservation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.reserved = 0
}

func (p *Pool) updatePeakLocked() {
	if rb := p.mu.used + p.mu.reserved; rb > p.mu.peak {
		p.mu.peak = rb
	}
}

// growWithArbitration funnels a capacity shortfall into the global
// arbitrator. The pool lock must not be held: arbitration may reclaim from
// this very pool's peers, or suspend the calling driver.
func (p *Pool) growWithArbitration(bytes int64) error {
	arb := p.arbitrator
	if arb == nil {
		return errors.Annotatef(ErrResourceExhausted,
			"pool %s requested %s with no arbitrator attached", p.name, FormatBytes(bytes))
	}
	if p.reclaimer != nil {
		if err := p.reclaimer.EnterArbitration(); err != nil {
			return errors.AddStack(err)
		}
		defer p.reclaimer.LeaveArbitration()
	}
	return arb.GrowCapacity(p, bytes)
}

