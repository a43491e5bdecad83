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
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"
)

func newTestParticipant(t *testing.T, cfg ParticipantConfig, maxCapacity int64, reclaimer Reclaimer) (*ArbitrationParticipant, *Pool) {
	pool := NewPool("test-pool", 42, maxCapacity, reclaimer)
	p, err := newArbitrationParticipant(1, pool, &cfg)
	require.NoError(t, err)
	return p, pool
}

func TestParticipantConfigValidate(t *testing.T) {
	require.NoError(t, (&ParticipantConfig{}).Validate())
	require.Error(t, (&ParticipantConfig{FastExponentialGrowthCapacityLimit: 1 << 30}).Validate())
	require.Error(t, (&ParticipantConfig{SlowCapacityGrowRatio: 1.25}).Validate())
	require.Error(t, (&ParticipantConfig{MinFreeCapacity: 1 << 20}).Validate())
	require.Error(t, (&ParticipantConfig{MinFreeCapacityRatio: 1.5, MinFreeCapacity: 1}).Validate())
	require.Error(t, (&ParticipantConfig{MinReclaimPct: 2}).Validate())
	require.NoError(t, (&ParticipantConfig{
		FastExponentialGrowthCapacityLimit: 1 << 30,
		SlowCapacityGrowRatio:              1.25,
		MinFreeCapacity:                    1 << 20,
		MinFreeCapacityRatio:               0.25,
	}).Validate())
}

func TestParticipantMinCapacityOverMax(t *testing.T) {
	pool := NewPool("tiny", 7, 8*mb, nil)
	_, err := newArbitrationParticipant(1, pool, &ParticipantConfig{MinCapacity: 16 * mb})
	require.Error(t, err)
}

func TestGetGrowTargets(t *testing.T) {
	cfg := ParticipantConfig{
		MinCapacity:                        16 * mb,
		FastExponentialGrowthCapacityLimit: 256 * mb,
		SlowCapacityGrowRatio:              1.25,
	}
	p, pool := newTestParticipant(t, cfg, 1024*mb, nil)

	// Below the fast limit the capacity doubles.
	require.True(t, pool.Grow(64*mb, 0))
	maxGrow, minGrow := p.GetGrowTargets(1 * mb)
	require.Equal(t, 64*mb, maxGrow)
	require.Equal(t, int64(0), minGrow)

	// Past the fast limit growth slows to the configured ratio.
	require.True(t, pool.Grow(192*mb, 0))
	maxGrow, _ = p.GetGrowTargets(1 * mb)
	require.Equal(t, int64(float64(256*mb)*1.25), maxGrow)

	// The target never drops below the request.
	maxGrow, _ = p.GetGrowTargets(700 * mb)
	require.Equal(t, 700*mb, maxGrow)

	// And never exceeds the pool ceiling.
	maxGrow, _ = p.GetGrowTargets(768 * mb)
	require.Equal(t, 768*mb, maxGrow)
}

func TestGrowTargetsWithoutGrowthPolicy(t *testing.T) {
	p, pool := newTestParticipant(t, ParticipantConfig{}, 1024*mb, nil)
	require.True(t, pool.Grow(64*mb, 0))
	maxGrow, minGrow := p.GetGrowTargets(8 * mb)
	require.Equal(t, 8*mb, maxGrow)
	require.Equal(t, int64(0), minGrow)
}

func TestInactivePoolReclaimableFreeCapacity(t *testing.T) {
	cfg := ParticipantConfig{
		MinCapacity:          16 * mb,
		MinFreeCapacity:      8 * mb,
		MinFreeCapacityRatio: 0.25,
	}
	p, pool := newTestParticipant(t, cfg, 1024*mb, nil)
	require.True(t, pool.Grow(64*mb, 0))

	// Active pool with usage history: the floor and free carve-out hold.
	require.NoError(t, pool.Allocate(1*mb))
	require.Equal(t, 48*mb, p.ReclaimableFreeCapacity())

	// Releasing everything leaves reservedBytes==0 with peakBytes>0: the
	// pool is inactive and its full capacity is reclaimable.
	pool.Release(1 * mb)
	require.Equal(t, int64(0), pool.ReservedBytes())
	require.NotZero(t, pool.PeakBytes())
	require.Equal(t, 64*mb, p.ReclaimableFreeCapacity())
}

func TestReclaimableFreeCapacityCarveOut(t *testing.T) {
	cfg := ParticipantConfig{
		MinFreeCapacity:      8 * mb,
		MinFreeCapacityRatio: 0.5,
	}
	p, pool := newTestParticipant(t, cfg, 1024*mb, nil)
	require.True(t, pool.Grow(10*mb, 0))
	require.NoError(t, pool.Allocate(4*mb))

	// min(capacity*ratio, minFreeCapacity) = 5MB stays with the pool.
	require.Equal(t, 1*mb, p.ReclaimableFreeCapacity())
	require.LessOrEqual(t, p.ReclaimableFreeCapacity(), pool.FreeBytes())
}

func TestStartArbitrationFIFO(t *testing.T) {
	p, _ := newTestParticipant(t, ParticipantConfig{}, 1024*mb, nil)

	first := newArbitrationOperation(p, 1*mb)
	require.NoError(t, p.startArbitration(first))
	require.True(t, p.hasRunningOp())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	enqueue := func(seq int) *ArbitrationOperation {
		op := newArbitrationOperation(p, 1*mb)
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, p.startArbitration(op))
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
			p.finishArbitration(op)
		}()
		return op
	}

	waitQueued := func(n int) {
		require.Eventually(t, func() bool { return p.numWaitingOps() == n },
			time.Second, time.Millisecond)
	}
	enqueue(1)
	waitQueued(1)
	enqueue(2)
	waitQueued(2)
	enqueue(3)
	waitQueued(3)

	p.finishArbitration(first)
	wg.Wait()
	require.Equal(t, []int{1, 2, 3}, order)
	require.False(t, p.hasRunningOp())
}

func TestStartArbitrationAfterAbort(t *testing.T) {
	p, _ := newTestParticipant(t, ParticipantConfig{}, 1024*mb, nil)
	p.Abort(errors.New("boom"))
	op := newArbitrationOperation(p, 1*mb)
	err := p.startArbitration(op)
	require.ErrorIs(t, err, ErrPoolAborted)
}

func TestAbortIdempotent(t *testing.T) {
	p, pool := newTestParticipant(t, ParticipantConfig{MinCapacity: 16 * mb}, 1024*mb, nil)
	require.True(t, pool.Grow(64*mb, 0))

	reclaimed := p.Abort(errors.New("first"))
	require.Equal(t, 64*mb, reclaimed)
	require.True(t, p.Aborted())
	require.Equal(t, int64(0), pool.Capacity())
	statsAfterFirst := p.Stats()

	require.Equal(t, int64(0), p.Abort(errors.New("second")))
	require.Equal(t, statsAfterFirst, p.Stats())
}

func TestReclaimLockTimeout(t *testing.T) {
	p, pool := newTestParticipant(t, ParticipantConfig{}, 1024*mb, nil)
	require.True(t, pool.Grow(64*mb, 0))

	p.reclaimMu.lock()
	defer p.reclaimMu.unlock()

	stats := &ReclaimStats{}
	_, err := p.Reclaim(1*mb, 20*time.Millisecond, stats)
	require.ErrorIs(t, err, ErrArbitrationTimeout)
}

// recordingReclaimer releases the pool's used bytes when asked.
type recordingReclaimer struct {
	BaseReclaimer
	target int64
	freed  int64
}

func (r *recordingReclaimer) ReclaimableBytes(pool *Pool) (int64, bool) {
	return pool.UsedBytes(), true
}

func (r *recordingReclaimer) Reclaim(pool *Pool, targetBytes int64, _ time.Duration, _ *ReclaimStats) (int64, error) {
	r.target = targetBytes
	n := min(pool.UsedBytes(), targetBytes)
	pool.Release(n)
	r.freed += n
	return n, nil
}

func TestReclaimRaisesTargetToPolicyMinimum(t *testing.T) {
	rec := &recordingReclaimer{}
	cfg := ParticipantConfig{MinReclaimBytes: 32 * mb, MinReclaimPct: 0.5}
	p, pool := newTestParticipant(t, cfg, 1024*mb, rec)
	require.True(t, pool.Grow(128*mb, 0))
	require.NoError(t, pool.Allocate(100*mb))

	stats := &ReclaimStats{}
	reclaimed, err := p.Reclaim(1*mb, time.Second, stats)
	require.NoError(t, err)
	// max(1MB, 32MB, 128MB*0.5) = 64MB.
	require.Equal(t, 64*mb, rec.target)
	require.Equal(t, 64*mb, stats.ReclaimedBytes)
	require.Positive(t, reclaimed)
	require.Equal(t, int64(1), p.Stats().NumReclaims)
}

func TestReclaimPanicAbortsParticipant(t *testing.T) {
	require.NoError(t, failpoint.Enable(
		"github.com/kestreldb/kestrel/pkg/util/mem/reclaimPanic", "return(true)"))
	defer func() {
		require.NoError(t, failpoint.Disable(
			"github.com/kestreldb/kestrel/pkg/util/mem/reclaimPanic"))
	}()

	p, pool := newTestParticipant(t, ParticipantConfig{}, 1024*mb, nil)
	require.True(t, pool.Grow(64*mb, 0))

	stats := &ReclaimStats{}
	reclaimed, err := p.Reclaim(1*mb, time.Second, stats)
	require.NoError(t, err)
	require.Equal(t, 64*mb, reclaimed)
	require.True(t, p.Aborted())
	require.True(t, pool.Aborted())
	require.Equal(t, int64(0), pool.Capacity())
}
