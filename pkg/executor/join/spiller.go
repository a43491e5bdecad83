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
	"sort"

	"github.com/pingcap/errors"

	"github.com/kestreldb/kestrel/pkg/util/chunk"
)

// HashBitRange is the half-open bit window [Begin, End) of the 64-bit
// join-key hash used to assign rows to spill partitions. Recursive spill
// moves the window to deeper bits so a re-spilled partition fans out
// again.
type HashBitRange struct {
	Begin uint8
	End   uint8
}

// NewHashBitRange creates a bit range of numBits starting at begin.
func NewHashBitRange(begin, numBits uint8) (HashBitRange, error) {
	if numBits == 0 || int(begin)+int(numBits) > 64 {
		return HashBitRange{}, errors.Errorf(
			"invalid spill partition bit range [%d, %d)", begin, begin+numBits)
	}
	return HashBitRange{Begin: begin, End: begin + numBits}, nil
}

// NumPartitions returns the fan-out of this bit range.
func (r HashBitRange) NumPartitions() int { return 1 << (r.End - r.Begin) }

// Partition maps a join-key hash to a partition index.
func (r HashBitRange) Partition(hash uint64) int {
	return int((hash >> r.Begin) & uint64(r.NumPartitions()-1))
}

// next returns the bit range for one spill level deeper.
func (r HashBitRange) next() (HashBitRange, error) {
	return NewHashBitRange(r.End, r.End-r.Begin)
}

// SpillPartition is the spilled data of one partition index at one spill
// level. Several build drivers may spill into the same partition index;
// each contributes its own file.
type SpillPartition struct {
	// ID is the bit-range begin shifted left 8 bits, plus the partition
	// index: unique across recursion levels, and ordered shallow first.
	ID       int
	BitRange HashBitRange
	files    []*chunk.ListInDisk
	numRows  int64
	numBytes int64
}

// NumRows returns the rows spilled into this partition.
func (p *SpillPartition) NumRows() int64 { return p.numRows }

// NumBytes returns the on-disk bytes of this partition.
func (p *SpillPartition) NumBytes() int64 { return p.numBytes }

// Read streams every spilled chunk of the partition to fn.
func (p *SpillPartition) Read(fn func(*chunk.Chunk) error) error {
	for _, f := range p.files {
		for i := range f.NumChunks() {
			chk, err := f.GetChunk(i)
			if err != nil {
				return err
			}
			if err := fn(chk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close removes the partition's spill files.
func (p *SpillPartition) Close() error {
	var firstErr error
	for _, f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.files = nil
	return firstErr
}

// SpillPartitionSet collects spill partitions by partition index.
type SpillPartitionSet map[int]*SpillPartition

// IDs returns the partition indexes in ascending order. Restore processes
// partitions in this order.
func (s SpillPartitionSet) IDs() []int {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close removes all partitions' spill files.
func (s SpillPartitionSet) Close() error {
	var firstErr error
	for _, p := range s {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Spiller writes build-side rows into per-partition disk files. One
// spiller belongs to one build driver; partition files from all drivers
// meet in a SpillPartitionSet at FinishSpill.
type Spiller struct {
	fieldTypes []chunk.FieldType
	bits       HashBitRange
	codec      chunk.CompressCodec
	dir        string

	partitions []*chunk.ListInDisk
	numRows    []int64
}

// NewSpiller creates a spiller partitioning rows by bits.
func NewSpiller(fieldTypes []chunk.FieldType, bits HashBitRange, codec chunk.CompressCodec, dir string) *Spiller {
	n := bits.NumPartitions()
	return &Spiller{
		fieldTypes: fieldTypes,
		bits:       bits,
		codec:      codec,
		dir:        dir,
		partitions: make([]*chunk.ListInDisk, n),
		numRows:    make([]int64, n),
	}
}

// HashBits returns the partitioning bit range.
func (s *Spiller) HashBits() HashBitRange { return s.bits }

// Spill writes chk into the partition's file.
func (s *Spiller) Spill(partition int, chk *chunk.Chunk) error {
	if chk.NumRows() == 0 {
		return nil
	}
	if s.partitions[partition] == nil {
		s.partitions[partition] = chunk.NewListInDisk(s.fieldTypes, s.codec, s.dir)
	}
	if err := s.partitions[partition].Add(chk); err != nil {
		return err
	}
	s.numRows[partition] += int64(chk.NumRows())
	return nil
}

// Close removes partition files that never reached a partition set.
func (s *Spiller) Close() error {
	var firstErr error
	for idx, file := range s.partitions {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.partitions[idx] = nil
		s.numRows[idx] = 0
	}
	return firstErr
}

// FinishSpill flushes the partition files and moves them into set. The
// spiller is empty afterwards.
func (s *Spiller) FinishSpill(set SpillPartitionSet) error {
	for idx, file := range s.partitions {
		if file == nil {
			continue
		}
		if err := file.Flush(); err != nil {
			return err
		}
		id := int(s.bits.Begin)<<8 | idx
		p := set[id]
		if p == nil {
			p = &SpillPartition{ID: id, BitRange: s.bits}
			set[id] = p
		}
		p.files = append(p.files, file)
		p.numRows += s.numRows[idx]
		p.numBytes += file.DiskBytes()
		s.partitions[idx] = nil
		s.numRows[idx] = 0
	}
	return nil
}
