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

package chunk

import (
	"github.com/pingcap/errors"

	"github.com/kestreldb/kestrel/pkg/util/mem"
)

// List holds chunks in memory, charging their buffers to a memory pool.
type List struct {
	fieldTypes []FieldType
	pool       *mem.Pool
	chunks     []*Chunk
	numRows    int64
	memUsage   int64
}

// NewList creates a list. pool may be nil for untracked lists.
func NewList(fieldTypes []FieldType, pool *mem.Pool) *List {
	return &List{fieldTypes: fieldTypes, pool: pool}
}

// FieldTypes returns the column types.
func (l *List) FieldTypes() []FieldType { return l.fieldTypes }

// NumChunks returns the number of chunks held.
func (l *List) NumChunks() int { return len(l.chunks) }

// NumRows returns the total number of rows held.
func (l *List) NumRows() int64 { return l.numRows }

// MemoryUsage returns the bytes charged to the pool.
func (l *List) MemoryUsage() int64 { return l.memUsage }

// GetChunk returns the chkIdx-th chunk.
func (l *List) GetChunk(chkIdx int) *Chunk { return l.chunks[chkIdx] }

// Add takes ownership of chk and charges its memory to the pool.
func (l *List) Add(chk *Chunk) error {
	if chk.NumRows() == 0 {
		return errors.New("chunk appended to list should have at least 1 row")
	}
	usage := chk.MemoryUsage()
	if l.pool != nil {
		if err := l.pool.Allocate(usage); err != nil {
			return err
		}
	}
	l.chunks = append(l.chunks, chk)
	l.numRows += int64(chk.NumRows())
	l.memUsage += usage
	return nil
}

// TakeAll moves the chunks of other into l without copying rows. The
// memory charge moves with them: other's pool is released, l's pool is
// charged.
func (l *List) TakeAll(other *List) error {
	for _, chk := range other.chunks {
		if err := l.Add(chk); err != nil {
			return err
		}
	}
	other.release()
	return nil
}

// Clear drops all chunks and releases the memory charge.
func (l *List) Clear() {
	l.release()
}

func (l *List) release() {
	if l.pool != nil && l.memUsage > 0 {
		l.pool.Release(l.memUsage)
	}
	l.chunks = nil
	l.numRows = 0
	l.memUsage = 0
}
