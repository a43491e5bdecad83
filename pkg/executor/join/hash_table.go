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
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kestreldb/kestrel/pkg/util/chunk"
	"github.com/kestreldb/kestrel/pkg/util/mem"
)

// rowPtr locates one row inside a hash table's row container.
type rowPtr struct {
	chkIdx uint32
	rowIdx uint32
}

// HashTable is a row-container-backed build-side table. Rows live in a
// chunk list charged to the owner's memory pool; entries map a join-key
// hash to the rows carrying it. Probing resolves hash collisions by
// re-checking key bytes against the candidate rows.
type HashTable struct {
	fieldTypes    []chunk.FieldType
	keyCols       []int
	rows          *chunk.List
	entries       map[uint64][]rowPtr
	numEntryBytes int64
}

// entrySize approximates the map overhead charged per entry.
const entrySize = 48

// NewHashTable creates an empty table charging rows to pool. pool may be
// nil for untracked tables.
func NewHashTable(fieldTypes []chunk.FieldType, keyCols []int, pool *mem.Pool) *HashTable {
	return &HashTable{
		fieldTypes: fieldTypes,
		keyCols:    keyCols,
		rows:       chunk.NewList(fieldTypes, pool),
		entries:    make(map[uint64][]rowPtr),
	}
}

// NumRows returns the number of rows stored.
func (t *HashTable) NumRows() int64 { return t.rows.NumRows() }

// MemoryUsage returns the approximate bytes held by the table.
func (t *HashTable) MemoryUsage() int64 {
	return t.rows.MemoryUsage() + t.numEntryBytes
}

// AddChunk takes ownership of chk and indexes its rows under hashes.
// Rows whose hash slot is rowHashNull are stored without an entry; they
// can never match a probe key.
func (t *HashTable) AddChunk(chk *chunk.Chunk, hashes []uint64) error {
	chkIdx := uint32(t.rows.NumChunks())
	if err := t.rows.Add(chk); err != nil {
		return err
	}
	for i, h := range hashes {
		if h == rowHashNull {
			continue
		}
		t.entries[h] = append(t.entries[h], rowPtr{chkIdx: chkIdx, rowIdx: uint32(i)})
		t.numEntryBytes += entrySize
	}
	return nil
}

// Lookup returns the rows whose join key equals the given row's key.
func (t *HashTable) Lookup(keyRow chunk.Row, keyCols []int) []chunk.Row {
	hash := hashJoinKey(keyRow, keyCols)
	if hash == rowHashNull {
		return nil
	}
	var out []chunk.Row
	for _, ptr := range t.entries[hash] {
		row := t.rows.GetChunk(int(ptr.chkIdx)).GetRow(int(ptr.rowIdx))
		if joinKeyEqual(row, t.keyCols, keyRow, keyCols) {
			out = append(out, row)
		}
	}
	return out
}

// row returns the row a pointer refers to.
func (t *HashTable) row(ptr rowPtr) chunk.Row {
	return t.rows.GetChunk(int(ptr.chkIdx)).GetRow(int(ptr.rowIdx))
}

// Merge moves the rows and entries of the other tables into t. The entry
// rebasing runs one goroutine per source table; the sources must not be
// used afterwards.
func (t *HashTable) Merge(others []*HashTable) error {
	rebased := make([]map[uint64][]rowPtr, len(others))
	base := uint32(t.rows.NumChunks())
	bases := make([]uint32, len(others))
	for i, o := range others {
		bases[i] = base
		base += uint32(o.rows.NumChunks())
	}

	var g errgroup.Group
	for i, o := range others {
		g.Go(func() error {
			m := make(map[uint64][]rowPtr, len(o.entries))
			for h, ptrs := range o.entries {
				out := make([]rowPtr, len(ptrs))
				for j, ptr := range ptrs {
					out[j] = rowPtr{chkIdx: ptr.chkIdx + bases[i], rowIdx: ptr.rowIdx}
				}
				m[h] = out
			}
			rebased[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, o := range others {
		if err := t.rows.TakeAll(o.rows); err != nil {
			return err
		}
		for h, ptrs := range rebased[i] {
			t.entries[h] = append(t.entries[h], ptrs...)
			t.numEntryBytes += int64(len(ptrs)) * entrySize
		}
		o.entries = nil
	}
	return nil
}

// clear drops all rows and entries releasing the pool charge.
func (t *HashTable) clear() {
	t.rows.Clear()
	t.entries = make(map[uint64][]rowPtr)
	t.numEntryBytes = 0
}

// rowHashNull marks a row with a null join key. Real xxhash values
// colliding with it are remapped by hashJoinKey.
const rowHashNull = uint64(0)

var hashSep = []byte{0xFF}

// hashJoinKey hashes the join-key columns of row, or returns rowHashNull
// if any key column is null.
func hashJoinKey(row chunk.Row, keyCols []int) uint64 {
	var d xxhash.Digest
	d.Reset()
	for _, col := range keyCols {
		if row.IsNull(col) {
			return rowHashNull
		}
		_, _ = d.Write(row.GetRaw(col))
		_, _ = d.Write(hashSep)
	}
	h := d.Sum64()
	if h == rowHashNull {
		h = 1
	}
	return h
}

// joinKeyEqual compares the join keys of two rows byte-wise. Both rows
// are known non-null on their key columns.
func joinKeyEqual(a chunk.Row, aCols []int, b chunk.Row, bCols []int) bool {
	for i := range aCols {
		ab, bb := a.GetRaw(aCols[i]), b.GetRaw(bCols[i])
		if string(ab) != string(bb) {
			return false
		}
	}
	return true
}
