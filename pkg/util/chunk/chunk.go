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
	"encoding/binary"
	"math"
	"unsafe"
)

// FieldType is the column type of a Chunk.
type FieldType int

// Supported column types.
const (
	TypeInt64 FieldType = iota
	TypeFloat64
	TypeString
	TypeBool
)

// fixedLen returns the element size of a fixed-length type, or -1 for
// variable-length types.
func (t FieldType) fixedLen() int {
	switch t {
	case TypeInt64, TypeFloat64:
		return 8
	case TypeBool:
		return 1
	default:
		return -1
	}
}

// Column stores one column of data in the Apache Arrow style: a null
// bitmap, a data buffer and, for variable-length types, an offsets buffer.
type Column struct {
	length     int
	nullBitmap []byte
	offsets    []int64
	data       []byte
	elemBuf    []byte
}

func newColumn(t FieldType, capacity int) *Column {
	c := &Column{
		nullBitmap: make([]byte, 0, (capacity+7)>>3),
	}
	if fl := t.fixedLen(); fl > 0 {
		c.data = make([]byte, 0, capacity*fl)
		c.elemBuf = make([]byte, fl)
	} else {
		c.data = make([]byte, 0, capacity*8)
		c.offsets = append(c.offsets, 0)
	}
	return c
}

func (c *Column) isFixed() bool { return c.elemBuf != nil }

func (c *Column) appendNullBitmap(notNull bool) {
	idx := c.length >> 3
	if idx >= len(c.nullBitmap) {
		c.nullBitmap = append(c.nullBitmap, 0)
	}
	if notNull {
		c.nullBitmap[idx] |= byte(1 << (uint(c.length) & 7))
	}
}

// IsNull reports whether the value at rowIdx is null.
func (c *Column) IsNull(rowIdx int) bool {
	return c.nullBitmap[rowIdx>>3]&(1<<(uint(rowIdx)&7)) == 0
}

// AppendNull appends a null value.
func (c *Column) AppendNull() {
	c.appendNullBitmap(false)
	if c.isFixed() {
		c.data = append(c.data, c.elemBuf...)
	} else {
		c.offsets = append(c.offsets, c.offsets[len(c.offsets)-1])
	}
	c.length++
}

func (c *Column) finishAppendFixed() {
	c.data = append(c.data, c.elemBuf...)
	c.appendNullBitmap(true)
	c.length++
}

// AppendInt64 appends an int64 value.
func (c *Column) AppendInt64(v int64) {
	binary.LittleEndian.PutUint64(c.elemBuf, uint64(v))
	c.finishAppendFixed()
}

// AppendFloat64 appends a float64 value.
func (c *Column) AppendFloat64(v float64) {
	binary.LittleEndian.PutUint64(c.elemBuf, math.Float64bits(v))
	c.finishAppendFixed()
}

// AppendBool appends a bool value.
func (c *Column) AppendBool(v bool) {
	if v {
		c.elemBuf[0] = 1
	} else {
		c.elemBuf[0] = 0
	}
	c.finishAppendFixed()
}

// AppendString appends a string value.
func (c *Column) AppendString(v string) {
	c.data = append(c.data, v...)
	c.offsets = append(c.offsets, int64(len(c.data)))
	c.appendNullBitmap(true)
	c.length++
}

// AppendBytes appends raw bytes as one variable-length value.
func (c *Column) AppendBytes(v []byte) {
	c.data = append(c.data, v...)
	c.offsets = append(c.offsets, int64(len(c.data)))
	c.appendNullBitmap(true)
	c.length++
}

// appendRaw appends one serialized non-null element, fixed or variable.
func (c *Column) appendRaw(v []byte) {
	if c.isFixed() {
		copy(c.elemBuf, v)
		c.finishAppendFixed()
		return
	}
	c.AppendBytes(v)
}

// GetInt64 returns the int64 value at rowIdx.
func (c *Column) GetInt64(rowIdx int) int64 {
	return int64(binary.LittleEndian.Uint64(c.data[rowIdx*8:]))
}

// GetFloat64 returns the float64 value at rowIdx.
func (c *Column) GetFloat64(rowIdx int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(c.data[rowIdx*8:]))
}

// GetBool returns the bool value at rowIdx.
func (c *Column) GetBool(rowIdx int) bool {
	return c.data[rowIdx] != 0
}

// GetString returns the string value at rowIdx.
func (c *Column) GetString(rowIdx int) string {
	return string(c.data[c.offsets[rowIdx]:c.offsets[rowIdx+1]])
}

// GetRaw returns the underlying bytes of the value at rowIdx.
func (c *Column) GetRaw(rowIdx int) []byte {
	if c.isFixed() {
		fl := len(c.elemBuf)
		return c.data[rowIdx*fl : (rowIdx+1)*fl]
	}
	return c.data[c.offsets[rowIdx]:c.offsets[rowIdx+1]]
}

func (c *Column) memoryUsage() int64 {
	return int64(cap(c.data)) + int64(cap(c.nullBitmap)) +
		int64(cap(c.offsets))*int64(unsafe.Sizeof(int64(0)))
}

// Chunk stores rows column by column.
type Chunk struct {
	fieldTypes []FieldType
	columns    []*Column
}

// DefaultCapacity is the row capacity a chunk is sized for by default.
const DefaultCapacity = 1024

// New creates a chunk for the given column types.
func New(fieldTypes []FieldType) *Chunk {
	return NewWithCapacity(fieldTypes, DefaultCapacity)
}

// NewWithCapacity creates a chunk sized for capacity rows.
func NewWithCapacity(fieldTypes []FieldType, capacity int) *Chunk {
	chk := &Chunk{fieldTypes: fieldTypes}
	chk.columns = make([]*Column, len(fieldTypes))
	for i, t := range fieldTypes {
		chk.columns[i] = newColumn(t, capacity)
	}
	return chk
}

// FieldTypes returns the column types.
func (c *Chunk) FieldTypes() []FieldType { return c.fieldTypes }

// NumCols returns the number of columns.
func (c *Chunk) NumCols() int { return len(c.columns) }

// NumRows returns the number of rows.
func (c *Chunk) NumRows() int {
	if len(c.columns) == 0 {
		return 0
	}
	return c.columns[0].length
}

// Column returns the colIdx-th column.
func (c *Chunk) Column(colIdx int) *Column { return c.columns[colIdx] }

// GetRow returns the rowIdx-th row.
func (c *Chunk) GetRow(rowIdx int) Row { return Row{c: c, idx: rowIdx} }

// AppendRow appends row to the chunk. The row may come from a chunk with
// the same column types.
func (c *Chunk) AppendRow(row Row) {
	for i, col := range c.columns {
		if row.IsNull(i) {
			col.AppendNull()
			continue
		}
		col.appendRaw(row.GetRaw(i))
	}
}

// MemoryUsage returns the bytes backing this chunk's buffers.
func (c *Chunk) MemoryUsage() int64 {
	var sum int64
	for _, col := range c.columns {
		sum += col.memoryUsage()
	}
	return sum
}

// Reset truncates the chunk to zero rows keeping the buffers.
func (c *Chunk) Reset() {
	for _, col := range c.columns {
		col.length = 0
		col.nullBitmap = col.nullBitmap[:0]
		col.data = col.data[:0]
		if !col.isFixed() {
			col.offsets = col.offsets[:1]
		}
	}
}

// Row is a view over one row of a Chunk.
type Row struct {
	c   *Chunk
	idx int
}

// Idx returns the row index inside its chunk.
func (r Row) Idx() int { return r.idx }

// IsNull reports whether the colIdx-th value is null.
func (r Row) IsNull(colIdx int) bool { return r.c.columns[colIdx].IsNull(r.idx) }

// GetInt64 returns the int64 value of the colIdx-th column.
func (r Row) GetInt64(colIdx int) int64 { return r.c.columns[colIdx].GetInt64(r.idx) }

// GetFloat64 returns the float64 value of the colIdx-th column.
func (r Row) GetFloat64(colIdx int) float64 { return r.c.columns[colIdx].GetFloat64(r.idx) }

// GetBool returns the bool value of the colIdx-th column.
func (r Row) GetBool(colIdx int) bool { return r.c.columns[colIdx].GetBool(r.idx) }

// GetString returns the string value of the colIdx-th column.
func (r Row) GetString(colIdx int) string { return r.c.columns[colIdx].GetString(r.idx) }

// GetRaw returns the raw bytes of the colIdx-th column.
func (r Row) GetRaw(colIdx int) []byte { return r.c.columns[colIdx].GetRaw(r.idx) }
