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
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

type chunkOffset struct {
	// offset is the position inside the checksum payload stream.
	offset int64
	// storedLen is the byte count on disk, after compression.
	storedLen int64
	// rawLen is the serialized byte count before compression.
	rawLen  int64
	numRows int
	// compressed records whether the codec actually compressed the block;
	// lz4 stores incompressible blocks raw.
	compressed bool
}

// ListInDisk holds chunks in a temporary spill file. Chunks are serialized
// row-wise, optionally compressed, and written through a crc32
// block-checksummed framing. Add and GetChunk must not be called
// concurrently.
type ListInDisk struct {
	fieldTypes []FieldType
	codec      CompressCodec
	dir        string

	file      *os.File
	cksum     *checksumFile
	chunks    []chunkOffset
	totalRows int64
	diskBytes int64

	buf []byte
}

// NewListInDisk creates a disk list spilling into dir with the given
// compression codec. The file is created lazily on first Add.
func NewListInDisk(fieldTypes []FieldType, codec CompressCodec, dir string) *ListInDisk {
	return &ListInDisk{fieldTypes: fieldTypes, codec: codec, dir: dir}
}

// FieldTypes returns the column types.
func (l *ListInDisk) FieldTypes() []FieldType { return l.fieldTypes }

// NumChunks returns the number of chunks spilled.
func (l *ListInDisk) NumChunks() int { return len(l.chunks) }

// NumRows returns the total number of rows spilled.
func (l *ListInDisk) NumRows() int64 { return l.totalRows }

// DiskBytes returns the bytes written to the spill file, after
// compression, before the checksum framing.
func (l *ListInDisk) DiskBytes() int64 { return l.diskBytes }

func (l *ListInDisk) initFile() error {
	dir := l.dir
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, "spill-"+uuid.New().String())
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return errors.AddStack(err)
	}
	l.file = f
	l.cksum = newChecksumFile(f)
	return nil
}

// Add appends chk to the spill file.
func (l *ListInDisk) Add(chk *Chunk) error {
	if chk.NumRows() == 0 {
		return errors.New("chunk spilled to disk should have at least 1 row")
	}
	if l.file == nil {
		if err := l.initFile(); err != nil {
			return err
		}
	}

	l.buf = serializeChunk(chk, l.buf[:0])
	stored, compressed, err := l.codec.compress(l.buf)
	if err != nil {
		return err
	}
	off := l.cksum.payloadSize()
	if _, err := l.cksum.Write(stored); err != nil {
		return errors.AddStack(err)
	}
	l.chunks = append(l.chunks, chunkOffset{
		offset:     off,
		storedLen:  int64(len(stored)),
		rawLen:     int64(len(l.buf)),
		numRows:    chk.NumRows(),
		compressed: compressed,
	})
	l.totalRows += int64(chk.NumRows())
	l.diskBytes += int64(len(stored))
	return nil
}

// Flush pushes buffered data to the file. Required before GetChunk.
func (l *ListInDisk) Flush() error {
	if l.cksum == nil {
		return nil
	}
	return errors.AddStack(l.cksum.flush())
}

// GetChunk reads back the chkIdx-th spilled chunk.
func (l *ListInDisk) GetChunk(chkIdx int) (*Chunk, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}
	meta := l.chunks[chkIdx]
	stored := make([]byte, meta.storedLen)
	if _, err := l.cksum.ReadAt(stored, meta.offset); err != nil {
		return nil, errors.AddStack(err)
	}
	raw, err := l.codec.decompress(stored, int(meta.rawLen), meta.compressed)
	if err != nil {
		return nil, err
	}
	chk := NewWithCapacity(l.fieldTypes, meta.numRows)
	if err := deserializeChunk(raw, chk); err != nil {
		return nil, err
	}
	return chk, nil
}

// Close removes the spill file.
func (l *ListInDisk) Close() error {
	if l.file == nil {
		return nil
	}
	name := l.file.Name()
	err := l.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	l.file = nil
	l.cksum = nil
	return errors.AddStack(err)
}
