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

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pingcap/errors"
)

// CompressCodec selects the compression applied to serialized chunks
// before they hit the spill file.
type CompressCodec int

// Supported spill compression codecs.
const (
	CodecNone CompressCodec = iota
	CodecLZ4
	CodecZstd
)

// ParseCompressCodec parses a codec name from config.
func ParseCompressCodec(name string) (CompressCodec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return CodecNone, errors.Errorf("unknown spill compression codec %q", name)
}

// String implements fmt.Stringer.
func (c CompressCodec) String() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return "none"
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// compress returns src encoded with the codec and whether the result is
// actually compressed. The original length and the flag are carried out of
// band by the caller; lz4 block decoding needs both.
func (c CompressCodec) compress(src []byte) ([]byte, bool, error) {
	switch c {
	case CodecNone:
		return src, false, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(src, dst)
		if err != nil {
			return nil, false, errors.AddStack(err)
		}
		if n == 0 {
			// Incompressible data is stored raw.
			return src, false, nil
		}
		return dst[:n], true, nil
	case CodecZstd:
		return zstdEncoder.EncodeAll(src, nil), true, nil
	}
	return nil, false, errors.Errorf("unknown spill compression codec %d", c)
}

// decompress decodes src produced by compress, given the original length
// and the compressed flag compress reported for it.
func (c CompressCodec) decompress(src []byte, originalLen int, compressed bool) ([]byte, error) {
	if !compressed {
		return src, nil
	}
	switch c {
	case CodecLZ4:
		dst := make([]byte, originalLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, errors.AddStack(err)
		}
		return dst[:n], nil
	case CodecZstd:
		return zstdDecoder.DecodeAll(src, make([]byte, 0, originalLen))
	}
	return nil, errors.Errorf("unknown spill compression codec %d", c)
}

type colSizeType = int32

const colSizeLen = 4

// serializeChunk appends chk's rows to buf row by row: each column is a
// little-endian int32 size followed by the raw value bytes, size -1 for
// null.
func serializeChunk(chk *Chunk, buf []byte) []byte {
	var sizeBuf [colSizeLen]byte
	numRows, numCols := chk.NumRows(), chk.NumCols()
	for i := range numRows {
		row := chk.GetRow(i)
		for j := range numCols {
			if row.IsNull(j) {
				binary.LittleEndian.PutUint32(sizeBuf[:], uint32(0xFFFFFFFF))
				buf = append(buf, sizeBuf[:]...)
				continue
			}
			raw := row.GetRaw(j)
			binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(raw)))
			buf = append(buf, sizeBuf[:]...)
			buf = append(buf, raw...)
		}
	}
	return buf
}

// deserializeChunk appends the rows serialized in data to chk.
func deserializeChunk(data []byte, chk *Chunk) error {
	numCols := chk.NumCols()
	offset := 0
	for offset < len(data) {
		for j := range numCols {
			if offset+colSizeLen > len(data) {
				return errors.New("truncated serialized chunk")
			}
			size := colSizeType(binary.LittleEndian.Uint32(data[offset:]))
			offset += colSizeLen
			col := chk.Column(j)
			if size == -1 {
				col.AppendNull()
				continue
			}
			if offset+int(size) > len(data) {
				return errors.New("truncated serialized chunk")
			}
			col.appendRaw(data[offset : offset+int(size)])
			offset += int(size)
		}
	}
	return nil
}
