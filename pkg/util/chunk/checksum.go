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
	"hash/crc32"
	"io"
	"os"

	"github.com/pingcap/errors"
)

const (
	checksumBlockSize   = 4096
	checksumSize        = 4
	checksumPayloadSize = checksumBlockSize - checksumSize
)

var checksumTable = crc32.MakeTable(crc32.IEEE)

var errChecksumMismatch = errors.New("spill file block checksum mismatch")

// checksumFile frames writes to a spill file into fixed-size blocks, each
// carrying a crc32 of its payload, and verifies them on read-back.
type checksumFile struct {
	disk        *os.File
	err         error
	buf         []byte
	payload     []byte
	payloadUsed int
	size        int64
}

func newChecksumFile(disk *os.File) *checksumFile {
	c := &checksumFile{disk: disk}
	c.buf = make([]byte, checksumBlockSize)
	c.payload = c.buf[checksumSize:]
	return c
}

func (c *checksumFile) available() int { return len(c.payload) - c.payloadUsed }

// payloadSize returns the number of payload bytes written so far.
func (c *checksumFile) payloadSize() int64 {
	fullBlocks := c.size / checksumBlockSize
	tail := c.size % checksumBlockSize
	if tail > 0 {
		tail -= checksumSize
	}
	return fullBlocks*checksumPayloadSize + tail + int64(c.payloadUsed)
}

func (c *checksumFile) Write(p []byte) (nn int, err error) {
	for len(p) > c.available() && c.err == nil {
		n := copy(c.payload[c.payloadUsed:], p)
		c.payloadUsed += n
		if err := c.flush(); err != nil {
			return nn, err
		}
		nn += n
		p = p[n:]
	}
	if c.err != nil {
		return nn, c.err
	}
	n := copy(c.payload[c.payloadUsed:], p)
	c.payloadUsed += n
	nn += n
	return nn, nil
}

func (c *checksumFile) flush() error {
	if c.err != nil {
		return c.err
	}
	if c.payloadUsed == 0 {
		return nil
	}
	sum := crc32.Checksum(c.payload[:c.payloadUsed], checksumTable)
	binary.LittleEndian.PutUint32(c.buf, sum)
	n, err := c.disk.Write(c.buf[:c.payloadUsed+checksumSize])
	c.size += int64(n)
	if n < c.payloadUsed+checksumSize && err == nil {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.err = err
		return err
	}
	c.payloadUsed = 0
	return nil
}

// ReadAt reads payload bytes starting at the payload offset off, verifying
// every touched block.
func (c *checksumFile) ReadAt(p []byte, off int64) (nn int, err error) {
	if c.err != nil {
		return 0, c.err
	}
	startBlock := off / checksumPayloadSize
	offsetInPayload := off % checksumPayloadSize
	cursor := startBlock * checksumBlockSize
	for len(p) > 0 && cursor < c.size {
		blockLen := int64(checksumBlockSize)
		if cursor+blockLen > c.size {
			blockLen = c.size - cursor
		}
		n, err := c.disk.ReadAt(c.buf[:blockLen], cursor)
		if err != nil {
			return nn, err
		}
		cursor += int64(n)
		wantSum := binary.LittleEndian.Uint32(c.buf)
		gotSum := crc32.Checksum(c.buf[checksumSize:n], checksumTable)
		if wantSum != gotSum {
			return nn, errors.AddStack(errChecksumMismatch)
		}
		n1 := copy(p, c.buf[checksumSize+offsetInPayload:n])
		nn += n1
		p = p[n1:]
		offsetInPayload = 0
	}
	if len(p) > 0 {
		return nn, io.ErrUnexpectedEOF
	}
	return nn, nil
}
