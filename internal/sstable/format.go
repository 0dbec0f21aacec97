package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/lindend/lsmkv/internal/value"
)

// An SSTable is a single file laid out as follows, all integers little endian:
//
//	file header    index u32 | filter bits u32 | key footer start u32
//	bloom filter   ceil(filter bits / 8) bytes, only present if filter bits > 0
//	values         (data length u32 | type u32 | data)...
//	key footer     one or more key chunks
//
// A key chunk is a header (fixed key width u32 | chunk length u32) followed by
// (key | value offset i64) pairs sorted by key. Keys are right padded with NUL
// to the fixed width of the chunk, so keys may never contain NUL. A key is
// always stored in the chunk with the smallest width that fits it, and chunks
// are written in ascending width order.
//
// A data length of 0 marks a tombstone. Live values store their canonical text
// followed by one terminator byte, so even an empty string has length 1.

var (
	ErrCorruptChunk     = errors.New("corrupt key chunk")
	ErrInvalidFileName  = errors.New("not an sstable file name")
	ErrFileTooLarge     = errors.New("sstable exceeds 4GiB")
	ErrKeyTooLarge      = errors.New("key exceeds max key size")
	ErrCorruptValue     = errors.New("corrupt value entry")
	errShortFileHeader  = errors.New("file too small for sstable header")
	errNotInValueRegion = errors.New("value offset outside of value region")
)

const (
	fileHeaderSize  = 12
	valueHeaderSize = 8
	chunkHeaderSize = 8
	offsetSize      = 8

	tombstoneDataLength = 0
	valueTerminator     = 0x00
)

var standardChunkWidths = []uint32{8, 16, 32, 64, 128, 256, 512}

var fileNamePattern = regexp.MustCompile(`^sstable_(\d+)\.db$`)

// FileName returns the name of the SSTable file with the given index.
func FileName(index uint32) string {
	return fmt.Sprintf("sstable_%d.db", index)
}

// ParseFileName extracts the index from an SSTable file name.
func ParseFileName(name string) (uint32, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFileName, name)
	}
	index, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFileName, name)
	}
	return uint32(index), nil
}

// ChunkWidths returns the fixed key widths of the key chunks for tables
// accepting keys up to maxKeySize bytes.
func ChunkWidths(maxKeySize int) []uint32 {
	widths := make([]uint32, 0, len(standardChunkWidths)+1)
	for _, w := range standardChunkWidths {
		if int(w) < maxKeySize {
			widths = append(widths, w)
		}
	}
	return append(widths, uint32(maxKeySize))
}

// Finds the smallest width that can hold a key of keyLen bytes, 0 if none can.
func chunkWidthFor(widths []uint32, keyLen int) uint32 {
	for _, w := range widths {
		if keyLen <= int(w) {
			return w
		}
	}
	return 0
}

type fileHeader struct {
	index          uint32
	filterBits     uint32
	keyFooterStart uint32
}

func (h fileHeader) hasFilter() bool {
	return h.filterBits > 0
}

func (h fileHeader) encode() []byte {
	buf := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.index)
	binary.LittleEndian.PutUint32(buf[4:8], h.filterBits)
	binary.LittleEndian.PutUint32(buf[8:12], h.keyFooterStart)
	return buf
}

func decodeFileHeader(buf []byte) fileHeader {
	return fileHeader{
		index:          binary.LittleEndian.Uint32(buf[0:4]),
		filterBits:     binary.LittleEndian.Uint32(buf[4:8]),
		keyFooterStart: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

type valueHeader struct {
	dataLength uint32
	typeIndex  value.Type
}

func (h valueHeader) isTombstone() bool {
	return h.dataLength == tombstoneDataLength
}

func (h valueHeader) encode() []byte {
	buf := make([]byte, valueHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.dataLength)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.typeIndex))
	return buf
}

func decodeValueHeader(buf []byte) valueHeader {
	return valueHeader{
		dataLength: binary.LittleEndian.Uint32(buf[0:4]),
		typeIndex:  value.Type(binary.LittleEndian.Uint32(buf[4:8])),
	}
}

type chunkHeader struct {
	fixedKeySize uint32
	length       uint32
}

func (h chunkHeader) pairLength() int64 {
	return int64(h.fixedKeySize) + offsetSize
}

func (h chunkHeader) validate() error {
	if int64(h.length)%h.pairLength() != 0 {
		return fmt.Errorf("%w: length %d is not a multiple of the key-offset pair size %d",
			ErrCorruptChunk, h.length, h.pairLength())
	}
	return nil
}

func (h chunkHeader) numKeys() int64 {
	return int64(h.length) / h.pairLength()
}

func (h chunkHeader) encode() []byte {
	buf := make([]byte, chunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.fixedKeySize)
	binary.LittleEndian.PutUint32(buf[4:8], h.length)
	return buf
}

func decodeChunkHeader(buf []byte) chunkHeader {
	return chunkHeader{
		fixedKeySize: binary.LittleEndian.Uint32(buf[0:4]),
		length:       binary.LittleEndian.Uint32(buf[4:8]),
	}
}

func encodeKeyOffsetPair(key string, offset int64, fixedKeySize uint32) []byte {
	buf := make([]byte, int(fixedKeySize)+offsetSize)
	copy(buf, key)
	binary.LittleEndian.PutUint64(buf[fixedKeySize:], uint64(offset))
	return buf
}

func decodeKeyOffsetPair(buf []byte, fixedKeySize uint32) (string, int64) {
	key := buf[:fixedKeySize]
	for i, b := range key {
		if b == 0 {
			key = key[:i]
			break
		}
	}
	return string(key), int64(binary.LittleEndian.Uint64(buf[fixedKeySize:]))
}
