package sstable

import (
	"fmt"

	"golang.org/x/exp/mmap"

	"github.com/lindend/lsmkv/internal/bloom"
	"github.com/lindend/lsmkv/internal/value"
)

type ReadStatus int

const (
	NotFound ReadStatus = iota
	Found
	Tombstone
)

func (s ReadStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Tombstone:
		return "tombstone"
	}
	return "not found"
}

type ReadResult struct {
	Status ReadStatus
	// Set when Status is Found
	Value value.Value
	// The bloom filter ruled the key out without touching the key index
	Filtered bool
}

// Immutable data structure used for key-value lookups from disk. Only the
// header and the bloom filter are kept in memory, the key index and values
// are read on demand.
type SSTable struct {
	// Used to quickly filter queries for elements that definitely does not exist
	// in the table. Nil if the table was built without a filter.
	filter *bloom.Filter
	// Read only handle of the table file
	data   *mmap.ReaderAt
	header fileHeader
	path   string
}

// Loads an SSTable from disk. filterHashes must match the number of hashes the
// filter was built with.
func LoadSSTable(path string, filterHashes int) (*SSTable, error) {
	data, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	tbl, err := load(data, path, filterHashes)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("load sstable %s: %w", path, err)
	}
	return tbl, nil
}

func load(data *mmap.ReaderAt, path string, filterHashes int) (*SSTable, error) {
	if data.Len() < fileHeaderSize {
		return nil, errShortFileHeader
	}

	buf := make([]byte, fileHeaderSize)
	if _, err := data.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	header := decodeFileHeader(buf)
	if int(header.keyFooterStart) > data.Len() {
		return nil, fmt.Errorf("key footer start %d beyond end of file", header.keyFooterStart)
	}

	tbl := &SSTable{
		data:   data,
		header: header,
		path:   path,
	}

	if header.hasFilter() {
		bits := make([]byte, bloom.ByteLength(uint(header.filterBits)))
		if _, err := data.ReadAt(bits, fileHeaderSize); err != nil {
			return nil, err
		}
		filter, err := bloom.FromBytes(filterHashes, uint(header.filterBits), bits)
		if err != nil {
			return nil, err
		}
		tbl.filter = filter
	}

	return tbl, nil
}

func (s *SSTable) Index() uint32 {
	return s.header.index
}

func (s *SSTable) HasFilter() bool {
	return s.filter != nil
}

// Size of the bloom filter in bits, 0 if the table has none.
func (s *SSTable) FilterBits() uint32 {
	return s.header.filterBits
}

func (s *SSTable) Path() string {
	return s.path
}

func (s *SSTable) Size() int64 {
	return int64(s.data.Len())
}

func (s *SSTable) Close() error {
	return s.data.Close()
}

func (s *SSTable) valuesStart() int64 {
	start := int64(fileHeaderSize)
	if s.header.hasFilter() {
		start += int64(bloom.ByteLength(uint(s.header.filterBits)))
	}
	return start
}

func (s *SSTable) readChunkHeader(pos int64) (chunkHeader, error) {
	buf := make([]byte, chunkHeaderSize)
	if _, err := s.data.ReadAt(buf, pos); err != nil {
		return chunkHeader{}, err
	}
	header := decodeChunkHeader(buf)
	if err := header.validate(); err != nil {
		return chunkHeader{}, fmt.Errorf("chunk at %d: %w", pos, err)
	}
	if pos+chunkHeaderSize+int64(header.length) > int64(s.data.Len()) {
		return chunkHeader{}, fmt.Errorf("%w: chunk at %d runs past end of file", ErrCorruptChunk, pos)
	}
	return header, nil
}

// Walks the key footer to the first chunk with a fixed key width that can
// hold the key. Returns false if there is no such chunk.
func (s *SSTable) chunkForKey(key string) (int64, chunkHeader, bool, error) {
	end := int64(s.data.Len())
	pos := int64(s.header.keyFooterStart)
	for pos+chunkHeaderSize <= end {
		header, err := s.readChunkHeader(pos)
		if err != nil {
			return 0, chunkHeader{}, false, err
		}
		if len(key) <= int(header.fixedKeySize) {
			return pos + chunkHeaderSize, header, true, nil
		}
		pos += chunkHeaderSize + int64(header.length)
	}
	return 0, chunkHeader{}, false, nil
}

func (s *SSTable) readKeyOffsetPair(pos int64, fixedKeySize uint32) (string, int64, error) {
	buf := make([]byte, int(fixedKeySize)+offsetSize)
	if _, err := s.data.ReadAt(buf, pos); err != nil {
		return "", 0, err
	}
	key, offset := decodeKeyOffsetPair(buf, fixedKeySize)
	return key, offset, nil
}

// Binary search over the sorted key-offset pairs of a chunk.
func (s *SSTable) findValueOffset(chunkStart int64, header chunkHeader, key string) (int64, bool, error) {
	lo, hi := int64(0), header.numKeys()-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		pairKey, offset, err := s.readKeyOffsetPair(chunkStart+mid*header.pairLength(), header.fixedKeySize)
		if err != nil {
			return 0, false, err
		}

		if key == pairKey {
			return offset, true, nil
		} else if key < pairKey {
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return 0, false, nil
}

func (s *SSTable) readValue(offset int64) (ReadResult, error) {
	if offset < s.valuesStart() || offset+valueHeaderSize > int64(s.header.keyFooterStart) {
		return ReadResult{}, fmt.Errorf("%w: %d", errNotInValueRegion, offset)
	}

	buf := make([]byte, valueHeaderSize)
	if _, err := s.data.ReadAt(buf, offset); err != nil {
		return ReadResult{}, err
	}
	header := decodeValueHeader(buf)
	if header.isTombstone() {
		return ReadResult{Status: Tombstone}, nil
	}

	if offset+valueHeaderSize+int64(header.dataLength) > int64(s.header.keyFooterStart) {
		return ReadResult{}, fmt.Errorf("%w: value at %d runs into the key footer", ErrCorruptValue, offset)
	}
	data := make([]byte, header.dataLength)
	if _, err := s.data.ReadAt(data, offset+valueHeaderSize); err != nil {
		return ReadResult{}, err
	}
	if data[len(data)-1] != valueTerminator {
		return ReadResult{}, fmt.Errorf("%w: value at %d is not terminated", ErrCorruptValue, offset)
	}

	v, err := value.FromText(header.typeIndex, string(data[:len(data)-1]))
	if err != nil {
		return ReadResult{}, fmt.Errorf("%w at %d: %w", ErrCorruptValue, offset, err)
	}
	return ReadResult{Status: Found, Value: v}, nil
}

// Read looks up key. A Tombstone result means the key was removed when the
// table was built and older tables must not be consulted.
func (s *SSTable) Read(key string) (ReadResult, error) {
	if s.filter != nil && !s.filter.CanContainKey(key) {
		return ReadResult{Status: NotFound, Filtered: true}, nil
	}

	chunkStart, header, exists, err := s.chunkForKey(key)
	if err != nil || !exists {
		return ReadResult{}, err
	}

	offset, exists, err := s.findValueOffset(chunkStart, header, key)
	if err != nil || !exists {
		return ReadResult{}, err
	}

	return s.readValue(offset)
}
