package sstable

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/lindend/lsmkv/internal/bloom"
	"github.com/lindend/lsmkv/internal/memtable"
	"github.com/lindend/lsmkv/internal/value"
)

// Suffix of files being built. They are renamed once complete, so a crash
// mid-build never leaves a file matching the SSTable name pattern.
const TempFileSuffix = ".tmp"

type BuildOptions struct {
	Index uint32
	// Size of the bloom filter, 0 builds a table without a filter
	FilterBits   uint32
	FilterHashes int
	MaxKeySize   int
}

// Builder to create new SSTables. The table is written in a single pass, values
// first, since the key index must record the offset of every value.
type SSTableBuilder struct {
	file *os.File
	// Buffered writer
	writer *bufio.Writer
	// Position in the file where writing of the next element begins
	position int64
	// Offset of the value entry written for every key
	offsets map[string]int64
	// Fixed key widths of the key chunks
	widths    []uint32
	opts      BuildOptions
	path      string
	writePath string
}

// Creates a builder for the SSTable FileName(opts.Index) in dir.
func NewSSTableBuilder(dir string, opts BuildOptions) (*SSTableBuilder, error) {
	if opts.MaxKeySize <= 0 {
		return nil, errors.New("max key size must be positive")
	}

	path := filepath.Join(dir, FileName(opts.Index))
	writePath := path + TempFileSuffix
	file, err := os.Create(writePath)
	if err != nil {
		return nil, err
	}

	return &SSTableBuilder{
		file:      file,
		writer:    bufio.NewWriter(file),
		offsets:   make(map[string]int64),
		widths:    ChunkWidths(opts.MaxKeySize),
		opts:      opts,
		path:      path,
		writePath: writePath,
	}, nil
}

func (s *SSTableBuilder) write(data []byte) error {
	n, err := s.writer.Write(data)
	s.position += int64(n)
	return err
}

func (s *SSTableBuilder) writeFilter(mem memtable.Memtable, tombstones []string) error {
	filter, err := bloom.New(s.opts.FilterHashes, uint(s.opts.FilterBits), memtable.Keys(mem), tombstones)
	if err != nil {
		return err
	}
	return s.write(filter.Bytes())
}

func (s *SSTableBuilder) writeTombstone(key string) error {
	s.offsets[key] = s.position
	return s.write(valueHeader{dataLength: tombstoneDataLength}.encode())
}

func (s *SSTableBuilder) writeValue(key string, v value.Value) error {
	text := value.ToText(v)
	if int64(len(text))+1 > math.MaxUint32 {
		return fmt.Errorf("value of %s too large", key)
	}

	s.offsets[key] = s.position
	header := valueHeader{
		dataLength: uint32(len(text) + 1),
		typeIndex:  v.Type(),
	}
	if err := s.write(header.encode()); err != nil {
		return err
	}
	if err := s.write([]byte(text)); err != nil {
		return err
	}
	return s.write([]byte{valueTerminator})
}

// Groups every written key by the chunk it belongs to, sorted within each chunk.
func (s *SSTableBuilder) keysByWidth() (map[uint32][]string, error) {
	groups := make(map[uint32][]string, len(s.widths))
	for key := range s.offsets {
		width := chunkWidthFor(s.widths, len(key))
		if width == 0 {
			return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
		}
		groups[width] = append(groups[width], key)
	}
	for _, keys := range groups {
		sort.Strings(keys)
	}
	return groups, nil
}

func (s *SSTableBuilder) writeKeyChunks() (uint32, error) {
	footerStart := s.position
	if footerStart > math.MaxUint32 {
		return 0, ErrFileTooLarge
	}

	groups, err := s.keysByWidth()
	if err != nil {
		return 0, err
	}

	// Every width gets a chunk, even when empty
	for _, width := range s.widths {
		keys := groups[width]
		length := int64(len(keys)) * (int64(width) + offsetSize)
		if length > math.MaxUint32 {
			return 0, ErrFileTooLarge
		}

		if err := s.write(chunkHeader{fixedKeySize: width, length: uint32(length)}.encode()); err != nil {
			return 0, err
		}
		for _, key := range keys {
			if err := s.write(encodeKeyOffsetPair(key, s.offsets[key], width)); err != nil {
				return 0, err
			}
		}
	}

	return uint32(footerStart), nil
}

func (s *SSTableBuilder) writeAll(mem memtable.Memtable, tombstones []string) error {
	// Placeholder, patched once the key footer position is known
	if err := s.write(make([]byte, fileHeaderSize)); err != nil {
		return err
	}

	if s.opts.FilterBits > 0 {
		if err := s.writeFilter(mem, tombstones); err != nil {
			return err
		}
	}

	for _, key := range tombstones {
		if err := s.writeTombstone(key); err != nil {
			return err
		}
	}

	var err error
	mem.TraverseSorted(func(key string, v value.Value) {
		if err == nil {
			err = s.writeValue(key, v)
		}
	})
	if err != nil {
		return err
	}

	footerStart, err := s.writeKeyChunks()
	if err != nil {
		return err
	}

	if err := s.writer.Flush(); err != nil {
		return err
	}

	header := fileHeader{
		index:          s.opts.Index,
		filterBits:     s.opts.FilterBits,
		keyFooterStart: footerStart,
	}
	if _, err := s.file.WriteAt(header.encode(), 0); err != nil {
		return err
	}

	return s.file.Sync()
}

// Build writes the memtable contents and the tombstones to disk and returns
// the new SSTable ready for reading. A key present in both is stored with
// its memtable value. On failure no file with the SSTable name is left behind.
func (s *SSTableBuilder) Build(mem memtable.Memtable, tombstones []string) (*SSTable, error) {
	sorted := append([]string(nil), tombstones...)
	sort.Strings(sorted)

	err := s.writeAll(mem, sorted)
	err = errors.Join(err, s.file.Close())
	if err == nil {
		err = os.Rename(s.writePath, s.path)
	}
	if err != nil {
		os.Remove(s.writePath)
		return nil, fmt.Errorf("build sstable %s: %w", s.path, err)
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		os.Remove(s.path)
		return nil, fmt.Errorf("build sstable %s: %w", s.path, err)
	}

	tbl, err := LoadSSTable(s.path, s.opts.FilterHashes)
	if err != nil {
		os.Remove(s.path)
		return nil, err
	}
	return tbl, nil
}

// Persists the directory entry of a renamed file.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return errors.Join(d.Sync(), d.Close())
}
