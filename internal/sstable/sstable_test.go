package sstable

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strings"
	. "testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lindend/lsmkv/internal/memtable"
	"github.com/lindend/lsmkv/internal/value"
	"github.com/lindend/lsmkv/internal/workload"
)

const (
	testMaxKeySize   = 1024
	testFilterBits   = 20000
	testFilterHashes = 3
)

func build(t *T, dir string, index uint32, filterBits uint32, mem memtable.Memtable, tombstones []string) *SSTable {
	t.Helper()
	builder, err := NewSSTableBuilder(dir, BuildOptions{
		Index:        index,
		FilterBits:   filterBits,
		FilterHashes: testFilterHashes,
		MaxKeySize:   testMaxKeySize,
	})
	require.NoError(t, err)

	tbl, err := builder.Build(mem, tombstones)
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

// Applies a workload to a memtable, tracking the expected contents and the
// tombstones the way the engine does.
func populate(actions []workload.Action) (memtable.Memtable, map[string]value.Value, []string) {
	mem := memtable.NewSkipList()
	mirror := make(map[string]value.Value)
	tombstones := make(map[string]bool)

	for _, a := range actions {
		switch a.Op {
		case workload.Insert:
			mirror[a.Key] = a.Value
			mem.Insert(a.Key, a.Value)
			delete(tombstones, a.Key)
		case workload.Delete:
			mem.Remove(a.Key)
			delete(mirror, a.Key)
			tombstones[a.Key] = true
		}
	}

	keys := make([]string, 0, len(tombstones))
	for k := range tombstones {
		keys = append(keys, k)
	}
	return mem, mirror, keys
}

func assertValue(t *T, expected value.Value, actual value.Value) {
	t.Helper()
	if f, ok := expected.Double(); ok {
		g, ok := actual.Double()
		require.True(t, ok)
		assert.InDelta(t, f, g, 0.00001)
		return
	}
	assert.Equal(t, expected, actual)
}

func TestFileIndex(t *T) {
	dir := t.TempDir()
	for index := uint32(0); index < 10; index++ {
		tbl := build(t, dir, index, 0, memtable.NewSkipList(), nil)
		assert.Equal(t, index, tbl.Index())
		assert.Equal(t, filepath.Join(dir, FileName(index)), tbl.Path())
	}
}

func TestRoundTrip(t *T) {
	for _, filterBits := range []uint32{0, testFilterBits} {
		dir := t.TempDir()
		gen := workload.NewGenerator(21, testMaxKeySize)
		mem, mirror, tombstones := populate(gen.RandomWorkload(20000, 20))
		require.NotEmpty(t, tombstones)

		tbl := build(t, dir, 0, filterBits, mem, tombstones)
		assert.Equal(t, filterBits > 0, tbl.HasFilter())
		assert.Equal(t, filterBits, tbl.FilterBits())

		for key, expected := range mirror {
			res, err := tbl.Read(key)
			require.NoError(t, err)
			require.Equal(t, Found, res.Status, "key %q", key)
			assertValue(t, expected, res.Value)
		}

		for _, key := range tombstones {
			res, err := tbl.Read(key)
			require.NoError(t, err)
			assert.Equal(t, Tombstone, res.Status)
		}

		for _, kv := range gen.RandomKeyValues(30, 256) {
			if _, ok := mirror[kv.Key]; ok {
				continue
			}
			res, err := tbl.Read(kv.Key)
			require.NoError(t, err)
			assert.Equal(t, NotFound, res.Status)
		}
	}
}

func TestFilterDoesNotChangeClassification(t *T) {
	gen := workload.NewGenerator(8, 64)
	mem, _, tombstones := populate(gen.RandomWorkload(5000, 5))

	withFilter := build(t, t.TempDir(), 0, testFilterBits, mem, tombstones)
	withoutFilter := build(t, t.TempDir(), 0, 0, mem, tombstones)

	probes := append(memtable.Keys(mem), tombstones...)
	for _, kv := range gen.RandomKeyValues(500, 64) {
		probes = append(probes, kv.Key)
	}

	filtered := 0
	for _, key := range probes {
		a, err := withFilter.Read(key)
		require.NoError(t, err)
		b, err := withoutFilter.Read(key)
		require.NoError(t, err)

		assert.Equal(t, b.Status, a.Status, "key %q", key)
		assert.Equal(t, b.Value, a.Value)
		assert.False(t, b.Filtered)
		if a.Filtered {
			filtered++
		}
	}
	assert.Greater(t, filtered, 0)
}

func TestEmptyStringIsNotATombstone(t *T) {
	mem := memtable.NewBST()
	mem.Insert("empty", value.Text(""))
	tbl := build(t, t.TempDir(), 0, 0, mem, []string{"gone"})

	res, err := tbl.Read("empty")
	require.NoError(t, err)
	assert.Equal(t, Found, res.Status)
	assert.Equal(t, value.Text(""), res.Value)

	res, err = tbl.Read("gone")
	require.NoError(t, err)
	assert.Equal(t, Tombstone, res.Status)
}

func TestKeysAtBucketBoundaries(t *T) {
	mem := memtable.NewSkipList()
	var keys []string
	for _, n := range []int{0, 1, 8, 9, 16, 17, 512, 513, 1023, 1024} {
		key := strings.Repeat("k", n)
		keys = append(keys, key)
		mem.Insert(key, value.Long(int64(n)))
	}
	tbl := build(t, t.TempDir(), 3, testFilterBits, mem, nil)

	for _, key := range keys {
		res, err := tbl.Read(key)
		require.NoError(t, err)
		require.Equal(t, Found, res.Status, "key of length %d", len(key))
		assert.Equal(t, value.Long(int64(len(key))), res.Value)
	}

	res, err := tbl.Read(strings.Repeat("k", 2000))
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Status)
}

func TestForEachVisitsChunksInOrder(t *T) {
	mem, mirror, tombstones := populate(workload.NewGenerator(2, 200).RandomWorkload(3000, 3))
	tbl := build(t, t.TempDir(), 0, 0, mem, tombstones)

	var keys []string
	seen := 0
	err := tbl.ForEach(func(key string, res ReadResult) error {
		keys = append(keys, key)
		if res.Status == Found {
			seen++
			assertValue(t, mirror[key], res.Value)
		} else {
			assert.Equal(t, Tombstone, res.Status)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(mirror), seen)
	assert.Len(t, keys, len(mirror)+len(tombstones))

	n, err := tbl.NumEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(len(keys)), n)

	// Sorted by width bucket first, then by key
	widths := ChunkWidths(testMaxKeySize)
	assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool {
		wi, wj := chunkWidthFor(widths, len(keys[i])), chunkWidthFor(widths, len(keys[j]))
		if wi != wj {
			return wi < wj
		}
		return keys[i] < keys[j]
	}))
}

func TestLayout(t *T) {
	mem := memtable.NewSkipList()
	mem.Insert("a", value.Int(1))
	tbl := build(t, t.TempDir(), 7, 64, mem, nil)

	raw, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)

	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint32(64), binary.LittleEndian.Uint32(raw[4:8]))

	// header, 8 byte filter, value header and "1\x00"
	footer := binary.LittleEndian.Uint32(raw[8:12])
	assert.Equal(t, uint32(12+8+8+2), footer)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(raw[20:24]))
	assert.Equal(t, uint32(value.TypeInt), binary.LittleEndian.Uint32(raw[24:28]))
	assert.Equal(t, []byte("1\x00"), raw[28:30])

	// first chunk holds "a" padded to 8 bytes
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(raw[footer:]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(raw[footer+4:]))
	assert.Equal(t, []byte("a\x00\x00\x00\x00\x00\x00\x00"), raw[footer+8:footer+16])
	assert.Equal(t, uint64(20), binary.LittleEndian.Uint64(raw[footer+16:]))
}

func TestCorruptChunk(t *T) {
	dir := t.TempDir()
	mem := memtable.NewSkipList()
	mem.Insert("key", value.Bool(true))
	tbl := build(t, dir, 0, 0, mem, nil)
	path := tbl.Path()
	require.NoError(t, tbl.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	footer := binary.LittleEndian.Uint32(raw[8:12])
	binary.LittleEndian.PutUint32(raw[footer+4:], 17)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	corrupt, err := LoadSSTable(path, testFilterHashes)
	require.NoError(t, err)
	defer corrupt.Close()

	_, err = corrupt.Read("key")
	assert.ErrorIs(t, err, ErrCorruptChunk)
}

func TestBuildFailureLeavesNoFile(t *T) {
	dir := t.TempDir()
	mem := memtable.NewSkipList()
	mem.Insert(strings.Repeat("x", 2000), value.Int(1))

	builder, err := NewSSTableBuilder(dir, BuildOptions{Index: 0, MaxKeySize: testMaxKeySize})
	require.NoError(t, err)
	_, err = builder.Build(mem, nil)
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildLeavesOnlyTheTable(t *T) {
	dir := t.TempDir()
	mem := memtable.NewSkipList()
	mem.Insert("a", value.Int(1))
	build(t, dir, 3, 0, mem, nil)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName(3), entries[0].Name())
}

func TestSyncDir(t *T) {
	assert.NoError(t, syncDir(t.TempDir()))
	assert.Error(t, syncDir(filepath.Join(t.TempDir(), "missing")))
}

func TestBuildIntoMissingDirectory(t *T) {
	_, err := NewSSTableBuilder(filepath.Join(t.TempDir(), "missing"), BuildOptions{MaxKeySize: testMaxKeySize})
	assert.Error(t, err)
}

func TestFileNames(t *T) {
	index, err := ParseFileName(FileName(42))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), index)

	for _, name := range []string{"sstable_.db", "sstable_1.db.tmp", "x_sstable_1.db", "sstable_99999999999.db"} {
		_, err := ParseFileName(name)
		assert.ErrorIs(t, err, ErrInvalidFileName, name)
	}
}

func TestChunkWidths(t *T) {
	assert.Equal(t, []uint32{8, 16, 32, 64, 128, 256, 512, 1024}, ChunkWidths(1024))
	assert.Equal(t, []uint32{8, 16, 20}, ChunkWidths(20))
	assert.Equal(t, []uint32{8, 16}, ChunkWidths(16))
}
