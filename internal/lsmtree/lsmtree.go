package lsmtree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lindend/lsmkv/internal/config"
	"github.com/lindend/lsmkv/internal/memtable"
	"github.com/lindend/lsmkv/internal/metrics"
	"github.com/lindend/lsmkv/internal/sstable"
	"github.com/lindend/lsmkv/internal/value"
	"github.com/lindend/lsmkv/internal/wal"
)

const (
	WALFileName = "write_ahead_log.csv"
	SSTableDir  = "sstables"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrClosed     = errors.New("lsm tree is closed")
)

type Options struct {
	Config config.Config
	// Discard the write ahead log and every SSTable in the directory
	Reset bool
	// Metrics are recorded to a private registry if nil
	Metrics *metrics.Registry
}

func DefaultOptions() Options {
	return Options{Config: config.Default()}
}

type Stats struct {
	MemtableEntries int
	Tombstones      int
	SSTables        int
	NextIndex       uint32
	// Total size of all SSTables
	DiskBytes int64
}

// Key-value store writing to a memtable backed by a write ahead log. Full
// memtables are flushed to immutable SSTables, which are never merged. Reads
// check the tombstones, then the memtable, then the SSTables newest first.
type LsmTree struct {
	lock    sync.Mutex
	rootDir string
	cfg     config.Config

	memtable memtable.Memtable
	// Keys removed since the last flush. Disjoint from the memtable keys.
	tombstones map[string]struct{}
	wal        *wal.WAL
	// Sorted by ascending index, the last table is the newest
	tables    []*sstable.SSTable
	nextIndex uint32

	metrics *metrics.Registry
	closed  bool
}

func NewLsmTree(rootDir string, opts Options) (*LsmTree, error) {
	cfg := opts.Config.SizeFilter()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mem, err := memtable.New(cfg.Memtable)
	if err != nil {
		return nil, err
	}

	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	tree := &LsmTree{
		rootDir:    rootDir,
		cfg:        cfg,
		memtable:   mem,
		tombstones: make(map[string]struct{}),
		metrics:    reg,
	}

	if err := os.MkdirAll(tree.tableDir(), 0770); err != nil {
		return nil, err
	}

	if opts.Reset {
		if err := tree.reset(); err != nil {
			return nil, err
		}
	}

	if err := tree.removeStaleFiles(); err != nil {
		return nil, err
	}

	numRecords, err := tree.replayWAL()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", tree.walPath(), err)
	}

	if err := tree.loadTables(); err != nil {
		tree.closeTables()
		return nil, err
	}

	tree.wal, err = wal.NewWAL(tree.walPath(), cfg.SyncWrites)
	if err != nil {
		tree.closeTables()
		return nil, err
	}

	tree.updateGauges()

	log.Info().
		Str("dir", rootDir).
		Int("sstables", len(tree.tables)).
		Int("walRecords", numRecords).
		Uint32("nextIndex", tree.nextIndex).
		Msg("Opened lsm tree")

	return tree, nil
}

func (tree *LsmTree) tableDir() string {
	return filepath.Join(tree.rootDir, SSTableDir)
}

func (tree *LsmTree) walPath() string {
	return filepath.Join(tree.rootDir, WALFileName)
}

func (tree *LsmTree) reset() error {
	if err := os.Remove(tree.walPath()); err != nil && !os.IsNotExist(err) {
		return err
	}

	entries, err := os.ReadDir(tree.tableDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if _, err := sstable.ParseFileName(entry.Name()); err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(tree.tableDir(), entry.Name())); err != nil {
			return err
		}
	}

	log.Debug().Str("dir", tree.rootDir).Msg("Reset lsm tree")
	return nil
}

// Removes SSTables that were still being built when the process stopped.
func (tree *LsmTree) removeStaleFiles() error {
	entries, err := os.ReadDir(tree.tableDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), sstable.TempFileSuffix) {
			continue
		}
		path := filepath.Join(tree.tableDir(), entry.Name())
		log.Warn().Str("file", path).Msg("Removing incomplete sstable")
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

func (tree *LsmTree) replayWAL() (int, error) {
	numRecords := 0
	err := wal.Replay(tree.walPath(), func(r wal.Record) error {
		numRecords++
		if r.Tombstone {
			tree.tombstones[r.Key] = struct{}{}
			tree.memtable.Remove(r.Key)
		} else {
			delete(tree.tombstones, r.Key)
			tree.memtable.Insert(r.Key, r.Value)
		}
		return nil
	})
	return numRecords, err
}

func (tree *LsmTree) loadTables() error {
	entries, err := os.ReadDir(tree.tableDir())
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, err := sstable.ParseFileName(entry.Name()); err != nil {
			log.Debug().Str("file", entry.Name()).Msg("Skipping non sstable file")
			continue
		}

		tbl, err := sstable.LoadSSTable(filepath.Join(tree.tableDir(), entry.Name()), tree.cfg.FilterHashes)
		if err != nil {
			return err
		}
		tree.tables = append(tree.tables, tbl)
	}

	sort.Slice(tree.tables, func(i, j int) bool {
		return tree.tables[i].Index() < tree.tables[j].Index()
	})
	if len(tree.tables) > 0 {
		tree.nextIndex = tree.tables[len(tree.tables)-1].Index() + 1
	}
	return nil
}

func (tree *LsmTree) closeTables() error {
	var err error
	for _, tbl := range tree.tables {
		err = errors.Join(err, tbl.Close())
	}
	tree.tables = nil
	return err
}

func (tree *LsmTree) validateKey(key string) error {
	if len(key) > tree.cfg.MaxKeySize {
		return fmt.Errorf("%w: %d bytes exceeds the maximum of %d", ErrInvalidKey, len(key), tree.cfg.MaxKeySize)
	}
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidKey, key)
	}
	return nil
}

func (tree *LsmTree) checkKey(key string) error {
	if tree.closed {
		return ErrClosed
	}
	return tree.validateKey(key)
}

func (tree *LsmTree) updateGauges() {
	tree.metrics.UpdateState(tree.memtable.Size(), len(tree.tombstones), len(tree.tables))
}

// Insert sets the value of key. The write is durable once it is in the write
// ahead log, even if the flush it triggers fails.
func (tree *LsmTree) Insert(key string, v value.Value) error {
	tree.lock.Lock()
	defer tree.lock.Unlock()

	if err := tree.checkKey(key); err != nil {
		return err
	}

	if err := tree.wal.WriteUpsert(key, v); err != nil {
		return fmt.Errorf("write ahead log: %w", err)
	}
	delete(tree.tombstones, key)
	tree.memtable.Insert(key, v)
	tree.metrics.InsertsTotal.Inc()

	if tree.memtable.Size() >= tree.cfg.FlushThreshold {
		log.Debug().
			Int("entries", tree.memtable.Size()).
			Msg("Memtable full, flushing")
		return tree.flush()
	}

	tree.updateGauges()
	return nil
}

// Remove deletes key. Removing a key that does not exist is not an error.
func (tree *LsmTree) Remove(key string) error {
	tree.lock.Lock()
	defer tree.lock.Unlock()

	if err := tree.checkKey(key); err != nil {
		return err
	}

	if err := tree.wal.WriteTombstone(key); err != nil {
		return fmt.Errorf("write ahead log: %w", err)
	}
	tree.tombstones[key] = struct{}{}
	tree.memtable.Remove(key)
	tree.metrics.RemovesTotal.Inc()
	tree.updateGauges()
	return nil
}

func (tree *LsmTree) Get(key string) (v value.Value, exists bool, err error) {
	tree.lock.Lock()
	defer tree.lock.Unlock()

	if err := tree.checkKey(key); err != nil {
		return value.Value{}, false, err
	}

	if _, removed := tree.tombstones[key]; removed {
		tree.metrics.RecordGet(metrics.OutcomeTombstone, 0)
		return value.Value{}, false, nil
	}

	if v, exists := tree.memtable.Get(key); exists {
		tree.metrics.RecordGet(metrics.OutcomeMemtable, 0)
		return v, true, nil
	}

	pruned := 0
	for i := len(tree.tables) - 1; i >= 0; i-- {
		res, err := tree.tables[i].Read(key)
		if err != nil {
			return value.Value{}, false, fmt.Errorf("read %s: %w", tree.tables[i].Path(), err)
		}
		if res.Filtered {
			pruned++
		}

		switch res.Status {
		case sstable.Found:
			tree.metrics.RecordGet(metrics.OutcomeFile, pruned)
			return res.Value, true, nil
		case sstable.Tombstone:
			tree.metrics.RecordGet(metrics.OutcomeTombstone, pruned)
			return value.Value{}, false, nil
		}
	}

	tree.metrics.RecordGet(metrics.OutcomeMiss, pruned)
	return value.Value{}, false, nil
}

// Flush writes the memtable and the tombstones to a new SSTable and truncates
// the write ahead log. Does nothing if the memtable is empty.
func (tree *LsmTree) Flush() error {
	tree.lock.Lock()
	defer tree.lock.Unlock()

	if tree.closed {
		return ErrClosed
	}
	return tree.flush()
}

func (tree *LsmTree) filterBits() uint32 {
	if tree.cfg.UseBloomFilter {
		return tree.cfg.FilterBits
	}
	return 0
}

func (tree *LsmTree) flush() error {
	if tree.memtable.Size() == 0 {
		return nil
	}

	start := time.Now()
	index := tree.nextIndex
	tombstones := make([]string, 0, len(tree.tombstones))
	for key := range tree.tombstones {
		tombstones = append(tombstones, key)
	}

	tbl, err := tree.buildTable(index, tombstones)
	if err != nil {
		tree.metrics.RecordFlush(metrics.StatusFailure, time.Since(start))
		log.Error().Err(err).Uint32("index", index).Msg("Flush failed")
		return err
	}

	entries := tree.memtable.Size()
	tree.tables = append(tree.tables, tbl)
	tree.nextIndex = index + 1
	tree.memtable.Clear()
	tree.tombstones = make(map[string]struct{})

	tree.metrics.RecordFlush(metrics.StatusSuccess, time.Since(start))
	tree.updateGauges()

	log.Info().
		Uint32("index", index).
		Int("entries", entries).
		Int("tombstones", len(tombstones)).
		Dur("duration", time.Since(start)).
		Msg("Flush complete")

	// Every record is in the new table, replaying them again is harmless
	if err := tree.wal.Truncate(); err != nil {
		return fmt.Errorf("truncate write ahead log: %w", err)
	}
	return nil
}

func (tree *LsmTree) buildTable(index uint32, tombstones []string) (*sstable.SSTable, error) {
	builder, err := sstable.NewSSTableBuilder(tree.tableDir(), sstable.BuildOptions{
		Index:        index,
		FilterBits:   tree.filterBits(),
		FilterHashes: tree.cfg.FilterHashes,
		MaxKeySize:   tree.cfg.MaxKeySize,
	})
	if err != nil {
		return nil, err
	}
	return builder.Build(tree.memtable, tombstones)
}

func (tree *LsmTree) Stats() Stats {
	tree.lock.Lock()
	defer tree.lock.Unlock()

	stats := Stats{
		MemtableEntries: tree.memtable.Size(),
		Tombstones:      len(tree.tombstones),
		SSTables:        len(tree.tables),
		NextIndex:       tree.nextIndex,
	}
	for _, tbl := range tree.tables {
		stats.DiskBytes += tbl.Size()
	}
	return stats
}

func (tree *LsmTree) Metrics() *metrics.Registry {
	return tree.metrics
}

// ForEachTable calls fn for every SSTable, oldest first.
func (tree *LsmTree) ForEachTable(fn func(tbl *sstable.SSTable) error) error {
	tree.lock.Lock()
	defer tree.lock.Unlock()

	if tree.closed {
		return ErrClosed
	}
	for _, tbl := range tree.tables {
		if err := fn(tbl); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the memtable and releases all files. If the final flush fails
// the data is still recovered from the write ahead log on the next open.
func (tree *LsmTree) Close() error {
	tree.lock.Lock()
	defer tree.lock.Unlock()

	if tree.closed {
		return nil
	}
	tree.closed = true

	err := tree.flush()
	err = errors.Join(err, tree.closeTables(), tree.wal.Close())

	log.Debug().Str("dir", tree.rootDir).Msg("Closed lsm tree")
	return err
}
