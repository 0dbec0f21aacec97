package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lindend/lsmkv/internal/logdb"
	"github.com/lindend/lsmkv/internal/lsmtree"
	"github.com/lindend/lsmkv/internal/value"
)

const (
	EngineLSM = "lsm"
	EngineLog = "log"
)

// Store is the key-value interface shared by the storage engines.
type Store interface {
	Insert(key string, v value.Value) error
	// Get reports false for keys that were never inserted or were removed
	Get(key string) (value.Value, bool, error)
	Remove(key string) error
	Close() error
}

var (
	_ Store = (*lsmtree.LsmTree)(nil)
	_ Store = (*logdb.LogDB)(nil)
)

// OpenStore opens the engine named by engine in dir. The log engine keeps a
// single file in dir and only uses the key size, sync and metrics settings.
func OpenStore(engine string, dir string, opts lsmtree.Options) (Store, error) {
	switch engine {
	case EngineLSM:
		tree, err := lsmtree.NewLsmTree(dir, opts)
		if err != nil {
			return nil, err
		}
		return tree, nil
	case EngineLog:
		if err := opts.Config.SizeFilter().Validate(); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, err
		}
		ldb, err := logdb.Open(filepath.Join(dir, logdb.FileName), logdb.Options{
			Reset:      opts.Reset,
			MaxKeySize: opts.Config.MaxKeySize,
			SyncWrites: opts.Config.SyncWrites,
			Metrics:    opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		return ldb, nil
	}
	return nil, fmt.Errorf("unknown engine %q", engine)
}
