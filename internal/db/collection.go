package db

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lindend/lsmkv/internal/lsmtree"
	"github.com/lindend/lsmkv/internal/value"
)

var ErrInvalidName = errors.New("invalid collection name")

// A named key-value collection stored in its own directory under the root.
type Collection struct {
	name string
	lsmt *lsmtree.LsmTree
}

func NewCollection(rootDir string, name string, opts lsmtree.Options) (*Collection, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	tree, err := lsmtree.NewLsmTree(filepath.Join(rootDir, name), opts)
	if err != nil {
		return nil, err
	}

	return &Collection{
		name: name,
		lsmt: tree,
	}, nil
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Set(key string, v value.Value) error {
	return c.lsmt.Insert(key, v)
}

func (c *Collection) Get(key string) (value.Value, bool, error) {
	return c.lsmt.Get(key)
}

func (c *Collection) Delete(key string) error {
	return c.lsmt.Remove(key)
}

func (c *Collection) Stats() lsmtree.Stats {
	return c.lsmt.Stats()
}

func (c *Collection) Close() error {
	return c.lsmt.Close()
}
