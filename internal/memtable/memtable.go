// Package memtable holds the mutable in-memory sorted structure that buffers
// writes until they are flushed to an SSTable.
package memtable

import (
	"fmt"

	"github.com/lindend/lsmkv/internal/collections"
	"github.com/lindend/lsmkv/internal/value"
)

const (
	KindSkipList = "skiplist"
	KindBST      = "bst"
)

const skipListLayers = 16

// Memtable is a sorted key-value container. All implementations must agree
// on the contents and order visited by TraverseSorted for the same sequence
// of operations.
type Memtable interface {
	// Insert adds key or overwrites its value.
	Insert(key string, v value.Value)
	Get(key string) (value.Value, bool)
	// Remove deletes key and reports whether it was present.
	Remove(key string) bool
	// TraverseSorted visits every entry once in ascending key order.
	TraverseSorted(fn func(key string, v value.Value))
	Size() int
	Clear()
}

// New creates a memtable of the given kind.
func New(kind string) (Memtable, error) {
	switch kind {
	case KindSkipList, "":
		return NewSkipList(), nil
	case KindBST:
		return NewBST(), nil
	}
	return nil, fmt.Errorf("unknown memtable kind %q", kind)
}

// Keys returns the keys of m in ascending order.
func Keys(m Memtable) []string {
	keys := make([]string, 0, m.Size())
	m.TraverseSorted(func(key string, _ value.Value) {
		keys = append(keys, key)
	})
	return keys
}

type orderedMap interface {
	Get(key string) (value.Value, bool)
	Insert(key string, v value.Value) (value.Value, bool)
	Remove(key string) bool
	Ascend(fn func(key string, v value.Value))
	Len() int
	Clear()
}

type memtable struct {
	m orderedMap
}

// NewSkipList returns a memtable backed by a skip list. This is the default.
func NewSkipList() Memtable {
	return &memtable{m: collections.NewSkipList[string, value.Value](skipListLayers)}
}

// NewBST returns a memtable backed by an unbalanced binary search tree.
func NewBST() Memtable {
	return &memtable{m: collections.NewBST[string, value.Value]()}
}

func (t *memtable) Insert(key string, v value.Value) {
	t.m.Insert(key, v)
}

func (t *memtable) Get(key string) (value.Value, bool) {
	return t.m.Get(key)
}

func (t *memtable) Remove(key string) bool {
	return t.m.Remove(key)
}

func (t *memtable) TraverseSorted(fn func(key string, v value.Value)) {
	t.m.Ascend(fn)
}

func (t *memtable) Size() int {
	return t.m.Len()
}

func (t *memtable) Clear() {
	t.m.Clear()
}
