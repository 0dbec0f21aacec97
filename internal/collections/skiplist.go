package collections

import (
	"math/rand"
	"sync"

	"golang.org/x/exp/constraints"
)

type SkiplistElement[TKey constraints.Ordered, TValue any] struct {
	key   TKey
	value TValue
	next  []*SkiplistElement[TKey, TValue]
}

func (e *SkiplistElement[TKey, TValue]) Next() *SkiplistElement[TKey, TValue] {
	return e.next[0]
}

func (e *SkiplistElement[TKey, TValue]) Value() (TKey, TValue) {
	return e.key, e.value
}

// A SkipList is a probabilistic data structure that offers efficient
// inserts, lookups and removals for keys. Keys are stored in ascending order
// and the elements can be iterated over.
type SkipList[TKey constraints.Ordered, TValue any] struct {
	head             SkiplistElement[TKey, TValue]
	numLayers        int
	layerProbability float32
	numEntries       int
	lock             *sync.RWMutex
}

func NewSkipList[TKey constraints.Ordered, TValue any](numLayers int) *SkipList[TKey, TValue] {
	return &SkipList[TKey, TValue]{
		head: SkiplistElement[TKey, TValue]{
			next: make([]*SkiplistElement[TKey, TValue], numLayers),
		},
		numLayers:        numLayers,
		layerProbability: 0.5,
		numEntries:       0,
		lock:             &sync.RWMutex{},
	}
}

// Finds, for every layer, the last element with a key smaller than key.
func (l *SkipList[TKey, TValue]) predecessors(key TKey) []*SkiplistElement[TKey, TValue] {
	update := make([]*SkiplistElement[TKey, TValue], l.numLayers)
	node := &l.head
	for i := l.numLayers - 1; i >= 0; i-- {
		for node.next[i] != nil && node.next[i].key < key {
			node = node.next[i]
		}
		update[i] = node
	}
	return update
}

func (l *SkipList[TKey, TValue]) Get(key TKey) (TValue, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	node := &l.head
	for i := l.numLayers - 1; i >= 0; i-- {
		for node.next[i] != nil && node.next[i].key < key {
			node = node.next[i]
		}
	}

	final := node.next[0]
	if final != nil && final.key == key {
		return final.value, true
	}
	var zero TValue
	return zero, false
}

func (l *SkipList[TKey, TValue]) randomNumLevels() int {
	levels := 1

	for rand.Float32() < l.layerProbability && levels < l.numLayers {
		levels += 1
	}

	return levels
}

// Inserts an item into the SkipList, or updates an existing item if the key already
// exists. Returns the old value and true in case of an update.
func (l *SkipList[TKey, TValue]) Insert(key TKey, value TValue) (TValue, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	update := l.predecessors(key)

	final := update[0].next[0]
	if final != nil && final.key == key {
		oldValue := final.value
		final.value = value
		return oldValue, true
	}

	numLevels := l.randomNumLevels()
	newNode := &SkiplistElement[TKey, TValue]{
		key:   key,
		value: value,
		next:  make([]*SkiplistElement[TKey, TValue], numLevels),
	}
	for i := 0; i < numLevels; i++ {
		newNode.next[i] = update[i].next[i]
		update[i].next[i] = newNode
	}
	l.numEntries += 1

	var zero TValue
	return zero, false
}

// Removes key from the SkipList. Returns false if the key was not present.
func (l *SkipList[TKey, TValue]) Remove(key TKey) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	update := l.predecessors(key)

	final := update[0].next[0]
	if final == nil || final.key != key {
		return false
	}

	for i := 0; i < len(final.next); i++ {
		update[i].next[i] = final.next[i]
	}
	l.numEntries -= 1
	return true
}

// Drops all elements, the old elements are left to the garbage collector.
func (l *SkipList[TKey, TValue]) Clear() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.head.next = make([]*SkiplistElement[TKey, TValue], l.numLayers)
	l.numEntries = 0
}

// Returns the element with the smallest key, or nil if the list is empty.
// Callers must not modify the list while iterating.
func (l *SkipList[TKey, TValue]) Iterate() *SkiplistElement[TKey, TValue] {
	return l.head.next[0]
}

// Calls fn for every element in ascending key order.
func (l *SkipList[TKey, TValue]) Ascend(fn func(key TKey, value TValue)) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for e := l.Iterate(); e != nil; e = e.Next() {
		fn(e.Value())
	}
}

func (l *SkipList[TKey, TValue]) Len() int {
	return l.numEntries
}
