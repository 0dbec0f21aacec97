package memtable

import (
	"sort"
	. "testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lindend/lsmkv/internal/value"
	"github.com/lindend/lsmkv/internal/workload"
)

var kinds = []string{KindSkipList, KindBST}

type entry struct {
	key string
	val value.Value
}

func entries(m Memtable) []entry {
	var es []entry
	m.TraverseSorted(func(key string, v value.Value) {
		es = append(es, entry{key, v})
	})
	return es
}

func mirrorEntries(mirror map[string]value.Value) []entry {
	keys := make([]string, 0, len(mirror))
	for k := range mirror {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	es := make([]entry, len(keys))
	for i, k := range keys {
		es[i] = entry{k, mirror[k]}
	}
	return es
}

func TestCorrectness(t *T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *T) {
			m, err := New(kind)
			require.NoError(t, err)

			mirror := make(map[string]value.Value)
			for _, a := range workload.NewGenerator(11, 64).RandomWorkload(20000, 20) {
				require.Equal(t, len(mirror), m.Size())
				switch a.Op {
				case workload.Get:
					expected, ok := mirror[a.Key]
					actual, found := m.Get(a.Key)
					require.Equal(t, ok, found)
					if ok {
						require.Equal(t, expected, actual)
					}
				case workload.Insert:
					mirror[a.Key] = a.Value
					m.Insert(a.Key, a.Value)
				case workload.Delete:
					_, ok := mirror[a.Key]
					delete(mirror, a.Key)
					require.Equal(t, ok, m.Remove(a.Key))
				}
			}

			assert.Equal(t, mirrorEntries(mirror), entries(m))
		})
	}
}

func TestTraverseSortedIsStrictlyAscending(t *T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *T) {
			m, _ := New(kind)
			for _, kv := range workload.NewGenerator(5, 128).RandomKeyValues(3000, 128) {
				m.Insert(kv.Key, kv.Value)
			}

			keys := Keys(m)
			require.Equal(t, m.Size(), len(keys))
			for i := 1; i < len(keys); i++ {
				assert.Less(t, keys[i-1], keys[i])
			}
		})
	}
}

func TestClear(t *T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *T) {
			m, _ := New(kind)
			m.Insert("a", value.Int(1))
			m.Insert("b", value.Int(2))
			m.Clear()

			assert.Equal(t, 0, m.Size())
			assert.Empty(t, entries(m))
			_, ok := m.Get("a")
			assert.False(t, ok)
		})
	}
}

func TestUnknownKind(t *T) {
	_, err := New("btree")
	assert.Error(t, err)
}

func TestImplementationsAgree(t *T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("skiplist and bst traverse identically", prop.ForAll(
		func(keys []string, removeMask []bool) bool {
			list, tree := NewSkipList(), NewBST()
			for i, k := range keys {
				if i < len(removeMask) && removeMask[i] {
					if list.Remove(k) != tree.Remove(k) {
						return false
					}
					continue
				}
				list.Insert(k, value.Long(int64(i)))
				tree.Insert(k, value.Long(int64(i)))
			}
			return list.Size() == tree.Size() &&
				assert.ObjectsAreEqual(entries(list), entries(tree))
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
