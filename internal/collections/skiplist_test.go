package collections

import (
	. "testing"

	"github.com/stretchr/testify/assert"
)

func TestAddItem(t *T) {
	sl := NewSkipList[int, int](4)
	sl.Insert(0, 1)

	v, exists := sl.Get(0)
	assert.True(t, exists)
	assert.Equal(t, 1, v)
}

func TestUpdateItem(t *T) {
	sl := NewSkipList[string, int](4)
	_, replaced := sl.Insert("a", 1)
	assert.False(t, replaced)

	old, replaced := sl.Insert("a", 2)
	assert.True(t, replaced)
	assert.Equal(t, 1, old)

	v, _ := sl.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, sl.Len())
}

func TestIteratesInSortedKeyOrder(t *T) {
	sl := NewSkipList[int, int](4)
	sl.Insert(3, 0)
	sl.Insert(2, 3)
	sl.Insert(5, 6)
	sl.Insert(1, 3)
	sl.Insert(4, 7)

	i := sl.Iterate()
	for expected := 1; expected <= 5; expected++ {
		k, _ := i.Value()
		assert.Equal(t, expected, k)
		i = i.Next()
	}
	assert.Nil(t, i)
}

func TestRemoveItem(t *T) {
	sl := NewSkipList[int, string](8)
	for i := 0; i < 100; i++ {
		sl.Insert(i, "v")
	}

	for i := 0; i < 100; i += 2 {
		assert.True(t, sl.Remove(i))
	}
	assert.False(t, sl.Remove(0))
	assert.False(t, sl.Remove(1000))
	assert.Equal(t, 50, sl.Len())

	var keys []int
	sl.Ascend(func(k int, _ string) { keys = append(keys, k) })
	assert.Len(t, keys, 50)
	for idx, k := range keys {
		assert.Equal(t, idx*2+1, k)
	}

	_, exists := sl.Get(2)
	assert.False(t, exists)
}

func TestClearSkipList(t *T) {
	sl := NewSkipList[int, int](4)
	sl.Insert(1, 1)
	sl.Insert(2, 2)
	sl.Clear()

	assert.Equal(t, 0, sl.Len())
	assert.Nil(t, sl.Iterate())

	sl.Insert(3, 3)
	v, exists := sl.Get(3)
	assert.True(t, exists)
	assert.Equal(t, 3, v)
}
