package bloom

import (
	"fmt"
	"math"
	. "testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(prefix string, n int) []string {
	ks := make([]string, n)
	for i := range ks {
		ks[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return ks
}

func TestNoFalseNegatives(t *T) {
	added := keys("added", 4096)
	tombstones := keys("removed", 512)

	f, err := New(3, 20000, added, tombstones)
	require.NoError(t, err)

	for _, k := range added {
		assert.True(t, f.CanContainKey(k), "false negative for %s", k)
	}
	for _, k := range tombstones {
		assert.True(t, f.CanContainKey(k), "false negative for tombstone %s", k)
	}
}

func TestFalsePositiveRate(t *T) {
	const (
		numBits   = 20000
		numHashes = 3
		numKeys   = 4096
		trials    = 20000
	)

	f, err := New(numHashes, numBits, keys("added", numKeys), nil)
	require.NoError(t, err)

	falsePositives := 0
	for _, k := range keys("absent", trials) {
		if f.CanContainKey(k) {
			falsePositives++
		}
	}

	// p = (1 - e^(-k*n/m))^k, about 9.7% for these parameters
	expected := math.Pow(1-math.Exp(-float64(numHashes*numKeys)/numBits), numHashes)
	observed := float64(falsePositives) / trials
	assert.InDelta(t, expected, observed, 0.02, "expected rate %.4f observed %.4f", expected, observed)
}

func TestFromBytes(t *T) {
	added := keys("k", 300)
	f, err := New(3, 2000, added, nil)
	require.NoError(t, err)

	data := f.Bytes()
	assert.Len(t, data, 250)

	loaded, err := FromBytes(3, 2000, data)
	require.NoError(t, err)
	assert.Equal(t, data, loaded.Bytes())

	for _, k := range keys("probe", 1000) {
		assert.Equal(t, f.CanContainKey(k), loaded.CanContainKey(k))
	}
	for _, k := range added {
		assert.True(t, loaded.CanContainKey(k))
	}
}

func TestFromBytesTooShort(t *T) {
	_, err := FromBytes(3, 2000, make([]byte, 10))
	assert.Error(t, err)
}

func TestBitLayout(t *T) {
	f, err := New(1, 64, nil, nil)
	require.NoError(t, err)

	f.bits.Set(0)
	f.bits.Set(9)
	f.bits.Set(63)

	data := f.Bytes()
	require.Len(t, data, 8)
	assert.Equal(t, byte(0x01), data[0])
	assert.Equal(t, byte(0x02), data[1])
	assert.Equal(t, byte(0x80), data[7])
}

func TestInvalidHashSplit(t *T) {
	_, err := New(32, 100, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidHashSplit)

	_, err = New(0, 100, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidHashSplit)

	_, err = New(31, 100, []string{"a"}, nil)
	assert.NoError(t, err)
}

func TestSplitHash(t *T) {
	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = byte(i + 1)
	}

	// 32/3 = 10 bytes per slice, capped at 7
	slices := splitHash(hash, 3)
	require.Len(t, slices, 3)
	assert.Equal(t, uint64(0x07060504030201), slices[0])
	assert.Equal(t, uint64(0x0e0d0c0b0a0908), slices[1])

	// 32/16 = 2 bytes per slice
	slices = splitHash(hash, 16)
	assert.Equal(t, uint64(0x0201), slices[0])
	assert.Equal(t, uint64(0x201f), slices[15])
}

func TestNoFalseNegativesProperty(t *T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every added key can be contained", prop.ForAll(
		func(added []string, removed []string, numBits uint) bool {
			f, err := New(3, numBits, added, removed)
			if err != nil {
				return false
			}
			for _, k := range append(added, removed...) {
				if !f.CanContainKey(k) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AlphaString()),
		gen.UIntRange(8, 4096),
	))

	properties.TestingRun(t)
}
