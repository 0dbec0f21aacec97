package bloom

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var ErrInvalidHashSplit = errors.New("invalid hash split")

// Wider slices could overflow when reduced into an uint64 bit index
const maxSliceBytes = 7

// Filter is a bloom filter where every key is hashed once with SHA-256 and
// the digest is split into numHashes slices, each selecting one bit.
//
// The filter only prunes lookups: false means the key was definitely never
// added, true means the key may have been added.
type Filter struct {
	bits      *bitset.BitSet
	numBits   uint
	numHashes int
}

// New creates a filter of numBits bits and adds every key in keys and in
// tombstones.
func New(numHashes int, numBits uint, keys []string, tombstones []string) (*Filter, error) {
	if err := validate(numHashes, numBits); err != nil {
		return nil, err
	}

	f := &Filter{
		bits:      bitset.New(numBits),
		numBits:   numBits,
		numHashes: numHashes,
	}

	for _, key := range keys {
		f.Add(key)
	}
	for _, key := range tombstones {
		f.Add(key)
	}

	return f, nil
}

// FromBytes rehydrates a filter from the byte layout produced by Bytes.
// No hashing is performed.
func FromBytes(numHashes int, numBits uint, data []byte) (*Filter, error) {
	if err := validate(numHashes, numBits); err != nil {
		return nil, err
	}
	if uint(len(data)) < ByteLength(numBits) {
		return nil, fmt.Errorf("bloom filter needs %d bytes, got %d", ByteLength(numBits), len(data))
	}

	words := make([]uint64, (numBits+63)/64)
	padded := make([]byte, len(words)*8)
	copy(padded, data[:ByteLength(numBits)])
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(padded[i*8:])
	}

	return &Filter{
		bits:      bitset.From(words),
		numBits:   numBits,
		numHashes: numHashes,
	}, nil
}

// ByteLength is the number of bytes used to persist a filter of numBits bits.
func ByteLength(numBits uint) uint {
	return (numBits + 7) / 8
}

func validate(numHashes int, numBits uint) error {
	if numHashes < 1 || numHashes+1 > sha256.Size {
		return fmt.Errorf("%w: %d slices of a %d byte hash", ErrInvalidHashSplit, numHashes, sha256.Size)
	}
	if numBits == 0 {
		return errors.New("bloom filter must have at least one bit")
	}
	return nil
}

// Add marks key as possibly present.
func (f *Filter) Add(key string) {
	for _, idx := range f.indices(key) {
		f.bits.Set(idx)
	}
}

// CanContainKey reports whether key may have been added to the filter.
func (f *Filter) CanContainKey(key string) bool {
	for _, idx := range f.indices(key) {
		if !f.bits.Test(idx) {
			return false
		}
	}
	return true
}

func (f *Filter) NumBits() uint {
	return f.numBits
}

func (f *Filter) NumHashes() int {
	return f.numHashes
}

// Bytes returns the bit array, bit i stored in byte i/8 under mask 1<<(i%8).
func (f *Filter) Bytes() []byte {
	words := f.bits.Bytes()
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}

	out := make([]byte, ByteLength(f.numBits))
	copy(out, buf)
	return out
}

func (f *Filter) indices(key string) []uint {
	digest := sha256.Sum256([]byte(key))
	slices := splitHash(digest[:], f.numHashes)

	indices := make([]uint, len(slices))
	for i, s := range slices {
		indices[i] = uint(s % uint64(f.numBits))
	}
	return indices
}

// splitHash splits hash into n equally sized little endian integers. Any
// trailing bytes that do not fill a slice are ignored.
func splitHash(hash []byte, n int) []uint64 {
	size := len(hash) / n
	if size > maxSliceBytes {
		size = maxSliceBytes
	}

	slices := make([]uint64, n)
	pos := 0
	for i := range slices {
		var v uint64
		for b := 0; b < size; b++ {
			v |= uint64(hash[pos]) << (8 * b)
			pos++
		}
		slices[i] = v
	}
	return slices
}
