package htable

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Uint64Hash hashes a fixed-width integer key with xxhash, the default
// functor mentioned in SPEC_FULL.md §8 (replacing the original's
// std::hash<T> default template parameter).
func Uint64Hash(k uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], k)
	return xxhash.Sum64(buf[:])
}

// BytesHash hashes an arbitrary byte string with xxhash.
func BytesHash(k []byte) uint64 {
	return xxhash.Sum64(k)
}

// StringHash hashes a string with xxhash without a copying conversion.
func StringHash(k string) uint64 {
	return xxhash.Sum64String(k)
}

// Murmur3Hash is the alternate hash functor named in SPEC_FULL.md §8, for
// callers that want to compare distribution or avoid xxhash for licensing
// reasons.
func Murmur3Hash(k []byte) uint64 {
	return murmur3.Sum64(k)
}

// Float64BitsHash hashes the IEEE-754 bit pattern of a float64 key. Flat
// keys are not restricted to integers; this covers the common case of a
// float64 key without asking callers to hand-roll the bit conversion.
func Float64BitsHash(k float64) uint64 {
	return Uint64Hash(math.Float64bits(k))
}
