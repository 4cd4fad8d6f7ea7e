// Package bloom implements a fixed-bit-array probabilistic set, used
// one-per-SSTable to short-circuit misses without a disk seek.
//
// Grounded in the teacher's structures/bloom_filter package: same
// serialize-the-bit-array-plus-seeds layout, same seeded-hash
// construction (utils/seeded_hash), adapted here to §4.2's two-hash
// combination (h1(x) + i*h2(x)) instead of k independently seeded
// hashes, and to int64 timestamp keys instead of string keys.
package bloom

import (
	"crypto/md5"
	"encoding/binary"
	"math"

	"tsdb/errs"
)

// Filter is a Bloom filter over int64 keys (SSTable timestamps).
type Filter struct {
	bits []byte
	m    uint64 // number of bits
	k    uint64 // number of hash functions
	seed uint64 // seed mixed into both base hashes; fixed at construction
}

// New sizes a filter for expectedKeys at bitsPerKey density with k hash
// functions, per §4.2's sizing target (~10 bits/key, k=3).
func New(expectedKeys int, bitsPerKey uint64, k uint64) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	m := uint64(expectedKeys) * bitsPerKey
	if m < 64 {
		m = 64
	}
	if k < 1 {
		k = 1
	}
	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
		seed: 0x9E3779B97F4A7C15,
	}
}

// EstimateFalsePositiveRate returns the theoretical false positive
// rate for n inserted keys given the filter's current m and k.
func EstimateFalsePositiveRate(n int, m, k uint64) float64 {
	if m == 0 || n == 0 {
		return 0
	}
	return math.Pow(1-math.Exp(-float64(k)*float64(n)/float64(m)), float64(k))
}

func keyToBytes(key int64) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key))
	return b
}

// baseHashes computes the two independent hashes combined per the
// standard Kirsch-Mitzenmacher double-hashing scheme: the i-th bit
// position is (h1 + i*h2) mod m.
func (f *Filter) baseHashes(key int64) (h1, h2 uint64) {
	kb := keyToBytes(key)
	sum := md5.Sum(append(kb[:], byte(f.seed), byte(f.seed>>8), byte(f.seed>>16), byte(f.seed>>24)))
	h1 = binary.LittleEndian.Uint64(sum[0:8])
	h2 = binary.LittleEndian.Uint64(sum[8:16])
	if h2 == 0 {
		h2 = 1 // avoid degenerating to a single probed bit
	}
	return h1, h2
}

func (f *Filter) bitPositions(key int64) []uint64 {
	h1, h2 := f.baseHashes(key)
	positions := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		positions[i] = (h1 + i*h2) % f.m
	}
	return positions
}

// Add inserts key into the filter.
func (f *Filter) Add(key int64) {
	for _, pos := range f.bitPositions(key) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MightContain reports whether key may have been added. Never returns
// false for a key that was actually added (§8 property 4); may return
// true for a key that was never added.
func (f *Filter) MightContain(key int64) bool {
	for _, pos := range f.bitPositions(key) {
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// M returns the bit array size, for diagnostics and sizing decisions.
func (f *Filter) M() uint64 { return f.m }

// K returns the number of hash functions.
func (f *Filter) K() uint64 { return f.k }

// Serialize writes the filter as: u64 m, u64 k, u64 seed, then the bit
// array. The same seed is stored so a round-tripped filter hashes
// identically to the original, satisfying §4.2's contract.
func (f *Filter) Serialize() []byte {
	buf := make([]byte, 24+len(f.bits))
	binary.LittleEndian.PutUint64(buf[0:], f.m)
	binary.LittleEndian.PutUint64(buf[8:], f.k)
	binary.LittleEndian.PutUint64(buf[16:], f.seed)
	copy(buf[24:], f.bits)
	return buf
}

// Deserialize reconstructs a Filter from bytes produced by Serialize.
func Deserialize(buf []byte) (*Filter, error) {
	if len(buf) < 24 {
		return nil, errs.Wrap(errs.Corruption, "bloom filter header truncated: have %d bytes", len(buf))
	}
	m := binary.LittleEndian.Uint64(buf[0:])
	k := binary.LittleEndian.Uint64(buf[8:])
	seed := binary.LittleEndian.Uint64(buf[16:])
	expectedBits := int((m + 7) / 8)
	if len(buf)-24 < expectedBits {
		return nil, errs.Wrap(errs.Corruption, "bloom filter bit array truncated: want %d bytes, have %d", expectedBits, len(buf)-24)
	}
	bits := make([]byte, expectedBits)
	copy(bits, buf[24:24+expectedBits])
	return &Filter{bits: bits, m: m, k: k, seed: seed}, nil
}
