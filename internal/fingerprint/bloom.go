package fingerprint

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// bloomFilter is a classic bit-array membership filter with k independent
// hash functions derived from two xxhash seeds via double hashing
// (Kirsch-Mitzenmacher): h_i(x) = h1(x) + i*h2(x). A negative answer is
// conclusive; a positive answer may be a false positive and must be
// confirmed against an authoritative set.
type bloomFilter struct {
	bits []uint64
	m    uint64 // number of bits
	k    uint64 // number of hash functions
}

// newBloomFilter sizes the filter for n expected insertions and a target
// false-positive rate p, using the standard formulas:
//
//	m = -n*ln(p) / (ln(2)^2)
//	k = (m/n) * ln(2)
func newBloomFilter(n int, p float64) *bloomFilter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	words := (m + 63) / 64
	return &bloomFilter{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    k,
	}
}

func (b *bloomFilter) hashes(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	h2 = xxhash.Sum64(append(key, 0xff))
	return
}

// Add sets the k bits for key.
func (b *bloomFilter) Add(key []byte) {
	h1, h2 := b.hashes(key)
	for i := uint64(0); i < b.k; i++ {
		pos := (h1 + i*h2) % b.m
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

// MightContain returns false only if key is definitely absent.
func (b *bloomFilter) MightContain(key []byte) bool {
	h1, h2 := b.hashes(key)
	for i := uint64(0); i < b.k; i++ {
		pos := (h1 + i*h2) % b.m
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}
