// Package bloom implements the fixed-hash-count bloom filter used by
// SSTable to fast-reject point lookups without touching disk.
package bloom

import (
	"hash/fnv"
)

// HashCount is the number of hash functions used per key (k = 3, per the
// on-disk format).
const HashCount = 3

// BitsPerKey is the bloom filter sizing ratio: 10 bits of filter per
// expected entry.
const BitsPerKey = 10

// Filter is a fixed-size bit array addressed by FNV-1a hashing with a
// per-hash-index seed. It guarantees no false negatives; false positives
// are expected and bounded by the bits-per-key ratio.
type Filter struct {
	bits []byte
	n    uint64 // number of bits
}

// New allocates an empty filter sized for nKeys expected entries.
func New(nKeys int) *Filter {
	if nKeys < 1 {
		nKeys = 1
	}
	nBits := uint64(nKeys) * BitsPerKey
	if nBits < 8 {
		nBits = 8
	}
	nBytes := (nBits + 7) / 8
	return &Filter{
		bits: make([]byte, nBytes),
		n:    nBytes * 8,
	}
}

// Add sets the k bits corresponding to key.
func (f *Filter) Add(key []byte) {
	h := fnvHash(key)
	for i := uint64(0); i < HashCount; i++ {
		f.setBit(f.bitIndex(h, i))
	}
}

// MightContain reports whether key may be present. A false return is
// authoritative (the key is definitely absent); a true return means the
// key may or may not be present.
func (f *Filter) MightContain(key []byte) bool {
	h := fnvHash(key)
	for i := uint64(0); i < HashCount; i++ {
		if !f.getBit(f.bitIndex(h, i)) {
			return false
		}
	}
	return true
}

func (f *Filter) bitIndex(h, seed uint64) uint64 {
	return (h + seed) % f.n
}

func (f *Filter) setBit(bit uint64) {
	f.bits[bit/8] |= 1 << (bit % 8)
}

func (f *Filter) getBit(bit uint64) bool {
	return f.bits[bit/8]&(1<<(bit%8)) != 0
}

// fnvHash is the single FNV-1a hash the spec names; per-hash-index
// variation comes from adding the seed to the hash, not from re-hashing.
func fnvHash(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return h.Sum64()
}

// Bytes returns the raw bit array, suitable for writing to an SSTable's
// bloom-filter section.
func (f *Filter) Bytes() []byte {
	return f.bits
}

// NumBits returns the number of addressable bits (always a multiple of 8).
func (f *Filter) NumBits() uint64 {
	return f.n
}

// Decode reconstructs a Filter from raw bytes previously produced by
// Bytes, e.g. when opening an existing SSTable.
func Decode(b []byte) *Filter {
	out := make([]byte, len(b))
	copy(out, b)
	return &Filter{bits: out, n: uint64(len(out)) * 8}
}

// EncodeSize returns the on-disk size in bytes for a filter built with New(nKeys).
func EncodeSize(nKeys int) int {
	return len(New(nKeys).bits)
}
