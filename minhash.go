package memtier

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// mersennePrime is the modulus for the permutation family, large enough
// that (a*h + b) stays well-distributed over 64-bit shingle hashes.
const mersennePrime = (1 << 61) - 1

// permutationSeed fixes the permutation family so signatures are
// comparable across processes and restarts.
const permutationSeed = 1

// minHasher derives fixed-width MinHash signatures from shingle sets by
// tracking, per permutation, the minimum of (a*h + b) mod p over the
// set's xxhash values.
type minHasher struct {
	numPerm int
	a       []uint64
	b       []uint64
}

func newMinHasher(numPerm int) *minHasher {
	rng := rand.New(rand.NewSource(permutationSeed))
	h := &minHasher{
		numPerm: numPerm,
		a:       make([]uint64, numPerm),
		b:       make([]uint64, numPerm),
	}
	for i := 0; i < numPerm; i++ {
		h.a[i] = uint64(rng.Int63n(mersennePrime-1)) + 1
		h.b[i] = uint64(rng.Int63n(mersennePrime))
	}
	return h
}

// Signature computes the numPerm-length signature of a shingle set.
func (h *minHasher) Signature(shingles map[string]struct{}) []uint64 {
	sig := make([]uint64, h.numPerm)
	for i := range sig {
		sig[i] = mersennePrime
	}
	for shingle := range shingles {
		hv := xxhash.Sum64String(shingle) % mersennePrime
		for i := 0; i < h.numPerm; i++ {
			if v := permute(h.a[i], hv, h.b[i]); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// permute computes (a*h + b) mod mersennePrime without overflow. The
// 128-bit intermediate keeps hi below the modulus (a, h < 2^61), which
// bits.Div64 requires.
func permute(a, h, b uint64) uint64 {
	hi, lo := bits.Mul64(a, h)
	var carry uint64
	lo, carry = bits.Add64(lo, b, 0)
	hi += carry
	_, rem := bits.Div64(hi, lo, mersennePrime)
	return rem
}

// estimateJaccard is the fraction of agreeing signature positions.
func estimateJaccard(a, b []uint64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("signature length mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty signature")
	}
	equal := 0
	for i := range a {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(a)), nil
}

// EncodeSignature serializes a signature into the fixed-width
// little-endian blob persisted alongside each cold record.
func EncodeSignature(sig []uint64) []byte {
	blob := make([]byte, 8*len(sig))
	for i, v := range sig {
		binary.LittleEndian.PutUint64(blob[i*8:], v)
	}
	return blob
}

// DecodeSignature reverses EncodeSignature.
func DecodeSignature(blob []byte) ([]uint64, error) {
	if len(blob) == 0 || len(blob)%8 != 0 {
		return nil, fmt.Errorf("decode signature: invalid blob length %d", len(blob))
	}
	sig := make([]uint64, len(blob)/8)
	for i := range sig {
		sig[i] = binary.LittleEndian.Uint64(blob[i*8:])
	}
	return sig, nil
}
