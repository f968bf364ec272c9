package memtier

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// lshIndex buckets MinHash signatures into b bands of r rows each so
// that near-duplicate queries touch only colliding buckets instead of
// comparing against every indexed signature.
type lshIndex struct {
	bands int
	rows  int
	// one bucket table per band, keyed by the band slice's hash
	tables []map[uint64][]string
}

func newLSHIndex(threshold float64, numPerm int) *lshIndex {
	b, r := optimalBands(threshold, numPerm)
	idx := &lshIndex{
		bands:  b,
		rows:   r,
		tables: make([]map[uint64][]string, b),
	}
	for i := range idx.tables {
		idx.tables[i] = make(map[uint64][]string)
	}
	return idx
}

// optimalBands picks (bands, rows) minimizing the equally weighted
// false-positive and false-negative probability integrals at the given
// threshold, over all band layouts fitting the signature width.
func optimalBands(threshold float64, numPerm int) (bands, rows int) {
	const steps = 100
	bands, rows = 1, numPerm
	minErr := math.MaxFloat64
	for b := 1; b <= numPerm; b++ {
		maxR := numPerm / b
		for r := 1; r <= maxR; r++ {
			fp := integrateCollision(0, threshold, b, r, steps)
			fn := (1 - threshold) - integrateCollision(threshold, 1, b, r, steps)
			if err := fp + fn; err < minErr {
				minErr = err
				bands, rows = b, r
			}
		}
	}
	return bands, rows
}

// integrateCollision numerically integrates the banding collision
// probability 1-(1-s^r)^b over similarity s in [lo, hi].
func integrateCollision(lo, hi float64, b, r, steps int) float64 {
	dx := (hi - lo) / float64(steps)
	sum := 0.0
	for i := 0; i < steps; i++ {
		s := lo + (float64(i)+0.5)*dx
		sum += (1 - math.Pow(1-math.Pow(s, float64(r)), float64(b))) * dx
	}
	return sum
}

func (idx *lshIndex) bandKey(sig []uint64, band int) uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	for _, v := range sig[band*idx.rows : (band+1)*idx.rows] {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Insert adds a signature under id. The caller guarantees ids are unique.
func (idx *lshIndex) Insert(id string, sig []uint64) {
	for band := 0; band < idx.bands; band++ {
		key := idx.bandKey(sig, band)
		idx.tables[band][key] = append(idx.tables[band][key], id)
	}
}

// Query returns the ids whose signatures collide with sig in at least
// one band. Candidates still need exact similarity verification.
func (idx *lshIndex) Query(sig []uint64) []string {
	seen := make(map[string]struct{})
	var out []string
	for band := 0; band < idx.bands; band++ {
		for _, id := range idx.tables[band][idx.bandKey(sig, band)] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
