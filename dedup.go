package memtier

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Deduplicator detects near-duplicate content with MinHash signatures
// and an LSH index, avoiding all-pairs comparison. Threshold and
// permutation count are fixed for the lifetime of the index.
type Deduplicator struct {
	opts   DedupOptions
	hasher *minHasher

	mu   sync.Mutex
	lsh  *lshIndex
	sigs map[string][]uint64
}

func NewDeduplicator(opts DedupOptions) *Deduplicator {
	opts = opts.withDefaults()
	return &Deduplicator{
		opts:   opts,
		hasher: newMinHasher(opts.NumPerm),
		lsh:    newLSHIndex(opts.Threshold, opts.NumPerm),
		sigs:   make(map[string][]uint64),
	}
}

// Threshold returns the index's fixed Jaccard duplicate threshold.
func (d *Deduplicator) Threshold() float64 { return d.opts.Threshold }

// Len returns the number of indexed signatures.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sigs)
}

// Add indexes content under id unless it duplicates something already
// indexed. It returns the matching ids (estimated Jaccard >= threshold)
// and whether the record was inserted. The first-seen instance of a
// duplicate cluster always wins.
func (d *Deduplicator) Add(id, content string) (matches []string, added bool) {
	sig := d.signature(content)

	d.mu.Lock()
	defer d.mu.Unlock()

	matches = d.verifiedMatches(sig)
	if len(matches) > 0 {
		return matches, false
	}
	if _, exists := d.sigs[id]; exists {
		// Same id re-added with non-duplicate content: keep the original.
		return nil, false
	}
	d.lsh.Insert(id, sig)
	d.sigs[id] = sig
	return nil, true
}

// FindDuplicates reports which indexed ids the given content would
// duplicate, without inserting anything.
func (d *Deduplicator) FindDuplicates(content string) []string {
	sig := d.signature(content)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verifiedMatches(sig)
}

// BatchDedup processes records in input order and returns the accepted
// subset plus the removed count, attaching each survivor's signature
// blob. Order matters: rejection depends on what is already indexed, so
// the first-seen instance of each duplicate cluster survives.
func (d *Deduplicator) BatchDedup(records []ProcessedRecord) (unique []ProcessedRecord, removed int) {
	unique = make([]ProcessedRecord, 0, len(records))
	for _, rec := range records {
		matches, added := d.Add(rec.ID, rec.StructuredContent)
		if !added {
			removed++
			log.Printf("[memtier] dedup: record %s duplicates %v", rec.ID, matches)
			continue
		}
		d.mu.Lock()
		rec.Signature = EncodeSignature(d.sigs[rec.ID])
		d.mu.Unlock()
		unique = append(unique, rec)
	}
	return unique, removed
}

// Similarity recomputes the exact MinHash-estimated Jaccard similarity
// between two indexed records, for diagnostics.
func (d *Deduplicator) Similarity(id1, id2 string) (float64, error) {
	d.mu.Lock()
	sig1, ok1 := d.sigs[id1]
	sig2, ok2 := d.sigs[id2]
	d.mu.Unlock()
	if !ok1 {
		return 0, fmt.Errorf("similarity: id %q not indexed", id1)
	}
	if !ok2 {
		return 0, fmt.Errorf("similarity: id %q not indexed", id2)
	}
	return estimateJaccard(sig1, sig2)
}

// Reset drops every indexed signature, keeping the construction-time
// threshold and permutation family.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lsh = newLSHIndex(d.opts.Threshold, d.opts.NumPerm)
	d.sigs = make(map[string][]uint64)
}

func (d *Deduplicator) signature(content string) []uint64 {
	return d.hasher.Signature(shingleSet(content, d.opts.CharShingle, d.opts.WordShingle))
}

// verifiedMatches filters LSH candidates through the exact estimated
// similarity so banding false positives never count as duplicates.
// Callers hold d.mu.
func (d *Deduplicator) verifiedMatches(sig []uint64) []string {
	var matches []string
	for _, candidate := range d.lsh.Query(sig) {
		est, err := estimateJaccard(sig, d.sigs[candidate])
		if err != nil {
			continue
		}
		if est >= d.opts.Threshold {
			matches = append(matches, candidate)
		}
	}
	sort.Strings(matches)
	return matches
}
