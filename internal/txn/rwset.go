package txn

import (
	"encoding/json"
	"slices"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// ReadSet records every asset version an execution observed. A key read
// while absent is recorded with no ages.
type ReadSet struct {
	ages map[asset.Key]map[uint64]struct{}
}

func newReadSet() *ReadSet {
	return &ReadSet{ages: make(map[asset.Key]map[uint64]struct{})}
}

// Add records that key was read; age is nil when the asset did not exist.
func (r *ReadSet) Add(key asset.Key, age *uint64) {
	set, ok := r.ages[key]
	if !ok {
		set = make(map[uint64]struct{})
		r.ages[key] = set
	}
	if age != nil {
		set[*age] = struct{}{}
	}
}

// Has reports whether key was read.
func (r *ReadSet) Has(key asset.Key) bool {
	_, ok := r.ages[key]
	return ok
}

// Ages returns the ages read for key in ascending order.
func (r *ReadSet) Ages(key asset.Key) []uint64 {
	out := make([]uint64, 0, len(r.ages[key]))
	for a := range r.ages[key] {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Keys returns the keys read, in key order.
func (r *ReadSet) Keys() []asset.Key {
	out := make([]asset.Key, 0, len(r.ages))
	for k := range r.ages {
		out = append(out, k)
	}
	slices.SortFunc(out, asset.Key.Compare)
	return out
}

// Input renders the read set as the canonical input document embedded in
// every record the transaction writes: {"<namespace>":{"<id>":[ages...]}}.
func (r *ReadSet) Input() (json.RawMessage, error) {
	doc := make(map[string]map[string][]uint64)
	for _, k := range r.Keys() {
		ns, ok := doc[k.Namespace]
		if !ok {
			ns = make(map[string][]uint64)
			doc[k.Namespace] = ns
		}
		ns[k.ID] = r.Ages(k)
	}
	return asset.CanonicalMarshal(doc)
}

// WriteSet buffers the data each key will carry at its next age. Repeated
// puts overwrite; order is first-put order.
type WriteSet struct {
	order []asset.Key
	data  map[asset.Key]json.RawMessage
}

func newWriteSet() *WriteSet {
	return &WriteSet{data: make(map[asset.Key]json.RawMessage)}
}

// Put buffers data for key, replacing any earlier buffered value.
func (w *WriteSet) Put(key asset.Key, data json.RawMessage) {
	if _, ok := w.data[key]; !ok {
		w.order = append(w.order, key)
	}
	w.data[key] = data
}

// Get returns the buffered data for key.
func (w *WriteSet) Get(key asset.Key) (json.RawMessage, bool) {
	d, ok := w.data[key]
	return d, ok
}

// Keys returns the written keys in first-put order.
func (w *WriteSet) Keys() []asset.Key { return slices.Clone(w.order) }

// Len returns the number of distinct keys written.
func (w *WriteSet) Len() int { return len(w.order) }
