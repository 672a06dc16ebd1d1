package asset

import (
	"cmp"
	"fmt"
	"slices"
)

// Order is the age ordering of a scan.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// ParseOrder accepts "asc"/"ascending" and "desc"/"descending"; empty is ascending.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "asc", "ascending", "ASC":
		return Ascending, nil
	case "desc", "descending", "DESC":
		return Descending, nil
	}
	return Ascending, ErrInvalidFilter.New(fmt.Sprintf("unknown order %q", s))
}

// Filter selects part of one asset's version history. The zero range is
// [0, +inf) in ascending order with no limit.
type Filter struct {
	Key            Key    `json:"key"`
	StartAge       uint64 `json:"start_age"`
	StartExclusive bool   `json:"start_exclusive,omitempty"`
	EndAge         uint64 `json:"end_age,omitempty"`
	EndExclusive   bool   `json:"end_exclusive,omitempty"`
	HasEnd         bool   `json:"has_end,omitempty"`
	Order          Order  `json:"order"`
	Limit          int    `json:"limit,omitempty"` // 0 = unbounded
}

// NewFilter returns the default filter over key's full history.
func NewFilter(key Key) Filter { return Filter{Key: key} }

// WithStart sets the lower bound.
func (f Filter) WithStart(age uint64, inclusive bool) Filter {
	f.StartAge, f.StartExclusive = age, !inclusive
	return f
}

// WithEnd sets the upper bound.
func (f Filter) WithEnd(age uint64, inclusive bool) Filter {
	f.EndAge, f.EndExclusive, f.HasEnd = age, !inclusive, true
	return f
}

func (f Filter) WithOrder(o Order) Filter { f.Order = o; return f }

func (f Filter) WithLimit(n int) Filter { f.Limit = n; return f }

// Validate rejects malformed filters.
func (f Filter) Validate() error {
	if err := f.Key.Validate(); err != nil {
		return err
	}
	if f.Limit < 0 {
		return ErrInvalidFilter.New("limit must not be negative")
	}
	if f.Order != Ascending && f.Order != Descending {
		return ErrInvalidFilter.New("unknown order")
	}
	return nil
}

// Bounds returns the inclusive age range [lo, hi] the filter selects.
// ok is false when the range is empty.
func (f Filter) Bounds() (lo, hi uint64, ok bool) {
	lo = f.StartAge
	if f.StartExclusive {
		if lo == ^uint64(0) {
			return 0, 0, false
		}
		lo++
	}
	hi = ^uint64(0)
	if f.HasEnd {
		hi = f.EndAge
		if f.EndExclusive {
			if hi == 0 {
				return 0, 0, false
			}
			hi--
		}
	}
	return lo, hi, lo <= hi
}

// Match reports whether age falls inside the filter's range.
func (f Filter) Match(age uint64) bool {
	lo, hi, ok := f.Bounds()
	return ok && age >= lo && age <= hi
}

// Apply selects the matching records from history (any order), sorts them
// by the filter's order and truncates to the limit. history is not modified.
func (f Filter) Apply(history []*Asset) []*Asset {
	out := make([]*Asset, 0, len(history))
	for _, a := range history {
		if a.Key == f.Key && f.Match(a.Age) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b *Asset) int {
		if f.Order == Descending {
			return cmp.Compare(b.Age, a.Age)
		}
		return cmp.Compare(a.Age, b.Age)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
