package prices

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SortOrder selects one of the seven catalog orderings.
type SortOrder int

const (
	SortRank SortOrder = iota
	SortNameAsc
	SortNameDesc
	SortPriceAsc
	SortPriceDesc
	SortChange24hAsc
	SortChange24hDesc
)

// Field returns the value-endpoint sort field for the order.
func (s SortOrder) Field() string {
	switch s {
	case SortNameAsc, SortNameDesc:
		return "name"
	case SortPriceAsc, SortPriceDesc:
		return "price"
	case SortChange24hAsc, SortChange24hDesc:
		return "delta.day"
	default:
		return "rank"
	}
}

// Order returns the value-endpoint direction string for the order.
func (s SortOrder) Order() string {
	switch s {
	case SortNameDesc, SortPriceDesc, SortChange24hDesc:
		return "descending"
	default:
		return "ascending"
	}
}

func lessByNameAsc(a, b *Entry) bool {
	return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)) < 0
}

// lessByRank places unranked (rank 0) entries after every ranked entry;
// ties break by case-insensitive name ascending.
func lessByRank(a, b *Entry) bool {
	if a.Rank == 0 && b.Rank == 0 {
		return lessByNameAsc(a, b)
	}
	if a.Rank == 0 {
		return false
	}
	if b.Rank == 0 {
		return true
	}
	if a.Rank == b.Rank {
		return lessByNameAsc(a, b)
	}
	return a.Rank < b.Rank
}

// lessByDecimal places entries without a value after entries with one in
// both directions; equal values break by case-insensitive name ascending.
func lessByDecimal(a, b *Entry, va, vb *decimal.Decimal, desc bool) bool {
	if va == nil && vb == nil {
		return lessByNameAsc(a, b)
	}
	if va == nil {
		return false
	}
	if vb == nil {
		return true
	}

	cmp := va.Cmp(*vb)
	if cmp == 0 {
		return lessByNameAsc(a, b)
	}
	if desc {
		return cmp > 0
	}
	return cmp < 0
}

func lessFunc(order SortOrder) func(a, b *Entry) bool {
	switch order {
	case SortNameAsc:
		return lessByNameAsc
	case SortNameDesc:
		return func(a, b *Entry) bool { return lessByNameAsc(b, a) }
	case SortPriceAsc:
		return func(a, b *Entry) bool { return lessByDecimal(a, b, a.Price, b.Price, false) }
	case SortPriceDesc:
		return func(a, b *Entry) bool { return lessByDecimal(a, b, a.Price, b.Price, true) }
	case SortChange24hAsc:
		return func(a, b *Entry) bool { return lessByDecimal(a, b, a.Change24h, b.Change24h, false) }
	case SortChange24hDesc:
		return func(a, b *Entry) bool { return lessByDecimal(a, b, a.Change24h, b.Change24h, true) }
	case SortRank:
		return lessByRank
	default:
		return lessByRank
	}
}

// sortEntries orders list in place according to order. The comparators are
// total orders, so repeated sorting of equal input is deterministic.
func sortEntries(list []*Entry, order SortOrder) {
	sort.SliceStable(list, func(i, j int) bool {
		return lessFunc(order)(list[i], list[j])
	})
}
