package distribution

import (
	"cmp"
	"math/big"
	"slices"
)

// Holder is an eligible holder and its weight (token balance).
type Holder struct {
	Owner  string
	Weight uint64
}

// Allocate splits total across holders in proportion to weight using the
// largest-remainder method: every holder gets floor(total*w/W), then the
// leftover units go one each to the largest remainders, ties broken by
// owner ascending. The result always sums to total when any weight is
// non-zero.
func Allocate(total uint64, holders []Holder) []uint64 {
	shares := make([]uint64, len(holders))
	weightSum := new(big.Int)
	for _, h := range holders {
		weightSum.Add(weightSum, new(big.Int).SetUint64(h.Weight))
	}
	if total == 0 || weightSum.Sign() == 0 {
		return shares
	}

	type remainder struct {
		idx int
		rem *big.Int
	}
	rems := make([]remainder, len(holders))
	t := new(big.Int).SetUint64(total)
	var assigned uint64
	for i, h := range holders {
		prod := new(big.Int).Mul(t, new(big.Int).SetUint64(h.Weight))
		q, r := new(big.Int).QuoRem(prod, weightSum, new(big.Int))
		shares[i] = q.Uint64()
		assigned += shares[i]
		rems[i] = remainder{idx: i, rem: r}
	}

	slices.SortFunc(rems, func(a, b remainder) int {
		if c := b.rem.Cmp(a.rem); c != 0 {
			return c
		}
		return cmp.Compare(holders[a.idx].Owner, holders[b.idx].Owner)
	})
	for k := uint64(0); k < total-assigned; k++ {
		shares[rems[k].idx]++
	}
	return shares
}
