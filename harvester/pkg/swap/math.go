package swap

import "math/bits"

// mulDiv returns floor(a*b/c) without overflowing the intermediate product.
// The result saturates when it does not fit in 64 bits.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
