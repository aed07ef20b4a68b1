package domain

// EvenSplit distributes total across n parts so that the parts sum exactly to
// total and differ by at most one. The base share rounds toward zero and the
// leftover units go, one each, to the first parts in order. Works for
// negative totals. Returns nil when n <= 0.
func EvenSplit(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := total / int64(n)
	remainder := total - base*int64(n)
	step := sign64(remainder)

	parts := make([]int64, n)
	for i := range parts {
		parts[i] = base
		if int64(i) < abs64(remainder) {
			parts[i] += step
		}
	}
	return parts
}
