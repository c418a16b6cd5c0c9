package prefs

// prefixUpperBound returns the smallest key greater than every key that has
// prefix, for use as an exclusive iterator bound. A nil result means the
// range is unbounded.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
