package crdt

import "fmt"

// Fractional indexing for cell ordering. Keys are base-36 strings that sort
// lexicographically, so a new key can always be generated between two
// neighbors without reindexing the rest of the list.

const fracBase = 36

const fracDigits = "0123456789abcdefghijklmnopqrstuvwxyz"

func digitValue(c byte) (uint32, error) {
	switch {
	case c >= '0' && c <= '9':
		return uint32(c - '0'), nil
	case c >= 'a' && c <= 'z':
		return uint32(c-'a') + 10, nil
	default:
		return 0, fmt.Errorf("invalid base-36 digit: %q", c)
	}
}

// KeyBetween generates an order key strictly between before and after.
// An empty before means "before everything"; an empty after means "after
// everything". KeyBetween("", "") returns the midpoint key "a".
func KeyBetween(before, after string) (string, error) {
	if before == "" && after == "" {
		return "a", nil
	}
	if before != "" && after != "" && before >= after {
		return "", fmt.Errorf("key order violated: %q >= %q", before, after)
	}
	return midpointKey(before, after)
}

// NKeysBetween generates n keys evenly walkable between the bounds, each one
// strictly greater than the last.
func NKeysBetween(before, after string, n int) ([]string, error) {
	keys := make([]string, 0, n)
	prev := before
	for i := 0; i < n; i++ {
		k, err := KeyBetween(prev, after)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		prev = k
	}
	return keys, nil
}

// midpointKey finds a string sorting between a and b. A missing digit in a
// reads as 0; a missing digit in b reads as fracBase (one past the largest
// digit), so an empty a is "before everything" and an empty b is "after
// everything".
func midpointKey(a, b string) (string, error) {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	var out []byte
	for i := 0; i <= maxLen; i++ {
		var av uint32
		var err error
		if i < len(a) {
			if av, err = digitValue(a[i]); err != nil {
				return "", err
			}
		}
		bv := uint32(fracBase)
		if i < len(b) {
			if bv, err = digitValue(b[i]); err != nil {
				return "", err
			}
		}

		if av+1 < bv {
			mid := av + (bv-av)/2
			out = append(out, fracDigits[mid])
			return string(out), nil
		}

		// Digits adjacent or equal; carry the lower digit and keep going.
		out = append(out, fracDigits[av])
	}

	// Unreachable when a < b, but keep a sane fallback.
	out = append(out, fracDigits[fracBase/2])
	return string(out), nil
}
