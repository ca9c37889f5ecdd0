package buy

import "math"

const defaultExpirationSec = 5

// normalizeExpiration resolves a requested expiration against the
// instrument's supported list. Hints of 1000 or more are milliseconds and
// are converted to seconds (rounded); smaller values are already seconds.
// An exact match wins, otherwise the nearest supported value by absolute
// difference, ties favoring the lower value. Without a supported list the
// hint (or the 5s default) is used as-is.
func normalizeExpiration(hint float64, hasHint bool, allowed []int) int {
	seconds := defaultExpirationSec
	if hasHint {
		if hint >= 1000 {
			seconds = int(math.Round(hint / 1000))
		} else {
			seconds = int(math.Round(hint))
		}
	} else if len(allowed) > 0 {
		return allowed[0]
	}

	if len(allowed) == 0 {
		return seconds
	}

	best := allowed[0]
	bestDiff := math.Abs(float64(seconds - best))
	for _, v := range allowed[1:] {
		diff := math.Abs(float64(seconds - v))
		if diff < bestDiff || (diff == bestDiff && v < best) {
			best = v
			bestDiff = diff
		}
	}
	return best
}
