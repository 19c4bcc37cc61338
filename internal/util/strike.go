// Package util provides strike math and option symbol helpers.
package util

import "math"

// ATMStrike returns the at-the-money strike for a spot price, rounded to the
// nearest multiple of the strike interval. Exact half-interval spots round to
// the even multiple, so repeated runs on the same print pick the same strike.
func ATMStrike(spot float64, interval int) int {
	if interval <= 0 {
		return int(math.RoundToEven(spot))
	}
	return int(math.RoundToEven(spot/float64(interval))) * interval
}

// CandidateStrikes enumerates strikes within radius intervals around the ATM
// strike, ascending, skipping exclude (0 means no exclusion).
func CandidateStrikes(atm, interval, radius, exclude int) []int {
	if interval <= 0 || radius < 0 {
		return nil
	}
	strikes := make([]int, 0, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		k := atm + i*interval
		if k <= 0 || k == exclude {
			continue
		}
		strikes = append(strikes, k)
	}
	return strikes
}
