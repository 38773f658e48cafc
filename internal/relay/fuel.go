package relay

import "time"

// DefaultFuelThresholds are the fuel warning levels in days, descending.
var DefaultFuelThresholds = []int{30, 15, 7, 3, 2, 1, 0}

const day = 24 * time.Hour

// FuelLevel maps remaining fuel to a warning level: the first threshold t
// with more than t days left. Expired fuel is level 0, absent fuel is -1.
func FuelLevel(fuelExpires *time.Time, now time.Time, thresholds []int) int {
	if fuelExpires == nil {
		return -1
	}
	left := fuelExpires.Sub(now)
	for _, t := range thresholds {
		if left > time.Duration(t)*day {
			return t
		}
	}
	return 0
}

func isAnchoring(state string) bool {
	return state == "anchoring" || state == "anchor_vulnerable"
}
