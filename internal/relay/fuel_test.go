package relay

import (
	"testing"
	"time"
)

func TestFuelLevel(t *testing.T) {
	now := testNow
	cases := []struct {
		name string
		left *time.Duration
		want int
	}{
		{name: "absent", left: nil, want: -1},
		{name: "plenty", left: dur(45 * day), want: 30},
		{name: "exactly 30 days", left: dur(30 * day), want: 15},
		{name: "ten days", left: dur(10 * day), want: 7},
		{name: "two and a half days", left: dur(60 * time.Hour), want: 2},
		{name: "under a day", left: dur(5 * time.Hour), want: 0},
		{name: "expired", left: dur(-time.Hour), want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var exp *time.Time
			if tc.left != nil {
				exp = at(now.Add(*tc.left))
			}
			if got := FuelLevel(exp, now, DefaultFuelThresholds); got != tc.want {
				t.Fatalf("FuelLevel() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFuelLevelNonIncreasing(t *testing.T) {
	expires := testNow.Add(40 * day)
	prev := FuelLevel(&expires, testNow, DefaultFuelThresholds)
	for h := 1; h <= 42*24; h++ {
		now := testNow.Add(time.Duration(h) * time.Hour)
		got := FuelLevel(&expires, now, DefaultFuelThresholds)
		if got > prev {
			t.Fatalf("level rose from %d to %d at +%dh", prev, got, h)
		}
		if got == -1 {
			t.Fatalf("level -1 with fuel present at +%dh", h)
		}
		prev = got
	}
}

func dur(d time.Duration) *time.Duration { return &d }
