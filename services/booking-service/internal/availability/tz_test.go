package availability

import (
	"testing"
	"time"
)

func TestOffsetHoursAcrossDST(t *testing.T) {
	auckland := mustLoad(t, "Pacific/Auckland")
	newYork := mustLoad(t, "America/New_York")
	kolkata := mustLoad(t, "Asia/Kolkata")

	cases := []struct {
		name  string
		loc   *time.Location
		date  [3]int
		hours int
		mins  int
	}{
		{"auckland summer", auckland, [3]int{2026, 1, 15}, 13, 13 * 60},
		{"auckland winter", auckland, [3]int{2026, 7, 15}, 12, 12 * 60},
		{"new york winter", newYork, [3]int{2026, 1, 15}, -5, -5 * 60},
		{"new york summer", newYork, [3]int{2026, 7, 15}, -4, -4 * 60},
		// Sampled at 00:00 UTC, before the 02:00 local switch.
		{"new york spring forward", newYork, [3]int{2026, 3, 8}, -5, -5 * 60},
		// Sampled at 12:00 local, after the 03:00 switch back.
		{"auckland fall back", auckland, [3]int{2026, 4, 5}, 12, 12 * 60},
		{"kolkata half hour", kolkata, [3]int{2026, 1, 15}, 5, 5*60 + 30},
		{"utc", time.UTC, [3]int{2026, 1, 15}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			y, m, d := tc.date[0], time.Month(tc.date[1]), tc.date[2]
			if got := OffsetHours(tc.loc, y, m, d); got != tc.hours {
				t.Fatalf("expected %d hours, got %d", tc.hours, got)
			}
			if got := OffsetMinutes(tc.loc, y, m, d); got != tc.mins {
				t.Fatalf("expected %d minutes, got %d", tc.mins, got)
			}
		})
	}
}

func TestAnchorUTC(t *testing.T) {
	auckland := mustLoad(t, "Pacific/Auckland")
	got := AnchorUTC(auckland, 2026, time.January, 15, 10, 0)
	if want := time.Date(2026, 1, 14, 21, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	// The transition-day offset is the one in force at 00:00 UTC, so 09:00
	// lands on 14:00Z, which New York reads as 10:00 EDT.
	newYork := mustLoad(t, "America/New_York")
	got = AnchorUTC(newYork, 2026, time.March, 8, 9, 0)
	if want := time.Date(2026, 3, 8, 14, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if local := got.In(newYork); local.Hour() != 10 {
		t.Fatalf("expected 10:00 local, got %s", local)
	}

	kolkata := mustLoad(t, "Asia/Kolkata")
	got = AnchorUTC(kolkata, 2026, time.January, 15, 10, 0)
	if want := time.Date(2026, 1, 15, 4, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestDateKeyRoundTrip(t *testing.T) {
	y, m, d, err := ParseDateKey("2026-01-05")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if DateKey(y, m, d) != "2026-01-05" {
		t.Fatalf("unexpected key %s", DateKey(y, m, d))
	}
	for _, bad := range []string{"05/01/2026", "2026-02-30"} {
		if _, _, _, err := ParseDateKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
