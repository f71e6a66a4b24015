package events

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// CompareEvents orders events by timestamp, then device id, then structured
// id (prefix-<epoch>-<counter>, numeric), then the raw id string.
func CompareEvents(a, b Event) int {
	if c := strings.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	if c := strings.Compare(a.DeviceID, b.DeviceID); c != 0 {
		return c
	}
	if ae, ac, ok := parseStructuredID(a.ID); ok {
		if be, bc, ok := parseStructuredID(b.ID); ok {
			if c := compareFloat(ae, be); c != 0 {
				return c
			}
			if c := compareFloat(ac, bc); c != 0 {
				return c
			}
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// SortEvents returns a sorted copy of events; the input is left untouched.
func SortEvents(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return CompareEvents(out[i], out[j]) < 0
	})
	return out
}

// parseStructuredID splits prefix-<epoch>-<counter>. Both numbers must be
// finite.
func parseStructuredID(id string) (epoch, counter float64, ok bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] == "" {
		return 0, 0, false
	}
	epoch, ok = finite(parts[1])
	if !ok {
		return 0, 0, false
	}
	counter, ok = finite(parts[2])
	if !ok {
		return 0, 0, false
	}
	return epoch, counter, true
}

func finite(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
