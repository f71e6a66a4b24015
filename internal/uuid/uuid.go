// Package uuid generates the identifiers used for devices, snapshots, sync
// sessions and events.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// EventIDs produces ids of the form evt-<epochMillis>-<counter>. The counter
// restarts at 1 whenever the millisecond changes, so ids minted by one
// generator are strictly increasing under structured comparison.
type EventIDs struct {
	mu      sync.Mutex
	now     func() time.Time
	lastMs  int64
	counter int64
}

// NewEventIDs returns a generator using the wall clock.
func NewEventIDs() *EventIDs {
	return &EventIDs{now: time.Now}
}

// NewEventIDsWithClock returns a generator using the given clock.
func NewEventIDsWithClock(now func() time.Time) *EventIDs {
	return &EventIDs{now: now}
}

// Next returns the next event id.
func (g *EventIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs
		g.counter++
	} else {
		g.lastMs = ms
		g.counter = 1
	}
	return "evt-" + strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(g.counter, 10)
}
