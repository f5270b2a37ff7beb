// Package presence tracks the latest known location and action of every
// user within a project, and derives editing conflicts from that state.
package presence

import (
	"sort"
	"time"

	"opsdeck/internal/clock"
	"opsdeck/internal/pubsub"
)

// Action is what a user is doing at their current location.
type Action string

const (
	ActionViewing Action = "viewing"
	ActionEditing Action = "editing"
)

// DefaultTimeout is how long a presence entry survives without activity
// before it is considered stale and dropped.
const DefaultTimeout = 2 * time.Minute

// Entry is the latest known state for one (project, user) pair.
type Entry struct {
	Project   string    `json:"project"`
	UserID    string    `json:"userId"`
	Location  string    `json:"location"`
	Action    Action    `json:"action"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conflict is the derived condition where two or more users are editing
// the same location in a project. It is never stored, only recomputed.
type Conflict struct {
	Location string   `json:"location"`
	UserIDs  []string `json:"userIds"`
}

// Tracker holds exactly one presence entry per (project, user) pair.
type Tracker struct {
	clock   clock.Clock
	timeout time.Duration
	entries map[string]map[string]Entry // project -> user -> entry
	hub     *pubsub.Hub[Entry]
}

// NewTracker creates a tracker. timeout <= 0 falls back to DefaultTimeout.
func NewTracker(clk clock.Clock, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		clock:   clk,
		timeout: timeout,
		entries: make(map[string]map[string]Entry),
		hub:     pubsub.NewHub[Entry](),
	}
}

// Subscribe registers a callback invoked with every presence entry that
// changes. Returns the unsubscribe handle.
func (t *Tracker) Subscribe(fn func(Entry)) func() {
	return t.hub.Subscribe(fn)
}

// RecordActivity overwrites the entry for (project, user) unconditionally.
// Last write wins; the entry is scoped per user so no ordering conflict is
// possible.
func (t *Tracker) RecordActivity(project, userID, location string, action Action, at time.Time) {
	if at.IsZero() {
		at = t.clock.Now()
	}
	users := t.entries[project]
	if users == nil {
		users = make(map[string]Entry)
		t.entries[project] = users
	}
	entry := Entry{
		Project:   project,
		UserID:    userID,
		Location:  location,
		Action:    action,
		UpdatedAt: at,
	}
	users[userID] = entry
	t.hub.Publish(entry)
}

// Expire removes entries whose last update is older than the timeout,
// dropping stale presence for disconnected clients without an explicit
// leave event. Returns the number of entries removed.
func (t *Tracker) Expire(now time.Time) int {
	removed := 0
	for project, users := range t.entries {
		for userID, entry := range users {
			if now.Sub(entry.UpdatedAt) > t.timeout {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.entries, project)
		}
	}
	return removed
}

// Conflicts partitions the project's editing users by location and returns
// every partition of size two or more. Pure derivation from current
// entries; a conflict disappears the instant its partition drops below two.
func (t *Tracker) Conflicts(project string) []Conflict {
	byLocation := make(map[string][]string)
	for userID, entry := range t.entries[project] {
		if entry.Action == ActionEditing {
			byLocation[entry.Location] = append(byLocation[entry.Location], userID)
		}
	}

	var conflicts []Conflict
	for location, users := range byLocation {
		if len(users) < 2 {
			continue
		}
		sort.Strings(users)
		conflicts = append(conflicts, Conflict{Location: location, UserIDs: users})
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Location < conflicts[j].Location
	})
	return conflicts
}

// Snapshot returns the current entries for a project, sorted by user id.
func (t *Tracker) Snapshot(project string) []Entry {
	users := t.entries[project]
	out := make([]Entry, 0, len(users))
	for _, entry := range users {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Occupancy returns the number of users present in a project.
func (t *Tracker) Occupancy(project string) int {
	return len(t.entries[project])
}
