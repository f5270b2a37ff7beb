// Package notify implements the notification engine: it filters incoming
// alert-shaped events through the user's preferences, deduplicates them,
// tracks read state and ordering, and hands accepted notifications to
// delivery sinks.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"opsdeck/internal/clock"
	"opsdeck/internal/pubsub"
)

// Type categorizes a notification.
type Type string

const (
	TypeDeployment Type = "deployment"
	TypeMention    Type = "mention"
	TypeConflict   Type = "conflict"
	TypeActivity   Type = "activity"
	TypeSystem     Type = "system"
)

// Priority is advisory for styling, not ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// DefaultDedupWindow is how long an unread notification shields the list
// from an identical successor.
const DefaultDedupWindow = 5 * time.Minute

// ErrNotificationNotFound is returned by read-state operations on unknown
// notification ids.
var ErrNotificationNotFound = errors.New("notification not found")

// Notification is one alert retained until the user dismisses it.
type Notification struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Priority   Priority   `json:"priority"`
	UserID     string     `json:"userId"`
	Read       bool       `json:"read"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ActionURL  string     `json:"actionUrl,omitempty"`
	ActionText string     `json:"actionText,omitempty"`
	Deferred   bool       `json:"deferred,omitempty"`
	SubjectKey string     `json:"-"`
}

// Incoming is a notification-shaped event entering the pipeline.
type Incoming struct {
	Type          Type
	Project       string
	Title         string
	Message       string
	Priority      Priority
	SubjectKey    string // dedup key within (type, target)
	DirectMention bool   // direct mentions bypass subscription and keyword gates
	Timestamp     time.Time
	ActionURL     string
	ActionText    string
}

// Outcome describes what the pipeline did with an incoming event.
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeCreatedDeferred  Outcome = "created_deferred"
	OutcomeMerged           Outcome = "merged"
	OutcomeDroppedCategory  Outcome = "dropped_category"
	OutcomeDroppedProject   Outcome = "dropped_project"
	OutcomeDroppedKeyword   Outcome = "dropped_keyword"
)

// Deliverer pushes an accepted notification out on the given channels.
// Delivery failures are logged by the engine, never propagated.
type Deliverer interface {
	Deliver(n Notification, channels []Channel) error
}

// Engine is the per-user notification pipeline and store.
type Engine struct {
	clock  clock.Clock
	ids    clock.IDGenerator
	logger *slog.Logger

	userID      string
	prefs       Preferences
	items       []*Notification
	dedupWindow time.Duration
	digest      *digestBatch
	deliverer   Deliverer
	hub         *pubsub.Hub[Notification]
}

// NewEngine creates the notification engine for one user. deliverer may be
// nil, in which case accepted notifications are only recorded in-app.
func NewEngine(clk clock.Clock, ids clock.IDGenerator, logger *slog.Logger, userID string, prefs Preferences, deliverer Deliverer) *Engine {
	return &Engine{
		clock:       clk,
		ids:         ids,
		logger:      logger,
		userID:      userID,
		prefs:       prefs.copy(),
		dedupWindow: DefaultDedupWindow,
		digest:      newDigestBatch(),
		deliverer:   deliverer,
		hub:         pubsub.NewHub[Notification](),
	}
}

// Subscribe registers a callback invoked with every notification change.
// Returns the unsubscribe handle.
func (e *Engine) Subscribe(fn func(Notification)) func() {
	return e.hub.Subscribe(fn)
}

// Preferences returns a copy of the active preferences.
func (e *Engine) Preferences() Preferences {
	return e.prefs.copy()
}

// ReplacePreferences swaps the preference set wholesale. Callers persist
// the new set first; on persistence failure they simply never call this,
// leaving the prior in-memory state intact.
func (e *Engine) ReplacePreferences(p Preferences) {
	e.prefs = p.copy()
}

// Ingest runs one notification-shaped event through the pipeline:
// category gate, project-subscription gate, keyword gate, deduplication,
// then quiet hours.
func (e *Engine) Ingest(in Incoming) (Notification, Outcome) {
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = e.clock.Now()
	}

	// 1. Category gate.
	if !e.prefs.Categories[in.Type] || len(e.prefs.EnabledChannels()) == 0 {
		return Notification{}, OutcomeDroppedCategory
	}

	// 2. Project-subscription gate. Direct mentions always pass.
	if in.Project != "" && !in.DirectMention && !e.prefs.Subscribed(in.Project) {
		return Notification{}, OutcomeDroppedProject
	}

	// 3. Keyword gate, only for mention/activity/system events. Direct
	// mentions always pass.
	if keywordGated(in.Type) && !in.DirectMention && !e.prefs.MatchesKeywords(in.Message) {
		return Notification{}, OutcomeDroppedKeyword
	}

	// 4. Deduplication: an identical unread notification within the
	// window absorbs this one.
	if existing := e.findUnreadDuplicate(in); existing != nil {
		return *existing, OutcomeMerged
	}

	// 5. Quiet-hours gate.
	quiet, err := e.prefs.QuietHours.Contains(in.Timestamp)
	if err != nil {
		e.logger.Warn("Quiet hours misconfigured, treating as disabled", "error", err)
		quiet = false
	}

	n := &Notification{
		ID:         e.ids.New(),
		Type:       in.Type,
		Title:      in.Title,
		Message:    in.Message,
		Priority:   in.Priority,
		UserID:     e.userID,
		CreatedAt:  in.Timestamp,
		ActionURL:  in.ActionURL,
		ActionText: in.ActionText,
		SubjectKey: in.SubjectKey,
	}

	outcome := OutcomeCreated
	channels := e.prefs.EnabledChannels()

	if quiet {
		urgent := in.Priority == PriorityHigh && (in.Type == TypeConflict || in.Type == TypeMention)
		if urgent {
			// Immediate in-app record; push and email stay suppressed.
			channels = intersect(channels, []Channel{ChannelInApp})
		} else {
			n.Deferred = true
			outcome = OutcomeCreatedDeferred
		}
	}

	e.items = append(e.items, n)
	e.hub.Publish(*n)

	if n.Deferred {
		e.digest.add(n.ID, e.nextFlushAt(in.Timestamp))
	} else {
		e.deliver(*n, channels)
	}

	return *n, outcome
}

// MarkRead flags the notification as read.
func (e *Engine) MarkRead(id string) error {
	n := e.find(id)
	if n == nil {
		return fmt.Errorf("%w: %q", ErrNotificationNotFound, id)
	}
	if !n.Read {
		now := e.clock.Now()
		n.Read = true
		n.ReadAt = &now
		e.hub.Publish(*n)
	}
	return nil
}

// MarkUnread clears the read flag.
func (e *Engine) MarkUnread(id string) error {
	n := e.find(id)
	if n == nil {
		return fmt.Errorf("%w: %q", ErrNotificationNotFound, id)
	}
	if n.Read {
		n.Read = false
		n.ReadAt = nil
		e.hub.Publish(*n)
	}
	return nil
}

// Dismiss removes the notification permanently.
func (e *Engine) Dismiss(id string) error {
	for i, n := range e.items {
		if n.ID == id {
			e.items = append(e.items[:i], e.items[i+1:]...)
			e.hub.Publish(*n)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotificationNotFound, id)
}

// List returns notifications for presentation: unread first (newest
// first), then read (newest first). Priority never affects ordering.
func (e *Engine) List() []Notification {
	out := make([]Notification, 0, len(e.items))
	for _, n := range e.items {
		out = append(out, *n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Read != out[j].Read {
			return !out[i].Read
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Badge returns the unread count.
func (e *Engine) Badge() int {
	count := 0
	for _, n := range e.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// HasUnreadHighPriority reports whether any unread notification carries
// high priority, used for the highlighted icon state.
func (e *Engine) HasUnreadHighPriority() bool {
	for _, n := range e.items {
		if !n.Read && n.Priority == PriorityHigh {
			return true
		}
	}
	return false
}

// FlushDigest delivers the pending digest as a single summary notification
// once its boundary has passed. Returns the summary, or nil when nothing
// was due.
func (e *Engine) FlushDigest(now time.Time) *Notification {
	ids := e.digest.due(now)
	if len(ids) == 0 {
		return nil
	}

	var titles []string
	for _, id := range ids {
		if n := e.find(id); n != nil {
			n.Deferred = false
			titles = append(titles, n.Title)
		}
	}
	if len(titles) == 0 {
		return nil
	}

	summary := &Notification{
		ID:        e.ids.New(),
		Type:      TypeSystem,
		Title:     fmt.Sprintf("Digest: %d notifications", len(titles)),
		Message:   digestMessage(titles),
		Priority:  PriorityLow,
		UserID:    e.userID,
		CreatedAt: now,
	}
	e.items = append(e.items, summary)
	e.hub.Publish(*summary)
	e.deliver(*summary, intersect(e.prefs.EnabledChannels(), []Channel{ChannelInApp, ChannelEmail}))
	return summary
}

func (e *Engine) deliver(n Notification, channels []Channel) {
	if e.deliverer == nil || len(channels) == 0 {
		return
	}
	if err := e.deliverer.Deliver(n, channels); err != nil {
		e.logger.Warn("Notification delivery failed", "id", n.ID, "error", err)
	}
}

func (e *Engine) find(id string) *Notification {
	for _, n := range e.items {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (e *Engine) findUnreadDuplicate(in Incoming) *Notification {
	if in.SubjectKey == "" {
		return nil
	}
	for _, n := range e.items {
		if !n.Read && n.Type == in.Type && n.SubjectKey == in.SubjectKey &&
			in.Timestamp.Sub(n.CreatedAt) < e.dedupWindow {
			return n
		}
	}
	return nil
}

func keywordGated(t Type) bool {
	return t == TypeMention || t == TypeActivity || t == TypeSystem
}

func intersect(a, b []Channel) []Channel {
	var out []Channel
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
			}
		}
	}
	return out
}
