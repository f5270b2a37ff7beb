// Package deploy owns the deployment status state machine: one record per
// deployment id, driven by transport events and user actions.
//
// States: pending -> building -> {success, failed, cancelled}. Terminal
// states never regress on transport events; only an explicit user retry or
// rollback starts a new attempt.
package deploy

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opsdeck/internal/clock"
	"opsdeck/internal/event"
	"opsdeck/internal/pubsub"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further automatic transition can occur.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Environment is the deployment target tier.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

var (
	// ErrNotFound is returned for operations on unknown deployment ids.
	ErrNotFound = errors.New("deployment not found")

	// ErrStaleEvent marks a transport event that would regress a terminal
	// state. The event is ignored and the record unchanged.
	ErrStaleEvent = errors.New("stale event ignored")

	// ErrInvalidTransition marks a transition outside the state machine's
	// transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStillBuilding rejects a retry requested while a deployment for
	// the same project and environment is still in flight.
	ErrStillBuilding = errors.New("deployment still in progress")

	// ErrNotRetryable rejects a retry of a deployment that is not in a
	// failed or cancelled state.
	ErrNotRetryable = errors.New("deployment is not failed or cancelled")

	// ErrNotRollbackable rejects a rollback of a deployment that never
	// succeeded.
	ErrNotRollbackable = errors.New("deployment did not succeed")

	// ErrMissingError marks a failure event delivered without an error
	// message, which the transport contract requires.
	ErrMissingError = errors.New("failure event missing error message")
)

// Record is the full state of one deployment attempt.
//
// Invariants: CompletedAt is set iff Status is terminal; Error is set iff
// Status is failed. Logs are ordered and append-only.
type Record struct {
	ID          string      `json:"id"`
	Project     string      `json:"project"`
	Branch      string      `json:"branch"`
	Commit      string      `json:"commit"`
	Author      string      `json:"author"`
	Message     string      `json:"message,omitempty"`
	Environment Environment `json:"environment"`
	Status      Status      `json:"status"`
	Trigger     string      `json:"trigger"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Duration    float64     `json:"durationSeconds,omitempty"`
	Logs        []string    `json:"logs,omitempty"`
	Error       *string     `json:"error,omitempty"`
	URL         *string     `json:"url,omitempty"`
	Attempt     int         `json:"attempt"`
	RollbackOf  string      `json:"rollbackOf,omitempty"`
}

// Tracker owns one state machine per deployment id.
type Tracker struct {
	clock  clock.Clock
	ids    clock.IDGenerator
	logger *slog.Logger

	// allowConcurrent lifts the one-in-flight rule for a project.
	allowConcurrent map[string]bool

	records map[string]*Record
	order   []string // creation order, for stable listing
	guard   *slotGuard
	queued  map[slotKey][]*Record
	hub     *pubsub.Hub[Record]

	// StaleEvents counts transport events ignored as stale.
	StaleEvents int
}

// NewTracker creates a tracker. allowConcurrent maps project names that
// permit concurrent builds per environment; it may be nil.
func NewTracker(clk clock.Clock, ids clock.IDGenerator, logger *slog.Logger, allowConcurrent map[string]bool) *Tracker {
	return &Tracker{
		clock:           clk,
		ids:             ids,
		logger:          logger,
		allowConcurrent: allowConcurrent,
		records:         make(map[string]*Record),
		guard:           newSlotGuard(),
		queued:          make(map[slotKey][]*Record),
		hub:             pubsub.NewHub[Record](),
	}
}

// Subscribe registers a callback invoked with a copy of every record that
// changes. Returns the unsubscribe handle.
func (t *Tracker) Subscribe(fn func(Record)) func() {
	return t.hub.Subscribe(fn)
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Snapshot returns copies of all records in creation order.
func (t *Tracker) Snapshot() []Record {
	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyRecord(t.records[id]))
	}
	return out
}

// Queued returns copies of deployments waiting for their concurrency slot,
// oldest first.
func (t *Tracker) Queued() []Record {
	var out []Record
	for _, q := range t.queued {
		for _, rec := range q {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

// ApplyTriggered creates a new deployment record for a trigger event. If
// another deployment is in flight for the same project and environment the
// new record is queued as a follow-up, not merged into the in-flight one.
func (t *Tracker) ApplyTriggered(ev event.DeploymentTriggered) error {
	if _, exists := t.records[ev.ID]; exists || t.isQueued(ev.ID) {
		t.StaleEvents++
		t.logger.Info("Ignoring trigger for existing deployment", "id", ev.ID)
		return fmt.Errorf("%w: trigger for existing id %q", ErrStaleEvent, ev.ID)
	}

	rec := &Record{
		ID:          ev.ID,
		Project:     ev.Project,
		Branch:      ev.Branch,
		Commit:      ev.Commit,
		Author:      ev.Author,
		Message:     ev.Message,
		Environment: environmentOrDefault(ev.Environment),
		Status:      StatusPending,
		Trigger:     ev.Trigger,
		StartedAt:   ev.Timestamp,
		Attempt:     1,
	}

	t.admit(rec)
	return nil
}

// ApplyStatus applies a transport status event to the record's state
// machine. Events that would regress a terminal state are ignored with
// ErrStaleEvent; repeated terminal events are idempotent no-ops.
func (t *Tracker) ApplyStatus(ev event.DeploymentStatus) error {
	status := Status(ev.Status)

	rec, exists := t.records[ev.ID]
	if !exists {
		if t.isQueued(ev.ID) {
			// The record is still waiting for its concurrency slot;
			// transitions only apply once it is admitted.
			t.StaleEvents++
			t.logger.Info("Ignoring status for queued deployment", "id", ev.ID, "status", status)
			return fmt.Errorf("%w: %q is queued", ErrStaleEvent, ev.ID)
		}
		// Records are created on the first pending or building event.
		if status.Terminal() {
			t.StaleEvents++
			t.logger.Info("Ignoring terminal status for unknown deployment", "id", ev.ID, "status", status)
			return fmt.Errorf("%w: %q", ErrNotFound, ev.ID)
		}
		rec = &Record{
			ID:          ev.ID,
			Project:     ev.Project,
			Branch:      ev.Branch,
			Commit:      ev.Commit,
			Environment: environmentOrDefault(ev.Environment),
			Status:      StatusPending,
			Trigger:     "webhook",
			StartedAt:   ev.Timestamp,
			Attempt:     1,
		}
		t.admit(rec)
		if _, admitted := t.records[rec.ID]; !admitted {
			// Queued instead of admitted; nothing more to transition.
			return nil
		}
		if status == StatusPending {
			return nil
		}
	}

	if rec.Status == status {
		// Idempotent redelivery of the current state.
		return nil
	}

	if rec.Status.Terminal() {
		t.StaleEvents++
		t.logger.Info("Ignoring event that would regress terminal state",
			"id", ev.ID, "current", rec.Status, "incoming", status)
		return fmt.Errorf("%w: %s is terminal", ErrStaleEvent, rec.Status)
	}

	switch status {
	case StatusBuilding:
		if rec.Status != StatusPending {
			return t.invalidTransition(rec, status)
		}
		rec.Status = StatusBuilding

	case StatusSuccess:
		// A success straight from pending means the building progress
		// event was lost; the transition is still forward.
		rec.Status = StatusSuccess
		t.complete(rec, ev.Timestamp)
		if ev.URL != "" {
			url := ev.URL
			rec.URL = &url
		}

	case StatusFailed:
		if ev.Error == "" {
			return fmt.Errorf("%w: deployment %q", ErrMissingError, ev.ID)
		}
		rec.Status = StatusFailed
		t.complete(rec, ev.Timestamp)
		// Transport failures are reported verbatim.
		msg := ev.Error
		rec.Error = &msg

	case StatusCancelled:
		// Cancellation is user-initiated, never transport-delivered.
		return t.invalidTransition(rec, status)

	default:
		return t.invalidTransition(rec, status)
	}

	rec.Logs = append(rec.Logs, ev.Logs...)
	t.hub.Publish(copyRecord(rec))
	return nil
}

// Cancel is the user-initiated cancellation of a pending or building
// deployment.
func (t *Tracker) Cancel(id string) error {
	rec, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if rec.Status != StatusPending && rec.Status != StatusBuilding {
		return fmt.Errorf("%w: cannot cancel %s deployment", ErrInvalidTransition, rec.Status)
	}

	rec.Status = StatusCancelled
	t.complete(rec, t.clock.Now())
	t.hub.Publish(copyRecord(rec))
	return nil
}

// Retry restarts a failed or cancelled deployment as a logically new
// attempt under the same id. Rejected while another deployment holds the
// slot for that project and environment.
func (t *Tracker) Retry(id string) error {
	rec, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if rec.Status != StatusFailed && rec.Status != StatusCancelled {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, rec.Status)
	}

	key := t.slotFor(rec)
	if !t.allowed(rec.Project) {
		if holder, busy := t.guard.holder(key); busy && holder != id {
			return fmt.Errorf("%w: %s/%s occupied by %s", ErrStillBuilding, rec.Project, rec.Environment, holder)
		}
	}

	rec.Status = StatusPending
	rec.Attempt++
	rec.StartedAt = t.clock.Now()
	rec.CompletedAt = nil
	rec.Duration = 0
	rec.Error = nil
	rec.URL = nil
	rec.Logs = nil

	if !t.allowed(rec.Project) {
		t.guard.tryAcquire(key, id)
	}
	t.hub.Publish(copyRecord(rec))
	return nil
}

// Rollback models a rollback of a succeeded deployment as a new record
// referencing the target commit; the original record is never mutated.
// Returns the new record's id.
func (t *Tracker) Rollback(id string) (string, error) {
	target, ok := t.records[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if target.Status != StatusSuccess {
		return "", fmt.Errorf("%w: status is %s", ErrNotRollbackable, target.Status)
	}

	rec := &Record{
		ID:          t.ids.New(),
		Project:     target.Project,
		Branch:      target.Branch,
		Commit:      target.Commit,
		Author:      target.Author,
		Environment: target.Environment,
		Status:      StatusPending,
		Trigger:     "rollback",
		StartedAt:   t.clock.Now(),
		Attempt:     1,
		RollbackOf:  target.ID,
	}

	t.admit(rec)
	return rec.ID, nil
}

// admit places a new pending record into the tracker, queueing it when the
// concurrency slot for its project and environment is occupied.
func (t *Tracker) admit(rec *Record) {
	key := t.slotFor(rec)

	if !t.allowed(rec.Project) && !t.guard.tryAcquire(key, rec.ID) {
		t.queued[key] = append(t.queued[key], rec)
		t.logger.Info("Deployment queued behind in-flight build",
			"id", rec.ID, "project", rec.Project, "environment", rec.Environment)
		return
	}

	t.records[rec.ID] = rec
	t.order = append(t.order, rec.ID)
	t.hub.Publish(copyRecord(rec))
}

// complete stamps the terminal bookkeeping and frees the concurrency slot,
// admitting the next queued follow-up if one is waiting.
func (t *Tracker) complete(rec *Record, at time.Time) {
	completed := at
	if completed.Before(rec.StartedAt) {
		completed = rec.StartedAt
	}
	rec.CompletedAt = &completed
	rec.Duration = completed.Sub(rec.StartedAt).Seconds()

	key := t.slotFor(rec)
	t.guard.release(key, rec.ID)

	if q := t.queued[key]; len(q) > 0 {
		next := q[0]
		t.queued[key] = q[1:]
		if len(t.queued[key]) == 0 {
			delete(t.queued, key)
		}
		t.admit(next)
	}
}

func (t *Tracker) invalidTransition(rec *Record, to Status) error {
	t.StaleEvents++
	t.logger.Info("Ignoring invalid transition", "id", rec.ID, "from", rec.Status, "to", to)
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
}

func (t *Tracker) isQueued(id string) bool {
	for _, q := range t.queued {
		for _, rec := range q {
			if rec.ID == id {
				return true
			}
		}
	}
	return false
}

func (t *Tracker) slotFor(rec *Record) slotKey {
	return slotKey{Project: rec.Project, Environment: rec.Environment}
}

func (t *Tracker) allowed(project string) bool {
	return t.allowConcurrent[project]
}

func environmentOrDefault(env string) Environment {
	if env == "" {
		return EnvProduction
	}
	return Environment(env)
}

func copyRecord(rec *Record) Record {
	out := *rec
	if rec.Logs != nil {
		out.Logs = append([]string(nil), rec.Logs...)
	}
	if rec.CompletedAt != nil {
		ts := *rec.CompletedAt
		out.CompletedAt = &ts
	}
	if rec.Error != nil {
		msg := *rec.Error
		out.Error = &msg
	}
	if rec.URL != nil {
		u := *rec.URL
		out.URL = &u
	}
	return out
}
