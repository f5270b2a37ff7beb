// Package engine runs the coordination loop: one logical event consumer
// per connected client session. All component state is owned by a single
// dispatch goroutine; transport messages and user-invoked operations are
// funneled into it, so processing one event is atomic with respect to the
// engine's in-memory state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opsdeck/internal/clock"
	"opsdeck/internal/collab"
	"opsdeck/internal/deploy"
	"opsdeck/internal/event"
	"opsdeck/internal/notify"
	"opsdeck/internal/presence"
	"opsdeck/internal/store"
)

// Store is the persistence collaborator. Calls happen outside the dispatch
// loop so a slow save never stalls event ingestion.
type Store interface {
	SavePreferences(ctx context.Context, userID string, prefs notify.Preferences) error
	RecordDeployment(ctx context.Context, rec deploy.Record) error
	RecordAction(ctx context.Context, deploymentID string, action store.Action, actor string) (int64, error)
}

// Options configures one engine instance.
type Options struct {
	UserID          string
	Preferences     notify.Preferences
	PresenceTimeout time.Duration
	AllowConcurrent map[string]bool
	Deliverer       notify.Deliverer
	Store           Store // may be nil
	TickInterval    time.Duration
	Clock           clock.Clock
	IDs             clock.IDGenerator
	Logger          *slog.Logger
}

// DefaultTickInterval drives presence expiry and digest flushing.
const DefaultTickInterval = 15 * time.Second

type message struct {
	raw []byte
	env *event.Envelope
	op  func()
}

// Engine owns the ingestor and the four consumers behind a single
// dispatch loop.
type Engine struct {
	logger *slog.Logger
	clock  clock.Clock
	userID string

	ingestor      *event.Ingestor
	deployments   *deploy.Tracker
	presence      *presence.Tracker
	sessions      *collab.Manager
	notifications *notify.Engine

	store Store
	tick  time.Duration

	inbox chan message
	done  chan struct{}
	saves sync.WaitGroup

	// knownConflicts remembers which (project, location) conflicts have
	// already produced a notification, so only newly formed conflicts
	// alert.
	knownConflicts map[string]map[string]bool
}

// New assembles an engine from its dependencies.
func New(opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.IDs == nil {
		opts.IDs = clock.UUIDGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}

	ingestor, err := event.NewIngestor(opts.Clock, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build ingestor: %w", err)
	}

	return &Engine{
		logger:         opts.Logger,
		clock:          opts.Clock,
		userID:         opts.UserID,
		ingestor:       ingestor,
		deployments:    deploy.NewTracker(opts.Clock, opts.IDs, opts.Logger, opts.AllowConcurrent),
		presence:       presence.NewTracker(opts.Clock, opts.PresenceTimeout),
		sessions:       collab.NewManager(opts.Clock, opts.IDs),
		notifications:  notify.NewEngine(opts.Clock, opts.IDs, opts.Logger, opts.UserID, opts.Preferences, opts.Deliverer),
		store:          opts.Store,
		tick:           opts.TickInterval,
		inbox:          make(chan message, 256),
		done:           make(chan struct{}),
		knownConflicts: make(map[string]map[string]bool),
	}, nil
}

// Run dispatches until ctx is cancelled. It must be called exactly once.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.saves.Wait()
			return
		case msg := <-e.inbox:
			e.dispatch(msg)
		case <-ticker.C:
			e.onTick(e.clock.Now())
		}
	}
}

// Process queues one raw transport message for ingestion.
func (e *Engine) Process(raw []byte) {
	select {
	case e.inbox <- message{raw: raw}:
	case <-e.done:
	}
}

// ProcessEnvelope queues an already-decoded envelope, used by transport
// adapters such as the webhook translator.
func (e *Engine) ProcessEnvelope(env event.Envelope) {
	select {
	case e.inbox <- message{env: &env}:
	case <-e.done:
	}
}

// do funnels fn into the dispatch loop and waits for it to complete. The
// inbox is buffered, so a send can succeed after the loop has already
// exited; the second select keeps the caller from waiting on an op that
// will never be dispatched.
func (e *Engine) do(fn func()) {
	ran := make(chan struct{})
	select {
	case e.inbox <- message{op: func() {
		fn()
		close(ran)
	}}:
		select {
		case <-ran:
		case <-e.done:
		}
	case <-e.done:
	}
}

func (e *Engine) dispatch(msg message) {
	switch {
	case msg.op != nil:
		msg.op()
	case msg.env != nil:
		ev, err := e.ingestor.IngestEnvelope(*msg.env)
		e.routeEvent(ev, err)
	default:
		ev, err := e.ingestor.Ingest(msg.raw)
		e.routeEvent(ev, err)
	}
}

func (e *Engine) routeEvent(ev event.Event, err error) {
	if err != nil {
		switch {
		case errors.Is(err, event.ErrDuplicate):
			e.logger.Debug("Dropped duplicate event", "error", err)
		default:
			e.logger.Warn("Discarded event", "error", err)
		}
		return
	}
	e.handleEvent(ev)
}

func (e *Engine) handleEvent(ev event.Event) {
	switch ev := ev.(type) {
	case event.DeploymentTriggered:
		if err := e.deployments.ApplyTriggered(ev); err != nil {
			e.logger.Info("Deployment trigger ignored", "id", ev.ID, "error", err)
		}

	case event.DeploymentStatus:
		if err := e.deployments.ApplyStatus(ev); err != nil {
			e.logger.Info("Deployment status ignored", "id", ev.ID, "error", err)
			return
		}
		if deploy.Status(ev.Status).Terminal() {
			e.onDeploymentTerminal(ev.ID)
		}

	case event.UserActivity:
		e.presence.RecordActivity(ev.Project, ev.UserID, ev.Location, presence.Action(ev.Action), ev.Timestamp)
		e.checkConflicts(ev.Project)

	case event.Mention:
		if ev.UserID != e.userID {
			return
		}
		e.notifications.Ingest(notify.Incoming{
			Type:          notify.TypeMention,
			Project:       ev.Project,
			Title:         fmt.Sprintf("%s mentioned you", ev.Actor),
			Message:       ev.Message,
			Priority:      notify.PriorityHigh,
			SubjectKey:    "mention/" + ev.Actor + "/" + ev.Location,
			DirectMention: true,
			Timestamp:     ev.Timestamp,
		})

	case event.RoleChange:
		if ev.UserID != e.userID {
			return
		}
		e.notifications.Ingest(notify.Incoming{
			Type:       notify.TypeSystem,
			Project:    ev.Project,
			Title:      "Your role changed",
			Message:    fmt.Sprintf("You are now %s on %s", ev.Role, ev.Project),
			Priority:   notify.PriorityMedium,
			SubjectKey: "role/" + ev.Project,
			Timestamp:  ev.Timestamp,
			// Role changes address this user directly, so they bypass
			// subscription and keyword gates like mentions do.
			DirectMention: true,
		})

	case event.System:
		priority := notify.Priority(ev.Priority)
		if priority == "" {
			priority = notify.PriorityLow
		}
		e.notifications.Ingest(notify.Incoming{
			Type:       notify.TypeSystem,
			Title:      ev.Title,
			Message:    ev.Message,
			Priority:   priority,
			SubjectKey: "system/" + ev.Title,
			Timestamp:  ev.Timestamp,
		})

	case event.CollabInvite:
		if _, err := e.applyInvite(ev.SessionID, ev.Project, ev.FilePath, ev.OwnerID, ev.Invitees, ev.Timestamp); err != nil {
			e.logger.Info("Session invite rejected", "session", ev.SessionID, "error", err)
		}

	case event.CollabMember:
		var err error
		switch ev.Verb {
		case event.TypeCollabAccept:
			err = e.sessions.Accept(ev.SessionID, ev.UserID)
		case event.TypeCollabDecline:
			err = e.sessions.Decline(ev.SessionID, ev.UserID)
		case event.TypeCollabLeave:
			err = e.sessions.Leave(ev.SessionID, ev.UserID)
		case event.TypeCollabClose:
			err = e.sessions.Close(ev.SessionID, ev.UserID)
		}
		if err != nil {
			e.logger.Info("Session operation rejected", "session", ev.SessionID, "verb", ev.Verb, "error", err)
		}

	case event.CollabEdit:
		if err := e.sessions.ApplyEdit(ev.SessionID, ev.UserID, ev.Content); err != nil {
			e.logger.Info("Session edit rejected", "session", ev.SessionID, "error", err)
		}

	case event.CollabCursor:
		if err := e.sessions.UpdateCursor(ev.SessionID, ev.UserID, ev.Position); err != nil {
			e.logger.Info("Cursor update rejected", "session", ev.SessionID, "error", err)
		}
	}
}

// applyInvite creates the session and, when this user is among the
// invitees, raises the invite notification. Runs inside the dispatch loop.
func (e *Engine) applyInvite(sessionID, project, filePath, ownerID string, invitees []string, ts time.Time) (collab.Session, error) {
	s, err := e.sessions.Invite(sessionID, project, filePath, ownerID, invitees)
	if err != nil {
		return collab.Session{}, err
	}
	for _, invitee := range invitees {
		if invitee != e.userID {
			continue
		}
		e.notifications.Ingest(notify.Incoming{
			Type:          notify.TypeActivity,
			Project:       project,
			Title:         fmt.Sprintf("%s invited you to edit %s", ownerID, filePath),
			Message:       fmt.Sprintf("Collaboration session on %s", filePath),
			Priority:      notify.PriorityMedium,
			SubjectKey:    "session/" + s.ID,
			DirectMention: true,
			Timestamp:     ts,
		})
	}
	return s, nil
}

// onDeploymentTerminal persists the terminal snapshot and raises the
// deployment notification. The store write runs off-loop.
func (e *Engine) onDeploymentTerminal(id string) {
	rec, ok := e.deployments.Get(id)
	if !ok {
		return
	}

	if e.store != nil {
		e.saves.Add(1)
		go func() {
			defer e.saves.Done()
			if err := e.store.RecordDeployment(context.Background(), rec); err != nil {
				e.logger.Error("Failed to persist deployment record", "id", rec.ID, "error", err)
			}
		}()
	}

	in := notify.Incoming{
		Type:       notify.TypeDeployment,
		Project:    rec.Project,
		SubjectKey: fmt.Sprintf("deployment/%s/%d", rec.ID, rec.Attempt),
		Timestamp:  e.clock.Now(),
	}
	switch rec.Status {
	case deploy.StatusSuccess:
		in.Title = fmt.Sprintf("Deployed %s to %s", rec.Project, rec.Environment)
		in.Message = fmt.Sprintf("Branch %s (%s) is live", rec.Branch, shortCommit(rec.Commit))
		in.Priority = notify.PriorityMedium
		if rec.URL != nil {
			in.ActionURL = *rec.URL
			in.ActionText = "Open"
		}
	case deploy.StatusFailed:
		in.Title = fmt.Sprintf("Deployment of %s failed", rec.Project)
		in.Priority = notify.PriorityHigh
		if rec.Error != nil {
			// Failure text is surfaced verbatim.
			in.Message = *rec.Error
		}
	case deploy.StatusCancelled:
		in.Title = fmt.Sprintf("Deployment of %s cancelled", rec.Project)
		in.Message = fmt.Sprintf("Branch %s (%s)", rec.Branch, shortCommit(rec.Commit))
		in.Priority = notify.PriorityLow
	}
	e.notifications.Ingest(in)
}

// checkConflicts compares the derived conflict set for a project against
// the previously known one and alerts on newly formed conflicts involving
// this user.
func (e *Engine) checkConflicts(project string) {
	current := e.presence.Conflicts(project)

	seen := make(map[string]bool, len(current))
	known := e.knownConflicts[project]
	if known == nil {
		known = make(map[string]bool)
		e.knownConflicts[project] = known
	}

	for _, c := range current {
		seen[c.Location] = true
		if known[c.Location] {
			continue
		}
		known[c.Location] = true

		if !containsUser(c.UserIDs, e.userID) {
			continue
		}
		others := withoutUser(c.UserIDs, e.userID)
		e.notifications.Ingest(notify.Incoming{
			Type:          notify.TypeConflict,
			Project:       project,
			Title:         fmt.Sprintf("Editing conflict in %s", c.Location),
			Message:       fmt.Sprintf("Also editing: %s", joinUsers(others)),
			Priority:      notify.PriorityHigh,
			SubjectKey:    "conflict/" + project + "/" + c.Location,
			DirectMention: true,
			Timestamp:     e.clock.Now(),
		})
	}

	// Conflicts are resolved the instant their partition shrinks below
	// two; forget them so a re-formed conflict alerts again.
	for location := range known {
		if !seen[location] {
			delete(known, location)
		}
	}
}

func (e *Engine) onTick(now time.Time) {
	if removed := e.presence.Expire(now); removed > 0 {
		for project := range e.knownConflicts {
			e.checkConflicts(project)
		}
	}
	e.notifications.FlushDigest(now)
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

func containsUser(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}

func withoutUser(users []string, id string) []string {
	var out []string
	for _, u := range users {
		if u != id {
			out = append(out, u)
		}
	}
	return out
}

func joinUsers(users []string) string {
	switch len(users) {
	case 0:
		return "another user"
	case 1:
		return users[0]
	default:
		out := users[0]
		for _, u := range users[1:] {
			out += ", " + u
		}
		return out
	}
}
