package engine

import (
	"context"
	"fmt"

	"opsdeck/internal/collab"
	"opsdeck/internal/deploy"
	"opsdeck/internal/notify"
	"opsdeck/internal/presence"
	"opsdeck/internal/store"
)

// User-invoked operations and queries. Each call is funneled into the
// dispatch loop so it observes and mutates engine state atomically with
// respect to event processing. Persistence happens on the caller's
// goroutine before the in-memory apply: a failed save leaves the engine
// unchanged.

// SavePreferences persists the new preference set and then swaps it in
// wholesale. On persistence failure the in-memory preferences are left
// untouched and the error is returned.
func (e *Engine) SavePreferences(ctx context.Context, prefs notify.Preferences) error {
	if e.store != nil {
		if err := e.store.SavePreferences(ctx, e.userID, prefs); err != nil {
			return fmt.Errorf("failed to persist preferences: %w", err)
		}
	}
	e.do(func() { e.notifications.ReplacePreferences(prefs) })
	return nil
}

// Preferences returns a copy of the active preference set.
func (e *Engine) Preferences() notify.Preferences {
	var out notify.Preferences
	e.do(func() { out = e.notifications.Preferences() })
	return out
}

// RetryDeployment restarts a failed or cancelled deployment and logs the
// action. The action log records the request, not its outcome.
func (e *Engine) RetryDeployment(ctx context.Context, id, actor string) error {
	if err := e.logAction(ctx, id, store.ActionRetry, actor); err != nil {
		return err
	}
	var err error
	e.do(func() { err = e.deployments.Retry(id) })
	return err
}

// CancelDeployment cancels a pending or building deployment and logs the
// action.
func (e *Engine) CancelDeployment(ctx context.Context, id, actor string) error {
	if err := e.logAction(ctx, id, store.ActionCancel, actor); err != nil {
		return err
	}
	var err error
	e.do(func() {
		if err = e.deployments.Cancel(id); err != nil {
			return
		}
		e.onDeploymentTerminal(id)
	})
	return err
}

// RollbackDeployment starts a rollback of a succeeded deployment and
// returns the id of the new record.
func (e *Engine) RollbackDeployment(ctx context.Context, id, actor string) (string, error) {
	if err := e.logAction(ctx, id, store.ActionRollback, actor); err != nil {
		return "", err
	}
	var (
		newID string
		err   error
	)
	e.do(func() { newID, err = e.deployments.Rollback(id) })
	return newID, err
}

func (e *Engine) logAction(ctx context.Context, id string, action store.Action, actor string) error {
	if e.store == nil {
		return nil
	}
	if _, err := e.store.RecordAction(ctx, id, action, actor); err != nil {
		return fmt.Errorf("failed to record %s action: %w", action, err)
	}
	return nil
}

// Deployments returns all deployment records in creation order.
func (e *Engine) Deployments() []deploy.Record {
	var out []deploy.Record
	e.do(func() { out = e.deployments.Snapshot() })
	return out
}

// Deployment returns the record for id.
func (e *Engine) Deployment(id string) (deploy.Record, bool) {
	var (
		rec deploy.Record
		ok  bool
	)
	e.do(func() { rec, ok = e.deployments.Get(id) })
	return rec, ok
}

// QueuedDeployments returns deployments waiting for a concurrency slot.
func (e *Engine) QueuedDeployments() []deploy.Record {
	var out []deploy.Record
	e.do(func() { out = e.deployments.Queued() })
	return out
}

// Presence returns the current presence entries for a project.
func (e *Engine) Presence(project string) []presence.Entry {
	var out []presence.Entry
	e.do(func() { out = e.presence.Snapshot(project) })
	return out
}

// Conflicts returns the derived editing conflicts for a project.
func (e *Engine) Conflicts(project string) []presence.Conflict {
	var out []presence.Conflict
	e.do(func() { out = e.presence.Conflicts(project) })
	return out
}

// Sessions returns all collaboration sessions.
func (e *Engine) Sessions() []collab.Session {
	var out []collab.Session
	e.do(func() { out = e.sessions.Snapshot() })
	return out
}

// Session returns the session with the given id.
func (e *Engine) Session(id string) (collab.Session, bool) {
	var (
		s  collab.Session
		ok bool
	)
	e.do(func() { s, ok = e.sessions.Get(id) })
	return s, ok
}

// OpenSession creates a collaboration session owned by ownerID and invites
// the listed users. Rejections (duplicate id) surface as typed errors.
func (e *Engine) OpenSession(sessionID, project, filePath, ownerID string, invitees []string) (collab.Session, error) {
	var (
		s   collab.Session
		err error
	)
	e.do(func() { s, err = e.applyInvite(sessionID, project, filePath, ownerID, invitees, e.clock.Now()) })
	return s, err
}

// AcceptSession marks userID active in the session and returns the updated
// session state.
func (e *Engine) AcceptSession(sessionID, userID string) (collab.Session, error) {
	return e.sessionOp(sessionID, func() error { return e.sessions.Accept(sessionID, userID) })
}

// DeclineSession marks userID declined.
func (e *Engine) DeclineSession(sessionID, userID string) (collab.Session, error) {
	return e.sessionOp(sessionID, func() error { return e.sessions.Decline(sessionID, userID) })
}

// LeaveSession removes userID from the session.
func (e *Engine) LeaveSession(sessionID, userID string) (collab.Session, error) {
	return e.sessionOp(sessionID, func() error { return e.sessions.Leave(sessionID, userID) })
}

// CloseSession ends the session. Only the owner may close it.
func (e *Engine) CloseSession(sessionID, userID string) (collab.Session, error) {
	return e.sessionOp(sessionID, func() error { return e.sessions.Close(sessionID, userID) })
}

// EditSession replaces the shared buffer with content on behalf of userID.
func (e *Engine) EditSession(sessionID, userID, content string) (collab.Session, error) {
	return e.sessionOp(sessionID, func() error { return e.sessions.ApplyEdit(sessionID, userID, content) })
}

// MoveSessionCursor updates userID's cursor position.
func (e *Engine) MoveSessionCursor(sessionID, userID string, position int) (collab.Session, error) {
	return e.sessionOp(sessionID, func() error { return e.sessions.UpdateCursor(sessionID, userID, position) })
}

// sessionOp runs a session mutation inside the dispatch loop and reads the
// resulting session state in the same step. op must only touch e.sessions.
func (e *Engine) sessionOp(sessionID string, op func() error) (collab.Session, error) {
	var (
		s   collab.Session
		err error
	)
	e.do(func() {
		if err = op(); err != nil {
			return
		}
		s, _ = e.sessions.Get(sessionID)
	})
	return s, err
}

// Notifications returns the notification list in presentation order.
func (e *Engine) Notifications() []notify.Notification {
	var out []notify.Notification
	e.do(func() { out = e.notifications.List() })
	return out
}

// Badge returns the unread notification count and whether any unread
// notification is high priority.
func (e *Engine) Badge() (count int, urgent bool) {
	e.do(func() {
		count = e.notifications.Badge()
		urgent = e.notifications.HasUnreadHighPriority()
	})
	return count, urgent
}

// MarkNotificationRead flags a notification as read.
func (e *Engine) MarkNotificationRead(id string) error {
	var err error
	e.do(func() { err = e.notifications.MarkRead(id) })
	return err
}

// MarkNotificationUnread clears a notification's read flag.
func (e *Engine) MarkNotificationUnread(id string) error {
	var err error
	e.do(func() { err = e.notifications.MarkUnread(id) })
	return err
}

// DismissNotification removes a notification permanently.
func (e *Engine) DismissNotification(id string) error {
	var err error
	e.do(func() { err = e.notifications.Dismiss(id) })
	return err
}

// SubscribeDeployments registers fn for every deployment record change.
// fn runs inside the dispatch loop and must not block.
func (e *Engine) SubscribeDeployments(fn func(deploy.Record)) func() {
	var unsub func()
	e.do(func() { unsub = e.deployments.Subscribe(fn) })
	return func() { e.do(func() { unsub() }) }
}

// SubscribePresence registers fn for every presence entry change.
func (e *Engine) SubscribePresence(fn func(presence.Entry)) func() {
	var unsub func()
	e.do(func() { unsub = e.presence.Subscribe(fn) })
	return func() { e.do(func() { unsub() }) }
}

// SubscribeSessions registers fn for every session change.
func (e *Engine) SubscribeSessions(fn func(collab.Session)) func() {
	var unsub func()
	e.do(func() { unsub = e.sessions.Subscribe(fn) })
	return func() { e.do(func() { unsub() }) }
}

// SubscribeNotifications registers fn for every notification change.
func (e *Engine) SubscribeNotifications(fn func(notify.Notification)) func() {
	var unsub func()
	e.do(func() { unsub = e.notifications.Subscribe(fn) })
	return func() { e.do(func() { unsub() }) }
}
