// Package collab manages shared-buffer editing sessions: invites,
// participant state, last-writer-wins buffer content and remote cursors.
//
// The merge model is deliberately whole-buffer last-writer-wins; there is
// no operational transform or character-level merge.
package collab

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"opsdeck/internal/clock"
	"opsdeck/internal/pubsub"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateInvited SessionState = "invited"
	StateActive  SessionState = "active"
	StateEnded   SessionState = "ended"
)

// ParticipantState is one user's standing within a session.
type ParticipantState string

const (
	ParticipantInvited  ParticipantState = "invited"
	ParticipantActive   ParticipantState = "active"
	ParticipantDeclined ParticipantState = "declined"
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists rejects an invite that reuses a known session id.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotActive rejects edits and cursor updates against a
	// session that is still invited or already ended.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrNotParticipant rejects operations from users outside the session.
	ErrNotParticipant = errors.New("user is not a session participant")

	// ErrParticipantNotActive rejects edits from invited or declined
	// participants.
	ErrParticipantNotActive = errors.New("participant has not accepted the invite")

	// ErrNotOwner rejects a close request from anyone but the owner.
	ErrNotOwner = errors.New("only the session owner may close it")
)

// Session is one shared-buffer editing session.
type Session struct {
	ID           string                      `json:"id"`
	Project      string                      `json:"project"`
	FilePath     string                      `json:"filePath"`
	OwnerID      string                      `json:"ownerId"`
	State        SessionState                `json:"state"`
	Participants map[string]ParticipantState `json:"participants"`
	Buffer       string                      `json:"buffer"`
	LastEditor   string                      `json:"lastEditor,omitempty"`
	Cursors      map[string]int              `json:"cursors"`
	CreatedAt    time.Time                   `json:"createdAt"`
	EndedAt      *time.Time                  `json:"endedAt,omitempty"`
}

// Manager owns the state machine for every session.
type Manager struct {
	clock    clock.Clock
	ids      clock.IDGenerator
	sessions map[string]*Session
	hub      *pubsub.Hub[Session]
}

// NewManager creates an empty session manager.
func NewManager(clk clock.Clock, ids clock.IDGenerator) *Manager {
	return &Manager{
		clock:    clk,
		ids:      ids,
		sessions: make(map[string]*Session),
		hub:      pubsub.NewHub[Session](),
	}
}

// Subscribe registers a callback invoked with a copy of every session that
// changes. Returns the unsubscribe handle.
func (m *Manager) Subscribe(fn func(Session)) func() {
	return m.hub.Subscribe(fn)
}

// Invite creates a session in the invited state. The owner is an active
// participant from the start; invitees must accept before they can edit.
// An empty sessionID gets a generated one.
func (m *Manager) Invite(sessionID, project, filePath, ownerID string, invitees []string) (Session, error) {
	if sessionID == "" {
		sessionID = m.ids.New()
	}
	if _, exists := m.sessions[sessionID]; exists {
		return Session{}, fmt.Errorf("%w: %q", ErrSessionExists, sessionID)
	}

	participants := map[string]ParticipantState{ownerID: ParticipantActive}
	for _, userID := range invitees {
		if userID == ownerID {
			continue
		}
		participants[userID] = ParticipantInvited
	}

	s := &Session{
		ID:           sessionID,
		Project:      project,
		FilePath:     filePath,
		OwnerID:      ownerID,
		State:        StateInvited,
		Participants: participants,
		Cursors:      make(map[string]int),
		CreatedAt:    m.clock.Now(),
	}
	m.sessions[sessionID] = s
	m.publish(s)
	return copySession(s), nil
}

// Accept marks the invitee active. The first accept transitions the
// session itself to active.
func (m *Manager) Accept(sessionID, userID string) error {
	s, err := m.openSession(sessionID)
	if err != nil {
		return err
	}
	state, ok := s.Participants[userID]
	if !ok {
		return fmt.Errorf("%w: %q in session %q", ErrNotParticipant, userID, sessionID)
	}
	if state == ParticipantActive {
		return nil
	}

	s.Participants[userID] = ParticipantActive
	if s.State == StateInvited {
		s.State = StateActive
	}
	m.publish(s)
	return nil
}

// Decline marks the invitee declined. When every invitee has declined the
// session ends.
func (m *Manager) Decline(sessionID, userID string) error {
	s, err := m.openSession(sessionID)
	if err != nil {
		return err
	}
	if _, ok := s.Participants[userID]; !ok {
		return fmt.Errorf("%w: %q in session %q", ErrNotParticipant, userID, sessionID)
	}

	s.Participants[userID] = ParticipantDeclined
	if m.activeCount(s) <= 1 && m.invitedCount(s) == 0 {
		// Only the owner remains and nobody can still join.
		m.end(s)
		return nil
	}
	m.publish(s)
	return nil
}

// ApplyEdit replaces the shared buffer unconditionally with the submitted
// content (last-writer-wins at whole-buffer granularity) and stamps the
// submitting user as last editor.
func (m *Manager) ApplyEdit(sessionID, userID, content string) error {
	s, err := m.activeSession(sessionID, userID)
	if err != nil {
		return err
	}

	s.Buffer = content
	s.LastEditor = userID
	m.publish(s)
	return nil
}

// UpdateCursor updates only the submitting user's cursor entry. The change
// is broadcast to subscribers so other participants see the remote cursor.
func (m *Manager) UpdateCursor(sessionID, userID string, position int) error {
	s, err := m.activeSession(sessionID, userID)
	if err != nil {
		return err
	}

	s.Cursors[userID] = position
	m.publish(s)
	return nil
}

// Leave removes the participant from the session. The session ends when
// the last participant leaves.
func (m *Manager) Leave(sessionID, userID string) error {
	s, err := m.openSession(sessionID)
	if err != nil {
		return err
	}
	if _, ok := s.Participants[userID]; !ok {
		return fmt.Errorf("%w: %q in session %q", ErrNotParticipant, userID, sessionID)
	}

	delete(s.Participants, userID)
	delete(s.Cursors, userID)

	if m.activeCount(s) == 0 {
		m.end(s)
		return nil
	}
	m.publish(s)
	return nil
}

// Close ends the session. Only the owner may close it.
func (m *Manager) Close(sessionID, userID string) error {
	s, err := m.openSession(sessionID)
	if err != nil {
		return err
	}
	if userID != s.OwnerID {
		return fmt.Errorf("%w: %q", ErrNotOwner, userID)
	}
	m.end(s)
	return nil
}

// Get returns a copy of the session.
func (m *Manager) Get(sessionID string) (Session, bool) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return copySession(s), true
}

// Snapshot returns copies of all sessions sorted by creation time.
func (m *Manager) Snapshot() []Session {
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// openSession fetches a session that has not ended.
func (m *Manager) openSession(sessionID string) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	if s.State == StateEnded {
		return nil, fmt.Errorf("%w: %q has ended", ErrSessionNotActive, sessionID)
	}
	return s, nil
}

// activeSession fetches an active session in which userID is an active
// participant. Edits and cursor updates require both.
func (m *Manager) activeSession(sessionID, userID string) (*Session, error) {
	s, err := m.openSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State != StateActive {
		return nil, fmt.Errorf("%w: %q is %s", ErrSessionNotActive, sessionID, s.State)
	}
	state, ok := s.Participants[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %q in session %q", ErrNotParticipant, userID, sessionID)
	}
	if state != ParticipantActive {
		return nil, fmt.Errorf("%w: %q is %s", ErrParticipantNotActive, userID, state)
	}
	return s, nil
}

func (m *Manager) end(s *Session) {
	s.State = StateEnded
	ended := m.clock.Now()
	s.EndedAt = &ended
	m.publish(s)
}

func (m *Manager) activeCount(s *Session) int {
	n := 0
	for _, state := range s.Participants {
		if state == ParticipantActive {
			n++
		}
	}
	return n
}

func (m *Manager) invitedCount(s *Session) int {
	n := 0
	for _, state := range s.Participants {
		if state == ParticipantInvited {
			n++
		}
	}
	return n
}

func (m *Manager) publish(s *Session) {
	m.hub.Publish(copySession(s))
}

func copySession(s *Session) Session {
	out := *s
	out.Participants = make(map[string]ParticipantState, len(s.Participants))
	for k, v := range s.Participants {
		out.Participants[k] = v
	}
	out.Cursors = make(map[string]int, len(s.Cursors))
	for k, v := range s.Cursors {
		out.Cursors[k] = v
	}
	if s.EndedAt != nil {
		ts := *s.EndedAt
		out.EndedAt = &ts
	}
	return out
}
