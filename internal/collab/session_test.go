package collab

import (
	"errors"
	"testing"
	"time"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	n int
}

func (g *seqIDs) New() string {
	g.n++
	return "s" + string(rune('0'+g.n))
}

func newTestManager() *Manager {
	clk := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(clk, &seqIDs{})
}

func inviteSession(t *testing.T, m *Manager) Session {
	t.Helper()
	s, err := m.Invite("sess1", "p1", "src/Header.tsx", "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return s
}

func TestInvite_InitialState(t *testing.T) {
	m := newTestManager()
	s := inviteSession(t, m)

	if s.State != StateInvited {
		t.Errorf("Expected invited state, got %s", s.State)
	}
	if s.Participants["alice"] != ParticipantActive {
		t.Errorf("Expected owner active, got %s", s.Participants["alice"])
	}
	if s.Participants["bob"] != ParticipantInvited {
		t.Errorf("Expected bob invited, got %s", s.Participants["bob"])
	}
}

func TestAccept_FirstAcceptActivatesSession(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)

	if err := m.Accept("sess1", "bob"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	s, _ := m.Get("sess1")
	if s.State != StateActive {
		t.Errorf("Expected active after first accept, got %s", s.State)
	}
	if s.Participants["bob"] != ParticipantActive {
		t.Errorf("Expected bob active, got %s", s.Participants["bob"])
	}
	if s.Participants["carol"] != ParticipantInvited {
		t.Errorf("Expected carol still invited, got %s", s.Participants["carol"])
	}
}

func TestApplyEdit_LastWriterWins(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)
	if err := m.Accept("sess1", "bob"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	if err := m.ApplyEdit("sess1", "alice", "version A"); err != nil {
		t.Fatalf("Failed to edit: %v", err)
	}
	if err := m.ApplyEdit("sess1", "bob", "version B"); err != nil {
		t.Fatalf("Failed to edit: %v", err)
	}

	s, _ := m.Get("sess1")
	if s.Buffer != "version B" {
		t.Errorf("Expected last submission to win, got %q", s.Buffer)
	}
	if s.LastEditor != "bob" {
		t.Errorf("Expected bob as last editor, got %q", s.LastEditor)
	}
}

func TestApplyEdit_RejectedBeforeActivation(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)

	// Session still in invited state: even the owner cannot edit.
	err := m.ApplyEdit("sess1", "alice", "too early")
	if !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}
}

func TestApplyEdit_RejectedFromInvitedParticipant(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)
	if err := m.Accept("sess1", "bob"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	// Carol never accepted.
	err := m.ApplyEdit("sess1", "carol", "sneaky edit")
	if !errors.Is(err, ErrParticipantNotActive) {
		t.Errorf("Expected ErrParticipantNotActive, got %v", err)
	}

	// An outsider is rejected with a different reason.
	err = m.ApplyEdit("sess1", "mallory", "intrusion")
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
}

func TestApplyEdit_RejectedAfterEnd(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)
	if err := m.Accept("sess1", "bob"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}
	if err := m.Close("sess1", "alice"); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	err := m.ApplyEdit("sess1", "bob", "post-mortem edit")
	if !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive after end, got %v", err)
	}

	s, _ := m.Get("sess1")
	if s.State != StateEnded || s.EndedAt == nil {
		t.Errorf("Expected ended session with timestamp, got %+v", s)
	}
}

func TestUpdateCursor(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)
	if err := m.Accept("sess1", "bob"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	var broadcasts int
	unsubscribe := m.Subscribe(func(Session) { broadcasts++ })
	defer unsubscribe()

	if err := m.UpdateCursor("sess1", "bob", 42); err != nil {
		t.Fatalf("Failed to update cursor: %v", err)
	}

	s, _ := m.Get("sess1")
	if s.Cursors["bob"] != 42 {
		t.Errorf("Expected cursor at 42, got %d", s.Cursors["bob"])
	}
	if _, ok := s.Cursors["alice"]; ok {
		t.Error("Expected only bob's cursor entry to change")
	}
	if broadcasts != 1 {
		t.Errorf("Expected cursor update broadcast, got %d", broadcasts)
	}
}

func TestClose_OnlyOwner(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)
	if err := m.Accept("sess1", "bob"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	if err := m.Close("sess1", "bob"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	if err := m.Close("sess1", "alice"); err != nil {
		t.Fatalf("Owner close failed: %v", err)
	}
}

func TestLeave_LastParticipantEndsSession(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)
	if err := m.Accept("sess1", "bob"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}
	if err := m.Decline("sess1", "carol"); err != nil {
		t.Fatalf("Failed to decline: %v", err)
	}

	if err := m.Leave("sess1", "bob"); err != nil {
		t.Fatalf("Failed to leave: %v", err)
	}
	if s, _ := m.Get("sess1"); s.State != StateActive {
		t.Errorf("Expected session still active with owner present, got %s", s.State)
	}

	if err := m.Leave("sess1", "alice"); err != nil {
		t.Fatalf("Failed to leave: %v", err)
	}
	s, _ := m.Get("sess1")
	if s.State != StateEnded {
		t.Errorf("Expected ended after last participant left, got %s", s.State)
	}
}

func TestDecline_AllInviteesDeclinedEndsSession(t *testing.T) {
	m := newTestManager()
	inviteSession(t, m)

	if err := m.Decline("sess1", "bob"); err != nil {
		t.Fatalf("Failed to decline: %v", err)
	}
	if s, _ := m.Get("sess1"); s.State == StateEnded {
		t.Fatal("Session ended while carol could still accept")
	}

	if err := m.Decline("sess1", "carol"); err != nil {
		t.Fatalf("Failed to decline: %v", err)
	}
	s, _ := m.Get("sess1")
	if s.State != StateEnded {
		t.Errorf("Expected ended after all invitees declined, got %s", s.State)
	}
}
