// Package event defines the typed event set consumed by the coordination
// engine and the ingestor that turns raw transport messages into it.
//
// The transport delivers an envelope of {type, payload}. The type field is
// the discriminator for a closed set of event variants; anything outside
// that set is discarded at the boundary, never propagated.
package event

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Envelope is the wire shape of a transport message.
type Envelope struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Event type discriminators. These form the closed set accepted by the
// ingestor; everything else is reported and dropped.
const (
	TypeDeploymentStatus    = "deployment_status"
	TypeDeploymentTriggered = "deployment_triggered"
	TypeUserActivity        = "user-activity"
	TypeMention             = "mention"
	TypeRoleChange          = "role_change"
	TypeSystem              = "system"
	TypeCollabInvite        = "collab_invite"
	TypeCollabAccept        = "collab_accept"
	TypeCollabDecline       = "collab_decline"
	TypeCollabEdit          = "collab_edit"
	TypeCollabCursor        = "collab_cursor"
	TypeCollabLeave         = "collab_leave"
	TypeCollabClose         = "collab_close"
)

// Event is a validated, typed transport message.
//
// EntityKey identifies the entity the event mutates (deployment id,
// project/user pair, session id) and is the sequencing key for duplicate
// detection. Fingerprint captures the terminal field values: two events
// with the same entity key and fingerprint are duplicates and the second
// is dropped.
type Event interface {
	Kind() string
	EntityKey() string
	OccurredAt() time.Time
	Fingerprint() string
}

// DeploymentStatus reports a deployment lifecycle transition.
type DeploymentStatus struct {
	ID          string    `json:"id"`
	Project     string    `json:"project,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Status      string    `json:"status"`
	URL         string    `json:"url,omitempty"`
	Branch      string    `json:"branch"`
	Commit      string    `json:"commit"`
	Logs        []string  `json:"logs,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"-"`
}

func (e DeploymentStatus) Kind() string          { return TypeDeploymentStatus }
func (e DeploymentStatus) EntityKey() string     { return "deployment/" + e.ID }
func (e DeploymentStatus) OccurredAt() time.Time { return e.Timestamp }
func (e DeploymentStatus) Fingerprint() string {
	return strings.Join([]string{e.ID, e.Status, e.URL, e.Error}, "|")
}

// DeploymentTriggered announces a new deployment attempt.
type DeploymentTriggered struct {
	ID          string    `json:"id"`
	Project     string    `json:"project,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Trigger     string    `json:"trigger"`
	Branch      string    `json:"branch"`
	Commit      string    `json:"commit"`
	Author      string    `json:"author"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"-"`
}

func (e DeploymentTriggered) Kind() string          { return TypeDeploymentTriggered }
func (e DeploymentTriggered) EntityKey() string     { return "deployment/" + e.ID }
func (e DeploymentTriggered) OccurredAt() time.Time { return e.Timestamp }
func (e DeploymentTriggered) Fingerprint() string {
	return strings.Join([]string{e.ID, e.Commit, e.Trigger}, "|")
}

// UserActivity reports where a user is and what they are doing there.
// The broadcast form carries the acting user explicitly.
type UserActivity struct {
	Project   string    `json:"project"`
	UserID    string    `json:"userId"`
	Location  string    `json:"location"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"-"`
}

func (e UserActivity) Kind() string          { return TypeUserActivity }
func (e UserActivity) EntityKey() string     { return "presence/" + e.Project + "/" + e.UserID }
func (e UserActivity) OccurredAt() time.Time { return e.Timestamp }

// Fingerprint includes the timestamp so that periodic keepalives with a
// fresh timestamp pass through and refresh the presence entry.
func (e UserActivity) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", e.Project, e.UserID, e.Location, e.Action, e.Timestamp.UnixNano())
}

// Mention is a direct reference to a user in a message or comment.
type Mention struct {
	Project   string    `json:"project,omitempty"`
	UserID    string    `json:"userId"`
	Actor     string    `json:"actor"`
	Message   string    `json:"message"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"-"`
}

func (e Mention) Kind() string          { return TypeMention }
func (e Mention) EntityKey() string     { return "mention/" + e.UserID }
func (e Mention) OccurredAt() time.Time { return e.Timestamp }
func (e Mention) Fingerprint() string {
	return strings.Join([]string{e.UserID, e.Actor, e.Message}, "|")
}

// RoleChange reports a project role assignment for a user.
type RoleChange struct {
	Project   string    `json:"project"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"-"`
}

func (e RoleChange) Kind() string          { return TypeRoleChange }
func (e RoleChange) EntityKey() string     { return "role/" + e.Project + "/" + e.UserID }
func (e RoleChange) OccurredAt() time.Time { return e.Timestamp }
func (e RoleChange) Fingerprint() string {
	return strings.Join([]string{e.Project, e.UserID, e.Role}, "|")
}

// System is a broadcast announcement not tied to a project entity.
type System struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority,omitempty"`
	Timestamp time.Time `json:"-"`
}

func (e System) Kind() string          { return TypeSystem }
func (e System) EntityKey() string     { return "system/" + e.Title }
func (e System) OccurredAt() time.Time { return e.Timestamp }
func (e System) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d", e.Title, e.Message, e.Timestamp.UnixNano())
}

// CollabInvite opens a shared-buffer editing session.
type CollabInvite struct {
	SessionID string    `json:"sessionId"`
	Project   string    `json:"project"`
	FilePath  string    `json:"filePath"`
	OwnerID   string    `json:"ownerId"`
	Invitees  []string  `json:"invitees"`
	Timestamp time.Time `json:"-"`
}

func (e CollabInvite) Kind() string          { return TypeCollabInvite }
func (e CollabInvite) EntityKey() string     { return "session/" + e.SessionID }
func (e CollabInvite) OccurredAt() time.Time { return e.Timestamp }
func (e CollabInvite) Fingerprint() string {
	return strings.Join([]string{e.SessionID, e.OwnerID, "invite"}, "|")
}

// CollabMember covers accept, decline, leave and close: session membership
// transitions that carry only the session and acting user.
type CollabMember struct {
	Verb      string    `json:"-"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"-"`
}

func (e CollabMember) Kind() string          { return e.Verb }
func (e CollabMember) EntityKey() string     { return "session/" + e.SessionID }
func (e CollabMember) OccurredAt() time.Time { return e.Timestamp }
func (e CollabMember) Fingerprint() string {
	return strings.Join([]string{e.SessionID, e.UserID, e.Verb}, "|")
}

// CollabEdit replaces the shared buffer with new content.
type CollabEdit struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"-"`
}

func (e CollabEdit) Kind() string          { return TypeCollabEdit }
func (e CollabEdit) EntityKey() string     { return "session/" + e.SessionID }
func (e CollabEdit) OccurredAt() time.Time { return e.Timestamp }
func (e CollabEdit) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%x", e.SessionID, e.UserID, hashString(e.Content))
}

// CollabCursor moves one participant's cursor.
type CollabCursor struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Position  int       `json:"position"`
	Timestamp time.Time `json:"-"`
}

func (e CollabCursor) Kind() string          { return TypeCollabCursor }
func (e CollabCursor) EntityKey() string     { return "session/" + e.SessionID }
func (e CollabCursor) OccurredAt() time.Time { return e.Timestamp }
func (e CollabCursor) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%d", e.SessionID, e.UserID, e.Position, e.Timestamp.UnixNano())
}

// hashString digests edit content for duplicate detection.
func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
