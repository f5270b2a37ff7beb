package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"opsdeck/internal/collab"
	"opsdeck/internal/deploy"
	"opsdeck/internal/engine"
	"opsdeck/internal/event"
	"opsdeck/internal/notify"
	"opsdeck/internal/project"
)

const testSecret = "valid-secret-with-at-least-32-chars-here"

type fakeHistory struct{}

func (fakeHistory) DeploymentHistory(ctx context.Context, project string, limit int) ([]deploy.Record, error) {
	if project != "web" {
		return nil, nil
	}
	return []deploy.Record{
		{ID: "past-1", Project: "web", Branch: "main", Commit: "abc123", Status: deploy.StatusSuccess, Attempt: 1},
	}, nil
}

func newTestServer(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()

	prefs := notify.DefaultPreferences()
	prefs.Projects = []string{"web"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(engine.Options{
		UserID:       "alice",
		Preferences:  prefs,
		TickInterval: time.Hour,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	registry := project.NewRegistry(map[string]*project.Project{
		"web": {Name: "web", Repo: "acme/web", Secret: testSecret, Branch: "main", Environment: "production"},
	})

	srv := NewServer(registry, eng, logger, "alice", true)
	srv.History = fakeHistory{}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return eng, ts
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, ts *httptest.Server, projectName, eventType string, payload []byte, secret string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/in/github/"+projectName, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-Hub-Signature-256", signPayload(payload, secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out interface{}) int {
	t.Helper()

	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response from %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func postStatus(t *testing.T, ts *httptest.Server, path string) int {
	t.Helper()

	resp, err := http.Post(ts.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func seedDeployment(t *testing.T, eng *engine.Engine, id, status string) {
	t.Helper()

	payload, _ := json.Marshal(map[string]interface{}{
		"id": id, "project": "web", "status": status, "branch": "main", "commit": "abc123",
	})
	eng.ProcessEnvelope(event.Envelope{Type: event.TypeDeploymentStatus, Payload: payload})
	waitFor(t, "deployment "+id+" to reach "+status, func() bool {
		rec, ok := eng.Deployment(id)
		return ok && string(rec.Status) == status
	})
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t)

	var body struct {
		Status       string   `json:"status"`
		Projects     []string `json:"projects"`
		ProjectCount int      `json:"project_count"`
	}
	if code := getJSON(t, ts, "/health", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body.Status != "ok" || body.ProjectCount != 1 {
		t.Errorf("Unexpected health response %+v", body)
	}
}

func TestHandleWebhook_WorkflowRunAccepted(t *testing.T) {
	eng, ts := newTestServer(t)

	payload, _ := json.Marshal(&gh.WorkflowRunEvent{
		WorkflowRun: &gh.WorkflowRun{
			ID:         gh.Int64(42),
			Status:     gh.String("in_progress"),
			HeadBranch: gh.String("main"),
			HeadSHA:    gh.String("abc123"),
		},
	})

	resp := postWebhook(t, ts, "web", "workflow_run", payload, testSecret)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	waitFor(t, "deployment from webhook", func() bool {
		_, ok := eng.Deployment("gh-run-42")
		return ok
	})
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	_, ts := newTestServer(t)

	payload := []byte(`{"workflow_run": {"id": 1}}`)
	resp := postWebhook(t, ts, "web", "workflow_run", payload, "wrong-secret-but-also-long-enough-here")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}

func TestHandleWebhook_UnknownProject(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postWebhook(t, ts, "ghost", "push", []byte(`{}`), testSecret)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleWebhook_PushToOtherBranchSkipped(t *testing.T) {
	_, ts := newTestServer(t)

	payload, _ := json.Marshal(&gh.PushEvent{
		Ref: gh.String("refs/heads/feature"),
		HeadCommit: &gh.HeadCommit{
			ID:      gh.String("abc123def456abc123def456abc123def456abcd"),
			Message: gh.String("WIP"),
		},
		Pusher: &gh.CommitAuthor{Name: gh.String("alice")},
	})

	resp := postWebhook(t, ts, "web", "push", payload, testSecret)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for skipped branch, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !strings.Contains(body["message"], "Nothing to process") {
		t.Errorf("Unexpected response %v", body)
	}
}

func TestDeploymentEndpoints(t *testing.T) {
	eng, ts := newTestServer(t)
	seedDeployment(t, eng, "d1", "building")

	var list struct {
		Deployments []deploy.Record `json:"deployments"`
	}
	if code := getJSON(t, ts, "/api/deployments", &list); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(list.Deployments) != 1 || list.Deployments[0].ID != "d1" {
		t.Fatalf("Unexpected deployment list %+v", list.Deployments)
	}

	var rec deploy.Record
	if code := getJSON(t, ts, "/api/deployments/d1", &rec); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if rec.Status != deploy.StatusBuilding {
		t.Errorf("Expected building, got %s", rec.Status)
	}

	if code := getJSON(t, ts, "/api/deployments/ghost", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown deployment, got %d", code)
	}
}

func TestDeploymentActions(t *testing.T) {
	eng, ts := newTestServer(t)
	seedDeployment(t, eng, "d1", "building")

	// Retry of a building deployment conflicts.
	if code := postStatus(t, ts, "/api/deployments/d1/retry"); code != http.StatusConflict {
		t.Errorf("Expected 409 for retry of building deployment, got %d", code)
	}

	if code := postStatus(t, ts, "/api/deployments/d1/cancel"); code != http.StatusOK {
		t.Errorf("Expected 200 for cancel, got %d", code)
	}
	rec, _ := eng.Deployment("d1")
	if rec.Status != deploy.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", rec.Status)
	}

	if code := postStatus(t, ts, "/api/deployments/d1/retry"); code != http.StatusOK {
		t.Errorf("Expected 200 for retry of cancelled deployment, got %d", code)
	}
	rec, _ = eng.Deployment("d1")
	if rec.Status != deploy.StatusPending || rec.Attempt != 2 {
		t.Errorf("Expected pending attempt 2, got %+v", rec)
	}
}

func TestRollbackEndpoint(t *testing.T) {
	eng, ts := newTestServer(t)
	seedDeployment(t, eng, "d1", "building")
	seedDeployment(t, eng, "d1", "success")

	resp, err := http.Post(ts.URL+"/api/deployments/d1/rollback", "application/json", nil)
	if err != nil {
		t.Fatalf("POST rollback failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	rec, ok := eng.Deployment(body["id"])
	if !ok || rec.RollbackOf != "d1" {
		t.Errorf("Expected rollback record, got %+v", rec)
	}
}

func TestPresenceAndConflictEndpoints(t *testing.T) {
	eng, ts := newTestServer(t)

	for _, user := range []string{"bob", "carol"} {
		payload, _ := json.Marshal(map[string]string{
			"project": "web", "userId": user, "location": "src/app.js", "action": "editing",
		})
		eng.ProcessEnvelope(event.Envelope{Type: event.TypeUserActivity, Payload: payload})
	}
	waitFor(t, "presence entries", func() bool { return len(eng.Presence("web")) == 2 })

	var presenceBody struct {
		Presence []map[string]interface{} `json:"presence"`
	}
	if code := getJSON(t, ts, "/api/projects/web/presence", &presenceBody); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(presenceBody.Presence) != 2 {
		t.Errorf("Expected 2 presence entries, got %d", len(presenceBody.Presence))
	}

	var conflictBody struct {
		Conflicts []map[string]interface{} `json:"conflicts"`
	}
	if code := getJSON(t, ts, "/api/projects/web/conflicts", &conflictBody); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(conflictBody.Conflicts) != 1 {
		t.Errorf("Expected 1 conflict, got %d", len(conflictBody.Conflicts))
	}

	if code := getJSON(t, ts, "/api/projects/ghost/presence", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown project, got %d", code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	eng, ts := newTestServer(t)

	payload, _ := json.Marshal(map[string]interface{}{
		"sessionId": "s1", "project": "web", "filePath": "src/app.js",
		"ownerId": "bob", "invitees": []string{"alice"},
	})
	eng.ProcessEnvelope(event.Envelope{Type: event.TypeCollabInvite, Payload: payload})
	waitFor(t, "session created", func() bool { _, ok := eng.Session("s1"); return ok })

	var list struct {
		Sessions []map[string]interface{} `json:"sessions"`
	}
	if code := getJSON(t, ts, "/api/sessions", &list); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(list.Sessions) != 1 {
		t.Errorf("Expected 1 session, got %d", len(list.Sessions))
	}

	if code := getJSON(t, ts, "/api/sessions/s1", nil); code != http.StatusOK {
		t.Errorf("Expected 200 for session lookup, got %d", code)
	}
	if code := getJSON(t, ts, "/api/sessions/ghost", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var body struct {
		History []deploy.Record `json:"history"`
	}
	if code := getJSON(t, ts, "/api/projects/web/history", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(body.History) != 1 || body.History[0].ID != "past-1" {
		t.Errorf("Unexpected history %+v", body.History)
	}

	if code := getJSON(t, ts, "/api/projects/web/history?limit=0", nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid limit, got %d", code)
	}
	if code := getJSON(t, ts, "/api/projects/ghost/history", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown project, got %d", code)
	}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}, out interface{}) int {
	t.Helper()

	blob, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to encode request body: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response from %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestCreateSessionEndpoint(t *testing.T) {
	eng, ts := newTestServer(t)

	var session map[string]interface{}
	code := postJSON(t, ts, "/api/sessions", map[string]interface{}{
		"sessionId": "s1", "project": "web", "filePath": "src/app.js", "invitees": []string{"bob"},
	}, &session)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if session["ownerId"] != "alice" || session["state"] != "invited" {
		t.Errorf("Unexpected session %+v", session)
	}
	if _, ok := eng.Session("s1"); !ok {
		t.Error("Session was not created in the engine")
	}

	// Same id again conflicts.
	if code := postJSON(t, ts, "/api/sessions", map[string]interface{}{
		"sessionId": "s1", "project": "web", "filePath": "src/app.js", "invitees": []string{"bob"},
	}, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate session, got %d", code)
	}

	if code := postJSON(t, ts, "/api/sessions", map[string]interface{}{
		"sessionId": "s2", "project": "ghost", "filePath": "src/app.js", "invitees": []string{"bob"},
	}, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown project, got %d", code)
	}
}

func TestSessionActionEndpoints(t *testing.T) {
	eng, ts := newTestServer(t)

	// bob invites alice, the dashboard user.
	payload, _ := json.Marshal(map[string]interface{}{
		"sessionId": "s1", "project": "web", "filePath": "src/app.js",
		"ownerId": "bob", "invitees": []string{"alice"},
	})
	eng.ProcessEnvelope(event.Envelope{Type: event.TypeCollabInvite, Payload: payload})
	waitFor(t, "session created", func() bool { _, ok := eng.Session("s1"); return ok })

	var session map[string]interface{}
	if code := postJSON(t, ts, "/api/sessions/s1/accept", map[string]string{}, &session); code != http.StatusOK {
		t.Fatalf("Expected 200 for accept, got %d", code)
	}
	if session["state"] != "active" {
		t.Errorf("Expected active session after accept, got %v", session["state"])
	}

	if code := postJSON(t, ts, "/api/sessions/s1/edit", map[string]string{"content": "let x = 1"}, &session); code != http.StatusOK {
		t.Fatalf("Expected 200 for edit, got %d", code)
	}
	if session["buffer"] != "let x = 1" || session["lastEditor"] != "alice" {
		t.Errorf("Edit was not applied: %+v", session)
	}

	if code := postJSON(t, ts, "/api/sessions/s1/cursor", map[string]int{"position": 4}, &session); code != http.StatusOK {
		t.Fatalf("Expected 200 for cursor, got %d", code)
	}
	cursors, _ := session["cursors"].(map[string]interface{})
	if cursors["alice"] != float64(4) {
		t.Errorf("Cursor was not applied: %+v", session["cursors"])
	}

	if code := postJSON(t, ts, "/api/sessions/s1/cursor", map[string]int{"position": -1}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative cursor, got %d", code)
	}

	if code := postJSON(t, ts, "/api/sessions/s1/leave", map[string]string{}, &session); code != http.StatusOK {
		t.Fatalf("Expected 200 for leave, got %d", code)
	}
	participants, _ := session["participants"].(map[string]interface{})
	if _, stillThere := participants["alice"]; stillThere {
		t.Errorf("Expected alice removed after leave, got %+v", participants)
	}

	if code := postJSON(t, ts, "/api/sessions/ghost/accept", map[string]string{}, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", code)
	}
}

func TestSessionActionRejections(t *testing.T) {
	eng, ts := newTestServer(t)

	// bob invites alice, the dashboard user.
	payload, _ := json.Marshal(map[string]interface{}{
		"sessionId": "s1", "project": "web", "filePath": "src/app.js",
		"ownerId": "bob", "invitees": []string{"alice"},
	})
	eng.ProcessEnvelope(event.Envelope{Type: event.TypeCollabInvite, Payload: payload})
	waitFor(t, "session created", func() bool { _, ok := eng.Session("s1"); return ok })

	// Editing before accepting the invite conflicts.
	if code := postJSON(t, ts, "/api/sessions/s1/edit", map[string]string{"content": "x"}, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 for edit before accept, got %d", code)
	}

	// Only the owner may close.
	if code := postJSON(t, ts, "/api/sessions/s1/close", map[string]string{}, nil); code != http.StatusForbidden {
		t.Errorf("Expected 403 for close by non-owner, got %d", code)
	}

	member, _ := json.Marshal(map[string]string{"sessionId": "s1", "userId": "bob"})
	eng.ProcessEnvelope(event.Envelope{Type: event.TypeCollabClose, Payload: member})
	waitFor(t, "session closed", func() bool {
		s, ok := eng.Session("s1")
		return ok && s.State == collab.StateEnded
	})

	// An edit posted to the ended session is rejected and leaves the
	// buffer untouched.
	if code := postJSON(t, ts, "/api/sessions/s1/edit", map[string]string{"content": "stale"}, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 for edit of ended session, got %d", code)
	}
	if s, _ := eng.Session("s1"); s.Buffer != "" {
		t.Errorf("Expected buffer untouched after rejected edit, got %q", s.Buffer)
	}

	if code := postJSON(t, ts, "/api/sessions/s1/cursor", map[string]int{"position": 1}, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 for cursor update on ended session, got %d", code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	eng, ts := newTestServer(t)
	seedDeployment(t, eng, "d1", "building")

	payload, _ := json.Marshal(map[string]interface{}{
		"id": "d1", "status": "failed", "branch": "main", "commit": "abc123",
		"error": "build exploded",
	})
	eng.ProcessEnvelope(event.Envelope{Type: event.TypeDeploymentStatus, Payload: payload})
	waitFor(t, "failure notification", func() bool { return len(eng.Notifications()) > 0 })

	var list struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	if code := getJSON(t, ts, "/api/notifications", &list); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(list.Notifications) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(list.Notifications))
	}
	id := list.Notifications[0].ID

	var badge struct {
		Unread int  `json:"unread"`
		Urgent bool `json:"urgent"`
	}
	getJSON(t, ts, "/api/notifications/badge", &badge)
	if badge.Unread != 1 || !badge.Urgent {
		t.Errorf("Expected urgent badge of 1, got %+v", badge)
	}

	if code := postStatus(t, ts, "/api/notifications/"+id+"/read"); code != http.StatusOK {
		t.Errorf("Expected 200 for mark read, got %d", code)
	}
	getJSON(t, ts, "/api/notifications/badge", &badge)
	if badge.Unread != 0 {
		t.Errorf("Expected badge cleared, got %d", badge.Unread)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/notifications/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for dismiss, got %d", resp.StatusCode)
	}

	if code := postStatus(t, ts, "/api/notifications/ghost/read"); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown notification, got %d", code)
	}
}

func TestPreferencesEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	var prefs notify.Preferences
	if code := getJSON(t, ts, "/api/preferences", &prefs); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	prefs.Keywords = []string{"outage"}
	prefs.QuietHours = notify.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"}
	blob, _ := json.Marshal(prefs)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/preferences", bytes.NewReader(blob))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var updated notify.Preferences
	getJSON(t, ts, "/api/preferences", &updated)
	if len(updated.Keywords) != 1 || updated.Keywords[0] != "outage" {
		t.Errorf("Expected keywords applied, got %v", updated.Keywords)
	}

	// Broken quiet hours are rejected before they reach the engine.
	prefs.QuietHours.Start = "25:99"
	blob, _ = json.Marshal(prefs)
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/api/preferences", bytes.NewReader(blob))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid quiet hours, got %d", resp.StatusCode)
	}
}

func TestWebSocket_StreamsAndAcceptsEvents(t *testing.T) {
	eng, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	received := make(chan StreamMessage, 1)
	go func() {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err == nil {
			received <- msg
		}
	}()

	// The subscription is registered shortly after the handshake; keep
	// generating fresh activity until a stream message arrives.
	activity := func(i int) event.Envelope {
		payload, _ := json.Marshal(map[string]string{
			"project": "web", "userId": "bob",
			"location": fmt.Sprintf("src/file%d.js", i), "action": "viewing",
		})
		return event.Envelope{Type: event.TypeUserActivity, Payload: payload}
	}

	var msg StreamMessage
	got := false
	for i := 0; i < 40 && !got; i++ {
		eng.ProcessEnvelope(activity(i))
		select {
		case msg = <-received:
			got = true
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !got {
		t.Fatal("Timed out waiting for stream message")
	}
	if msg.Kind != "presence" {
		t.Errorf("Expected presence stream message, got %q", msg.Kind)
	}

	// Inbound: the client submits its own envelope over the socket.
	payload, _ := json.Marshal(map[string]string{
		"project": "web", "userId": "alice", "location": "src/app.js", "action": "editing",
	})
	raw, _ := json.Marshal(event.Envelope{Type: event.TypeUserActivity, Payload: payload})
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}

	waitFor(t, "inbound activity applied", func() bool {
		for _, entry := range eng.Presence("web") {
			if entry.UserID == "alice" {
				return true
			}
		}
		return false
	})
}
