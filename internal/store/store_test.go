package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"opsdeck/internal/deploy"
	"opsdeck/internal/notify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPreferences_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs := notify.DefaultPreferences()
	prefs.Keywords = []string{"outage", "deploy"}
	prefs.Projects = []string{"p1", "p2"}
	prefs.QuietHours = notify.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "Europe/Berlin"}
	prefs.DigestFrequency = notify.DigestDaily

	if err := s.SavePreferences(ctx, "alice", prefs); err != nil {
		t.Fatalf("Failed to save preferences: %v", err)
	}

	loaded, err := s.LoadPreferences(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to load preferences: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected stored preferences")
	}
	if loaded.QuietHours.Timezone != "Europe/Berlin" {
		t.Errorf("Expected timezone round-trip, got %q", loaded.QuietHours.Timezone)
	}
	if len(loaded.Keywords) != 2 || loaded.Keywords[0] != "outage" {
		t.Errorf("Expected keywords round-trip, got %v", loaded.Keywords)
	}
	if !loaded.Subscribed("p2") {
		t.Error("Expected project subscriptions round-trip")
	}
}

func TestPreferences_SaveReplacesWholesale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := notify.DefaultPreferences()
	first.Keywords = []string{"old"}
	if err := s.SavePreferences(ctx, "alice", first); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	second := notify.DefaultPreferences()
	second.Projects = []string{"p9"}
	if err := s.SavePreferences(ctx, "alice", second); err != nil {
		t.Fatalf("Failed to re-save: %v", err)
	}

	loaded, err := s.LoadPreferences(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(loaded.Keywords) != 0 {
		t.Errorf("Expected old keywords gone, got %v", loaded.Keywords)
	}
	if !loaded.Subscribed("p9") {
		t.Error("Expected new subscription present")
	}
}

func TestLoadPreferences_UnknownUser(t *testing.T) {
	s := newTestStore(t)

	loaded, err := s.LoadPreferences(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Expected no error for unknown user, got %v", err)
	}
	if loaded != nil {
		t.Errorf("Expected nil for unknown user, got %+v", loaded)
	}
}

func terminalRecord(id string, attempt int) deploy.Record {
	started := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	url := "https://web.example.com"
	return deploy.Record{
		ID:          id,
		Attempt:     attempt,
		Project:     "web",
		Environment: deploy.EnvProduction,
		Branch:      "main",
		Commit:      "abc123",
		Author:      "alice",
		Status:      deploy.StatusSuccess,
		Trigger:     "webhook",
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    90,
		URL:         &url,
	}
}

func TestRecordDeployment_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordDeployment(ctx, terminalRecord("d1", 1)); err != nil {
		t.Fatalf("Failed to record deployment: %v", err)
	}

	records, err := s.DeploymentHistory(ctx, "web", 10)
	if err != nil {
		t.Fatalf("Failed to query history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if rec.Status != deploy.StatusSuccess {
		t.Errorf("Expected success, got %s", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Error("Expected completion timestamp")
	}
	if rec.URL == nil || *rec.URL != "https://web.example.com" {
		t.Errorf("Expected URL round-trip, got %v", rec.URL)
	}
}

func TestRecordDeployment_RedeliveryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := terminalRecord("d1", 1)
	if err := s.RecordDeployment(ctx, rec); err != nil {
		t.Fatalf("Failed to record: %v", err)
	}
	if err := s.RecordDeployment(ctx, rec); err != nil {
		t.Fatalf("Failed to re-record: %v", err)
	}

	records, err := s.DeploymentHistory(ctx, "web", 10)
	if err != nil {
		t.Fatalf("Failed to query history: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected exactly one row after redelivery, got %d", len(records))
	}

	// A retry is a distinct attempt and gets its own row.
	if err := s.RecordDeployment(ctx, terminalRecord("d1", 2)); err != nil {
		t.Fatalf("Failed to record retry attempt: %v", err)
	}
	records, _ = s.DeploymentHistory(ctx, "web", 10)
	if len(records) != 2 {
		t.Errorf("Expected two attempts, got %d", len(records))
	}
}

func TestRecordAction(t *testing.T) {
	s := newTestStore(t)

	id, err := s.RecordAction(context.Background(), "d1", ActionRetry, "alice")
	if err != nil {
		t.Fatalf("Failed to record action: %v", err)
	}
	if id == 0 {
		t.Error("Expected non-zero action ID")
	}
}
