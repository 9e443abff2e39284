package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("backdrop_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	// Get Connection String
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	if err := s.BeginSession(ctx, "sess_1", KindLive, "bokeh", "/dev/video0"); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	started := time.Now().Add(-3 * time.Second).UTC().Truncate(time.Millisecond)
	rec := Recording{
		ID:        "rec_1",
		SessionID: "sess_1",
		MimeType:  "video/webm",
		Size:      2048,
		Chunks:    4,
		Frames:    90,
		StartedAt: started,
		StoppedAt: started.Add(3 * time.Second),
	}
	if err := s.InsertRecording(ctx, rec); err != nil {
		t.Fatalf("InsertRecording failed: %v", err)
	}

	// A session still running has no end time
	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0].EndedAt != nil {
		t.Errorf("Expected open session, got end time %v", sessions[0].EndedAt)
	}
	if sessions[0].Recordings != 1 {
		t.Errorf("Expected 1 recording, got %d", sessions[0].Recordings)
	}

	if err := s.EndSession(ctx, "sess_1", "background", 1200, 3); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	sessions, _ = s.ListSessions(ctx, 10)
	got := sessions[0]
	if got.EndedAt == nil || got.Frames != 1200 || got.Failures != 3 || got.Mode != "background" {
		t.Errorf("Session not closed correctly: %+v", got)
	}

	if err := s.EndSession(ctx, "nope", "bokeh", 0, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	recs, err := s.ListRecordings(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListRecordings failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Size != 2048 || recs[0].Chunks != 4 || !recs[0].StartedAt.Equal(started) {
		t.Errorf("Unexpected recordings: %+v", recs)
	}

	// Reset followed by New must leave an empty, working schema
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	s2, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Re-init after reset failed: %v", err)
	}
	defer s2.Close()
	sessions, err = s2.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions after reset failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("Expected no sessions after reset, got %d", len(sessions))
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
