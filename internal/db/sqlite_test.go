package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{
		ID:            "sess-001",
		ParticipantID: "part-42",
		Status:        "in_progress",
		Definition:    "maybe",
		TypeFrequencies: []TypeFrequencyRecord{
			{TypeName: "grapheme-color", Frequency: "yes"},
			{TypeName: "sound-color", Frequency: "sometimes"},
		},
		CreatedAt: time.Now().Round(time.Second),
		UpdatedAt: time.Now().Round(time.Second),
	}

	// Create
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// Retrieve
	got, err := s.GetSession(ctx, "sess-001")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != "sess-001" || got.ParticipantID != "part-42" {
		t.Errorf("unexpected identity: %s/%s", got.ID, got.ParticipantID)
	}
	if got.Health != nil {
		t.Error("health should stay nil until answered")
	}
	if len(got.TypeFrequencies) != 2 {
		t.Fatalf("expected 2 type frequencies, got %d", len(got.TypeFrequencies))
	}
	if got.TypeFrequencies[0].TypeName != "grapheme-color" {
		t.Errorf("expected grapheme-color first, got %s", got.TypeFrequencies[0].TypeName)
	}

	// Update (upsert): answer health, complete, and re-select types
	rec.Status = "completed"
	rec.Definition = "yes"
	rec.Health = &HealthRecord{DrugUse: true}
	rec.TypeFrequencies = []TypeFrequencyRecord{{TypeName: "grapheme-color", Frequency: "yes"}}
	rec.UpdatedAt = time.Now().Round(time.Second)
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err = s.GetSession(ctx, "sess-001")
	if err != nil {
		t.Fatalf("GetSession after update: %v", err)
	}
	if got.Status != "completed" || got.Definition != "yes" {
		t.Errorf("expected completed/yes, got %s/%s", got.Status, got.Definition)
	}
	if got.Health == nil || !got.Health.DrugUse || got.Health.NeuroCondition {
		t.Errorf("unexpected health answers: %+v", got.Health)
	}
	if len(got.TypeFrequencies) != 1 {
		t.Errorf("type frequencies should be replaced wholesale, got %d", len(got.TypeFrequencies))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status := "completed"
		if i%2 == 1 {
			status = "exited"
		}
		rec := &SessionRecord{
			ID:        "sess-" + string(rune('A'+i)),
			Status:    status,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
			UpdatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveSession(ctx, rec); err != nil {
			t.Fatalf("SaveSession %d: %v", i, err)
		}
	}

	all, err := s.ListSessions(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 sessions, got %d", len(all))
	}

	completed, err := s.ListSessions(ctx, "completed", 10, 0)
	if err != nil {
		t.Fatalf("ListSessions completed: %v", err)
	}
	if len(completed) != 3 {
		t.Errorf("expected 3 completed sessions, got %d", len(completed))
	}

	limited, err := s.ListSessions(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListSessions limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 sessions with limit, got %d", len(limited))
	}
}

func TestSessionEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Round(time.Second)
	if err := s.SaveSession(ctx, &SessionRecord{
		ID: "sess-ev", Status: "in_progress", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	events := []*EventRecord{
		{SessionID: "sess-ev", Name: "step_started", Step: 0, CreatedAt: now},
		{SessionID: "sess-ev", Name: "consent_checked", Step: 0, CreatedAt: now.Add(8 * time.Second)},
		{SessionID: "sess-ev", Name: "step_completed", Step: 1, CreatedAt: now.Add(40 * time.Second)},
	}
	for _, ev := range events {
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if ev.ID == 0 {
			t.Error("AppendEvent should backfill the row ID")
		}
	}

	got, err := s.GetSession(ctx, "sess-ev")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got.Events))
	}
	// Events should come back oldest first
	if got.Events[0].Name != "step_started" || got.Events[2].Name != "step_completed" {
		t.Errorf("unexpected event order: %s ... %s", got.Events[0].Name, got.Events[2].Name)
	}
}

// ─── Verdicts ─────────────────────────────────────────────────────────────────

func TestVerdictAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Round(time.Second)
	threshold := 0.12

	verdicts := []*VerdictRecord{
		{SessionID: "s1", CorrelationID: "c1", IsValid: true, AnomalyScore: 0.05, Confidence: 0.79, Recommendation: "ACCEPT", Threshold: &threshold, Issues: `[]`, Details: `{}`, CheckedAt: now},
		{SessionID: "s2", CorrelationID: "c2", IsValid: false, AnomalyScore: 0.18, Confidence: 0.75, Recommendation: "REVIEW", Threshold: &threshold, Issues: `["Suspiciously fast average response time (1.2s)"]`, Details: `{}`, CheckedAt: now.Add(time.Second)},
		{SessionID: "s3", CorrelationID: "c3", IsValid: false, AnomalyScore: 0.40, Confidence: 0.99, Recommendation: "REJECT", Threshold: &threshold, Issues: `["Extremely uniform timing pattern (CV=0.020)"]`, Details: `{}`, CheckedAt: now.Add(2 * time.Second)},
	}
	for _, v := range verdicts {
		if err := s.AppendVerdict(ctx, v); err != nil {
			t.Fatalf("AppendVerdict: %v", err)
		}
	}

	// Query all
	all, err := s.QueryVerdicts(ctx, VerdictQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryVerdicts: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 verdicts, got %d", len(all))
	}
	if all[0].SessionID != "s3" {
		t.Errorf("expected newest first, got %s", all[0].SessionID)
	}
	if all[0].Threshold == nil || *all[0].Threshold != threshold {
		t.Errorf("threshold did not round-trip: %v", all[0].Threshold)
	}

	// Query by recommendation
	rejected, err := s.QueryVerdicts(ctx, VerdictQuery{Recommendation: "REJECT", Limit: 10})
	if err != nil {
		t.Fatalf("QueryVerdicts by recommendation: %v", err)
	}
	if len(rejected) != 1 || rejected[0].SessionID != "s3" {
		t.Errorf("expected one REJECT for s3, got %+v", rejected)
	}

	// Query by time range
	byTime, err := s.QueryVerdicts(ctx, VerdictQuery{From: now, To: now.Add(time.Second), Limit: 10})
	if err != nil {
		t.Fatalf("QueryVerdicts by time: %v", err)
	}
	if len(byTime) != 2 {
		t.Errorf("expected 2 verdicts in time range, got %d", len(byTime))
	}

	// Summary by recommendation
	summary, err := s.VerdictSummary(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerdictSummary: %v", err)
	}
	if summary["ACCEPT"] != 1 || summary["REVIEW"] != 1 || summary["REJECT"] != 1 {
		t.Errorf("unexpected summary: %v", summary)
	}
}

func TestVerdictNilThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A check made before any model was trained persists a NULL threshold.
	rec := &VerdictRecord{
		SessionID: "s-untrained", IsValid: true, Confidence: 0.5,
		Recommendation: "ACCEPT", Issues: `[]`, Details: `{}`,
		CheckedAt: time.Now(),
	}
	if err := s.AppendVerdict(ctx, rec); err != nil {
		t.Fatalf("AppendVerdict: %v", err)
	}

	got, err := s.LatestVerdict(ctx, "s-untrained")
	if err != nil {
		t.Fatalf("LatestVerdict: %v", err)
	}
	if got.Threshold != nil {
		t.Errorf("expected nil threshold, got %v", *got.Threshold)
	}
}

func TestLatestVerdict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestVerdict(ctx, "never-checked"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	now := time.Now().Round(time.Second)
	for i, rec := range []string{"ACCEPT", "REVIEW"} {
		if err := s.AppendVerdict(ctx, &VerdictRecord{
			SessionID: "s1", Recommendation: rec, Issues: `[]`, Details: `{}`,
			CheckedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendVerdict: %v", err)
		}
	}

	got, err := s.LatestVerdict(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestVerdict: %v", err)
	}
	if got.Recommendation != "REVIEW" {
		t.Errorf("expected latest verdict REVIEW, got %s", got.Recommendation)
	}
}

// ─── Training runs ────────────────────────────────────────────────────────────

func TestTrainingRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Round(time.Second)
	rec := &TrainingRunRecord{
		ID: "run-001", Status: "running",
		Epochs: 100, LearningRate: 0.001, BatchSize: 32,
		StartedAt: started, FinishedAt: started,
	}
	if err := s.SaveTrainingRun(ctx, rec); err != nil {
		t.Fatalf("SaveTrainingRun: %v", err)
	}

	// A run still in flight is not the latest completed run.
	if _, err := s.LatestTrainingRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound while running, got %v", err)
	}

	rec.Status = "completed"
	rec.SampleCount = 1000
	rec.Threshold = 0.12
	rec.FinalTrainLoss = 0.03
	rec.FinishedAt = started.Add(90 * time.Second)
	if err := s.SaveTrainingRun(ctx, rec); err != nil {
		t.Fatalf("SaveTrainingRun update: %v", err)
	}

	got, err := s.LatestTrainingRun(ctx)
	if err != nil {
		t.Fatalf("LatestTrainingRun: %v", err)
	}
	if got.ID != "run-001" || got.Threshold != 0.12 || got.SampleCount != 1000 {
		t.Errorf("unexpected run: %+v", got)
	}

	runs, err := s.ListTrainingRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListTrainingRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

// ─── Persistence health ───────────────────────────────────────────────────────

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestIdempotentMigration(t *testing.T) {
	// Running migrations twice should not error
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s.Close()
}
