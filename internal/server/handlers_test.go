package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/syn-research/screenguard/internal/config"
	"github.com/syn-research/screenguard/internal/db"
	"github.com/syn-research/screenguard/internal/ml"
)

// newTestServer builds a server over an in-memory store without starting
// the HTTP listener. The detector starts untrained.
func newTestServer(t *testing.T) (*Server, db.Store) {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Database.SQLitePath = ":memory:"
	cfg.Model.Path = "" // no artifact on disk, start untrained

	srv, err := NewServer(cfg, store, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { srv.cancel() })
	return srv, store
}

// trainTestDetector fits a small model so the server leaves degraded mode.
func trainTestDetector(t *testing.T, srv *Server) {
	t.Helper()

	gen := ml.NewDataGenerator(42)
	features := gen.GenerateNormal(200)

	detector, err := ml.NewScreeningDetector(95.0, 42)
	if err != nil {
		t.Fatalf("NewScreeningDetector failed: %v", err)
	}

	cfg := ml.DefaultTrainingConfig()
	cfg.Epochs = 30
	cfg.LearningRate = 0.01
	cfg.BatchSize = 16
	if err := detector.Fit(features, nil, cfg); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	srv.setDetector(detector)
}

// seedSession stores a completed session with a plausible event trail.
func seedSession(t *testing.T, store db.Store, id string) {
	t.Helper()

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	rec := &db.SessionRecord{
		ID:            id,
		ParticipantID: "participant-" + id,
		Status:        "completed",
		Definition:    "yes",
		Health:        &db.HealthRecord{},
		TypeFrequencies: []db.TypeFrequencyRecord{
			{TypeName: "grapheme_color", Frequency: "yes"},
			{TypeName: "sound_color", Frequency: "sometimes"},
		},
		CreatedAt: base,
		UpdatedAt: base,
	}
	if err := store.SaveSession(context.Background(), rec); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	names := []string{"started", "consent_given", "health_completed", "definition_answered", "types_selected", "completed"}
	for i, name := range names {
		ev := &db.EventRecord{
			SessionID: id,
			Name:      name,
			Step:      i,
			CreatedAt: base.Add(time.Duration(i) * 25 * time.Second),
		}
		if err := store.AppendEvent(context.Background(), ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestCheckQualityBadRequest(t *testing.T) {
	srv, store := newTestServer(t)
	trainTestDetector(t, srv)
	seedSession(t, store, "sess-1")
	handler := srv.routes()

	// Malformed body
	w := postJSON(t, handler, "/api/v1/ml/check-screening-quality", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d, want 400", w.Code)
	}

	// Missing session_id
	w = postJSON(t, handler, "/api/v1/ml/check-screening-quality", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing session_id: got %d, want 400", w.Code)
	}
}

func TestCheckQualityNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	trainTestDetector(t, srv)
	handler := srv.routes()

	w := postJSON(t, handler, "/api/v1/ml/check-screening-quality", `{"session_id":"no-such-session"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session: got %d, want 404", w.Code)
	}
}

func TestCheckQualityOK(t *testing.T) {
	srv, store := newTestServer(t)
	trainTestDetector(t, srv)
	seedSession(t, store, "sess-ok")
	handler := srv.routes()

	w := postJSON(t, handler, "/api/v1/ml/check-screening-quality", `{"session_id":"sess-ok"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", w.Code, w.Body.String())
	}

	var report ml.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}

	switch report.Recommendation {
	case ml.RecommendationAccept, ml.RecommendationReview, ml.RecommendationReject:
	default:
		t.Errorf("unexpected recommendation %q", report.Recommendation)
	}
	if report.Details.Threshold == nil {
		t.Error("expected non-nil threshold in details")
	}
	if len(report.Details.FeatureNames) != ml.FeatureCount {
		t.Errorf("expected %d feature names, got %d", ml.FeatureCount, len(report.Details.FeatureNames))
	}
	if report.Confidence < 0.5 || report.Confidence > 0.99 {
		t.Errorf("confidence %v outside [0.5, 0.99]", report.Confidence)
	}

	// Verdict persisted
	verdict, err := store.LatestVerdict(context.Background(), "sess-ok")
	if err != nil {
		t.Fatalf("LatestVerdict failed: %v", err)
	}
	if verdict.Recommendation != report.Recommendation {
		t.Errorf("persisted recommendation %q does not match report %q", verdict.Recommendation, report.Recommendation)
	}
	if verdict.AnomalyScore != report.AnomalyScore {
		t.Errorf("persisted score %v does not match report %v", verdict.AnomalyScore, report.AnomalyScore)
	}
}

func TestBatchCheck(t *testing.T) {
	srv, store := newTestServer(t)
	trainTestDetector(t, srv)
	seedSession(t, store, "batch-1")
	seedSession(t, store, "batch-2")
	handler := srv.routes()

	w := postJSON(t, handler, "/api/v1/ml/batch-check", `{"session_ids":["batch-1","batch-2","missing"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp BatchCheckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Summary.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Summary.Total)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}

	// Errored sessions count in total but in neither valid nor anomalous.
	errored := 0
	for _, item := range resp.Results {
		if item.Error != "" {
			errored++
			if item.Report != nil {
				t.Error("errored item should not carry a report")
			}
		}
	}
	if errored != 1 {
		t.Errorf("errored = %d, want 1", errored)
	}
	if resp.Summary.Valid+resp.Summary.Anomalous != resp.Summary.Total-errored {
		t.Errorf("valid(%d)+anomalous(%d) != total(%d)-errors(%d)",
			resp.Summary.Valid, resp.Summary.Anomalous, resp.Summary.Total, errored)
	}
	if resp.Summary.NeedsReview > resp.Summary.Anomalous {
		t.Errorf("needs_review(%d) exceeds anomalous(%d)", resp.Summary.NeedsReview, resp.Summary.Anomalous)
	}
}

func TestBatchCheckRequiresList(t *testing.T) {
	srv, _ := newTestServer(t)
	trainTestDetector(t, srv)
	handler := srv.routes()

	w := postJSON(t, handler, "/api/v1/ml/batch-check", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing session_ids: got %d, want 400", w.Code)
	}

	// Empty list is still a list.
	w = postJSON(t, handler, "/api/v1/ml/batch-check", `{"session_ids":[]}`)
	if w.Code != http.StatusOK {
		t.Errorf("empty list: got %d, want 200", w.Code)
	}
	var resp BatchCheckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Summary.Total != 0 {
		t.Errorf("total = %d, want 0", resp.Summary.Total)
	}
}

func TestModelStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	// Untrained
	w := getPath(t, handler, "/api/v1/ml/model-status")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
	var status ModelStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.ModelLoaded {
		t.Error("expected model_loaded=false before training")
	}
	if status.Threshold != nil {
		t.Error("expected no threshold before training")
	}
	if status.FeatureCount != ml.FeatureCount {
		t.Errorf("feature_count = %d, want %d", status.FeatureCount, ml.FeatureCount)
	}
	if len(status.FeatureNames) != ml.FeatureCount {
		t.Errorf("feature_names length = %d, want %d", len(status.FeatureNames), ml.FeatureCount)
	}

	// Trained
	trainTestDetector(t, srv)
	w = getPath(t, handler, "/api/v1/ml/model-status")
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !status.ModelLoaded {
		t.Error("expected model_loaded=true after training")
	}
	if status.Threshold == nil || *status.Threshold <= 0 {
		t.Errorf("expected positive threshold, got %v", status.Threshold)
	}
}

func TestRetrainLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	// Small schedule so the background run finishes quickly.
	srv.config.Training.Epochs = 5
	srv.config.Training.NNormal = 80
	srv.config.Training.BatchSize = 16
	srv.config.Training.LearningRate = 0.01
	handler := srv.routes()

	w := postJSON(t, handler, "/api/v1/ml/retrain", `{}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	runID := resp["run_id"]
	if runID == "" {
		t.Fatal("expected run_id in response")
	}

	// Wait for the background run to finish.
	deadline := time.Now().Add(30 * time.Second)
	for !srv.getDetector().IsTrained() {
		if time.Now().After(deadline) {
			t.Fatal("training did not complete in time")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Run record reaches completed.
	for {
		run, err := store.LatestTrainingRun(context.Background())
		if err == nil {
			if run.ID != runID {
				t.Errorf("latest run ID %q, want %q", run.ID, runID)
			}
			if run.Threshold <= 0 {
				t.Errorf("expected positive threshold, got %v", run.Threshold)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed run never recorded: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRetrainConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	srv.trainMu.Lock()
	srv.training = true
	srv.trainMu.Unlock()

	w := postJSON(t, handler, "/api/v1/ml/retrain", `{}`)
	if w.Code != http.StatusConflict {
		t.Errorf("got %d, want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), "training already in progress") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestHealthAndInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	w := getPath(t, handler, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("/health: got %d, want 200", w.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode /health: %v", err)
	}
	if loaded, ok := health["model_loaded"].(bool); !ok || loaded {
		t.Errorf("expected model_loaded=false, got %v", health["model_loaded"])
	}

	w = getPath(t, handler, "/info")
	if w.Code != http.StatusOK {
		t.Errorf("/info: got %d, want 200", w.Code)
	}
	var info map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("failed to decode /info: %v", err)
	}
	if info["name"] != "screenguard" {
		t.Errorf("name = %v, want screenguard", info["name"])
	}
}

func TestReadyNotRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	w := getPath(t, handler, "/ready")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready before Start: got %d, want 503", w.Code)
	}
}
