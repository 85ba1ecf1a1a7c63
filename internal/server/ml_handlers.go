package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syn-research/screenguard/internal/audit"
	"github.com/syn-research/screenguard/internal/db"
	"github.com/syn-research/screenguard/internal/metrics"
	"github.com/syn-research/screenguard/internal/ml"
)

// CheckQualityRequest asks for a quality verdict on one session.
type CheckQualityRequest struct {
	SessionID string `json:"session_id"`
}

// BatchCheckRequest asks for verdicts on many sessions at once.
type BatchCheckRequest struct {
	SessionIDs []string `json:"session_ids"`
}

// BatchItem is one per-session entry in a batch response. Exactly one of
// Report and Error is set.
type BatchItem struct {
	SessionID string     `json:"session_id"`
	Report    *ml.Report `json:"report,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// BatchSummary aggregates a batch response. Sessions that errored are
// counted in Total but in neither Valid nor Anomalous.
type BatchSummary struct {
	Total       int `json:"total"`
	Valid       int `json:"valid"`
	Anomalous   int `json:"anomalous"`
	NeedsReview int `json:"needs_review"`
}

// BatchCheckResponse is the full batch-check payload.
type BatchCheckResponse struct {
	Results []BatchItem  `json:"results"`
	Summary BatchSummary `json:"summary"`
}

// ModelStatusResponse describes the currently loaded detector.
type ModelStatusResponse struct {
	ModelLoaded  bool     `json:"model_loaded"`
	Threshold    *float64 `json:"threshold,omitempty"`
	FeatureCount int      `json:"feature_count"`
	FeatureNames []string `json:"feature_names"`
}

// handleCheckQuality handles POST /api/v1/ml/check-screening-quality
func (s *Server) handleCheckQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CheckQualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		jsonError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	rec, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("session lookup failed", zap.String("session_id", req.SessionID), zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	detector := s.getDetector()
	if !detector.IsTrained() {
		jsonError(w, http.StatusServiceUnavailable, "model not trained")
		return
	}

	start := time.Now()
	report, err := detector.Detect(sessionData(rec))
	if err != nil {
		s.logger.Error("detection failed", zap.String("session_id", req.SessionID), zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	metrics.DetectionsTotal.WithLabelValues(report.Recommendation, "single").Inc()
	metrics.DetectionDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
	metrics.AnomalyScores.Observe(report.AnomalyScore)

	s.recordVerdict(r.Context(), req.SessionID, report)

	writeJSON(w, http.StatusOK, report)
}

// handleBatchCheck handles POST /api/v1/ml/batch-check
func (s *Server) handleBatchCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req BatchCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionIDs == nil {
		jsonError(w, http.StatusBadRequest, "session_ids must be a list")
		return
	}

	detector := s.getDetector()
	if !detector.IsTrained() {
		jsonError(w, http.StatusServiceUnavailable, "model not trained")
		return
	}

	start := time.Now()
	resp := BatchCheckResponse{
		Results: make([]BatchItem, 0, len(req.SessionIDs)),
		Summary: BatchSummary{Total: len(req.SessionIDs)},
	}

	for _, id := range req.SessionIDs {
		item := BatchItem{SessionID: id}

		rec, err := s.store.GetSession(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				item.Error = "session not found"
			} else {
				item.Error = "internal error"
				s.logger.Error("session lookup failed", zap.String("session_id", id), zap.Error(err))
			}
			resp.Results = append(resp.Results, item)
			continue
		}

		report, err := detector.Detect(sessionData(rec))
		if err != nil {
			item.Error = "detection failed"
			s.logger.Error("detection failed", zap.String("session_id", id), zap.Error(err))
			resp.Results = append(resp.Results, item)
			continue
		}

		item.Report = report
		resp.Results = append(resp.Results, item)

		if report.IsValid {
			resp.Summary.Valid++
		} else {
			resp.Summary.Anomalous++
		}
		if report.Recommendation == ml.RecommendationReview {
			resp.Summary.NeedsReview++
		}

		metrics.DetectionsTotal.WithLabelValues(report.Recommendation, "batch").Inc()
		metrics.AnomalyScores.Observe(report.AnomalyScore)
		s.recordVerdict(r.Context(), id, report)
	}

	metrics.BatchSizeChecked.Observe(float64(len(req.SessionIDs)))
	metrics.DetectionDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())

	if s.audit != nil {
		_ = s.audit.LogBatchCheck(r.Context(), resp.Summary.Total, resp.Summary.Anomalous, time.Since(start))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleModelStatus handles GET /api/v1/ml/model-status. Always 200; the
// payload says whether a trained model is serving.
func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	detector := s.getDetector()
	resp := ModelStatusResponse{
		ModelLoaded:  detector.IsTrained(),
		FeatureCount: ml.FeatureCount,
		FeatureNames: detector.FeatureNames(),
	}
	if t, ok := detector.Threshold(); ok {
		resp.Threshold = &t
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRetrain handles POST /api/v1/ml/retrain. Training runs in a
// background goroutine; only one run may be in flight at a time.
func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.trainMu.Lock()
	if s.training {
		s.trainMu.Unlock()
		jsonError(w, http.StatusConflict, "training already in progress")
		return
	}
	s.training = true
	s.trainMu.Unlock()

	runID := audit.GenerateCorrelationID()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.trainMu.Lock()
			s.training = false
			s.trainMu.Unlock()
		}()
		s.runTraining(runID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "training_started",
		"run_id": runID,
	})
}

// runTraining generates a synthetic normal-only dataset, fits a fresh
// detector, persists the artifact, and swaps it in under lock.
func (s *Server) runTraining(runID string) {
	ctx := s.ctx
	cfg := s.config
	started := time.Now()

	run := &db.TrainingRunRecord{
		ID:           runID,
		Status:       "running",
		Epochs:       cfg.Training.Epochs,
		LearningRate: cfg.Training.LearningRate,
		BatchSize:    cfg.Training.BatchSize,
		SampleCount:  cfg.Training.NNormal,
		StartedAt:    started,
	}
	if err := s.store.SaveTrainingRun(ctx, run); err != nil {
		s.logger.Warn("failed to record training run", zap.String("run_id", runID), zap.Error(err))
	}
	if s.audit != nil {
		_ = s.audit.LogTrainingStarted(ctx, runID)
	}
	s.hub.broadcast(ProgressMessage{Type: ProgressStarted, RunID: runID, Epochs: cfg.Training.Epochs, Timestamp: time.Now()})

	err := s.trainAndSwap(runID, run)

	run.FinishedAt = time.Now()
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		metrics.TrainingRunsTotal.WithLabelValues("failed").Inc()
		if s.audit != nil {
			_ = s.audit.LogTrainingFailed(ctx, runID, err)
		}
		s.hub.broadcast(ProgressMessage{Type: ProgressFailed, RunID: runID, Error: err.Error(), Timestamp: time.Now()})
		s.logger.Error("training run failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		run.Status = "completed"
		metrics.TrainingRunsTotal.WithLabelValues("completed").Inc()
		metrics.TrainingDuration.Observe(time.Since(started).Seconds())
		if s.audit != nil {
			_ = s.audit.LogTrainingCompleted(ctx, runID, run.Threshold, time.Since(started))
		}
		s.hub.broadcast(ProgressMessage{Type: ProgressCompleted, RunID: runID, Threshold: &run.Threshold, Timestamp: time.Now()})
		s.logger.Info("training run completed",
			zap.String("run_id", runID),
			zap.Float64("threshold", run.Threshold),
			zap.Duration("duration", time.Since(started)))
	}

	if err := s.store.SaveTrainingRun(ctx, run); err != nil {
		s.logger.Warn("failed to update training run", zap.String("run_id", runID), zap.Error(err))
	}
}

// trainAndSwap does the actual fit. Split out so runTraining can handle
// bookkeeping for both outcomes in one place.
func (s *Server) trainAndSwap(runID string, run *db.TrainingRunRecord) error {
	cfg := s.config

	gen := ml.NewDataGenerator(cfg.Model.Seed)
	features := gen.GenerateNormal(cfg.Training.NNormal)

	// Hold out the tail as the validation split.
	var train, val [][]float64
	nVal := int(float64(len(features)) * cfg.Training.ValidationSplit)
	if nVal > 0 && nVal < len(features) {
		train = features[:len(features)-nVal]
		val = features[len(features)-nVal:]
	} else {
		train = features
	}

	detector, err := ml.NewScreeningDetector(cfg.Model.ThresholdPercentile, cfg.Model.Seed)
	if err != nil {
		return err
	}

	trainCfg := ml.TrainingConfig{
		Epochs:              cfg.Training.Epochs,
		LearningRate:        cfg.Training.LearningRate,
		BatchSize:           cfg.Training.BatchSize,
		ThresholdPercentile: cfg.Model.ThresholdPercentile,
		Seed:                cfg.Model.Seed,
		Progress: func(epoch int, trainLoss, valLoss float64) {
			msg := ProgressMessage{
				Type:      ProgressEpoch,
				RunID:     runID,
				Epoch:     epoch,
				Epochs:    cfg.Training.Epochs,
				TrainLoss: &trainLoss,
				Timestamp: time.Now(),
			}
			if !math.IsNaN(valLoss) {
				msg.ValLoss = &valLoss
			}
			s.hub.broadcast(msg)
		},
	}

	if err := detector.Fit(train, val, trainCfg); err != nil {
		return err
	}

	if cfg.Model.Path != "" {
		if err := detector.Save(cfg.Model.Path); err != nil {
			return err
		}
		if s.audit != nil {
			_ = s.audit.Log(s.ctx, audit.NewEvent(audit.EventModelSaved).
				WithResource(cfg.Model.Path, "model").
				WithResult(audit.ResultSuccess))
		}
	}

	if t, ok := detector.Threshold(); ok {
		run.Threshold = t
	}
	if losses := detector.Model().TrainLosses(); len(losses) > 0 {
		run.FinalTrainLoss = losses[len(losses)-1]
	}
	if losses := detector.Model().ValLosses(); len(losses) > 0 {
		run.FinalValLoss = losses[len(losses)-1]
	}

	s.setDetector(detector)
	return nil
}

// recordVerdict persists and audit-logs one verdict. Failures are logged,
// never surfaced: the caller already has its report.
func (s *Server) recordVerdict(ctx context.Context, sessionID string, report *ml.Report) {
	issues, _ := json.Marshal(report.Issues)
	details, _ := json.Marshal(report.Details)

	rec := &db.VerdictRecord{
		SessionID:      sessionID,
		CorrelationID:  audit.GetCorrelationID(ctx),
		IsValid:        report.IsValid,
		AnomalyScore:   report.AnomalyScore,
		Confidence:     report.Confidence,
		Recommendation: report.Recommendation,
		Threshold:      report.Details.Threshold,
		Issues:         string(issues),
		Details:        string(details),
		CheckedAt:      time.Now().UTC(),
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = audit.GenerateCorrelationID()
	}

	if err := s.store.AppendVerdict(ctx, rec); err != nil {
		s.logger.Warn("failed to persist verdict", zap.String("session_id", sessionID), zap.Error(err))
	}
	if s.audit != nil {
		_ = s.audit.LogQualityCheck(ctx, sessionID, report.Recommendation, report.AnomalyScore)
	}
}

// sessionData maps a store record onto the extractor's boundary type.
func sessionData(rec *db.SessionRecord) *ml.SessionData {
	data := &ml.SessionData{
		Status:     rec.Status,
		Definition: rec.Definition,
	}
	if rec.Health != nil {
		data.Health = &ml.HealthAnswers{
			DrugUse:          rec.Health.DrugUse,
			NeuroCondition:   rec.Health.NeuroCondition,
			MedicalTreatment: rec.Health.MedicalTreatment,
		}
	}
	for _, tf := range rec.TypeFrequencies {
		data.TypeFrequencies = append(data.TypeFrequencies, tf.Frequency)
	}
	for _, ev := range rec.Events {
		data.Events = append(data.Events, ml.StepEvent{
			Name:      ev.Name,
			Step:      ev.Step,
			CreatedAt: ev.CreatedAt,
		})
	}
	return data
}
