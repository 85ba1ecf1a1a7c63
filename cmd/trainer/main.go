package main

// Package main is the offline trainer for the screenguard detector.
//
// Responsibilities:
//   - Load configuration (same sources as the server)
//   - Generate a synthetic normal-only training corpus
//   - Fit the autoencoder and calibrate the anomaly threshold
//   - Optionally evaluate detection on synthetic anomalous sessions
//   - Persist the model artifact next to its calibration blob
//   - Record the run in the training history table
//
// The server's retrain endpoint runs this same procedure in-process; this
// binary exists for scheduled offline retraining and for bootstrapping the
// first artifact before the server ever starts.

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syn-research/screenguard/internal/config"
	"github.com/syn-research/screenguard/internal/db"
	"github.com/syn-research/screenguard/internal/ml"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Training failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("SCREENGUARD_CONFIG")
	if configPath == "" {
		configPath = "/etc/screenguard/config.yaml"
	}

	ctx := context.Background()

	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := mgr.Get(ctx)

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	runID := uuid.NewString()
	started := time.Now()

	rec := &db.TrainingRunRecord{
		ID:           runID,
		Status:       "running",
		Epochs:       cfg.Training.Epochs,
		LearningRate: cfg.Training.LearningRate,
		BatchSize:    cfg.Training.BatchSize,
		SampleCount:  cfg.Training.NNormal,
		StartedAt:    started,
	}
	if err := store.SaveTrainingRun(ctx, rec); err != nil {
		logger.Warn("failed to record training run", zap.Error(err))
	}

	detector, trainErr := train(cfg, logger, rec)

	rec.FinishedAt = time.Now()
	if trainErr != nil {
		rec.Status = "failed"
		rec.Error = trainErr.Error()
		if err := store.SaveTrainingRun(ctx, rec); err != nil {
			logger.Warn("failed to update training run", zap.Error(err))
		}
		return trainErr
	}

	rec.Status = "completed"
	if err := store.SaveTrainingRun(ctx, rec); err != nil {
		logger.Warn("failed to update training run", zap.Error(err))
	}

	if cfg.Training.NAnomalous > 0 {
		evaluate(cfg, detector, logger)
	}

	logger.Info("training complete",
		zap.String("run_id", runID),
		zap.Float64("threshold", rec.Threshold),
		zap.String("model_path", cfg.Model.Path),
		zap.Duration("duration", time.Since(started)))
	return nil
}

// train generates the corpus, fits the detector, and saves the artifact.
func train(cfg *config.Config, logger *zap.Logger, rec *db.TrainingRunRecord) (*ml.ScreeningDetector, error) {
	gen := ml.NewDataGenerator(cfg.Model.Seed)
	features := gen.GenerateNormal(cfg.Training.NNormal)

	var trainSet, valSet [][]float64
	nVal := int(float64(len(features)) * cfg.Training.ValidationSplit)
	if nVal > 0 && nVal < len(features) {
		trainSet = features[:len(features)-nVal]
		valSet = features[len(features)-nVal:]
	} else {
		trainSet = features
	}

	detector, err := ml.NewScreeningDetector(cfg.Model.ThresholdPercentile, cfg.Model.Seed)
	if err != nil {
		return nil, err
	}

	trainCfg := ml.TrainingConfig{
		Epochs:              cfg.Training.Epochs,
		LearningRate:        cfg.Training.LearningRate,
		BatchSize:           cfg.Training.BatchSize,
		ThresholdPercentile: cfg.Model.ThresholdPercentile,
		Seed:                cfg.Model.Seed,
		Progress: func(epoch int, trainLoss, valLoss float64) {
			if epoch%10 != 0 && epoch != cfg.Training.Epochs {
				return
			}
			fields := []zap.Field{
				zap.Int("epoch", epoch),
				zap.Int("epochs", cfg.Training.Epochs),
				zap.Float64("train_loss", trainLoss),
			}
			if !math.IsNaN(valLoss) {
				fields = append(fields, zap.Float64("val_loss", valLoss))
			}
			logger.Info("epoch", fields...)
		},
	}

	if err := detector.Fit(trainSet, valSet, trainCfg); err != nil {
		return nil, err
	}

	if cfg.Model.Path == "" {
		return nil, fmt.Errorf("model path is not configured")
	}
	if err := detector.Save(cfg.Model.Path); err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}

	if t, ok := detector.Threshold(); ok {
		rec.Threshold = t
	}
	if losses := detector.Model().TrainLosses(); len(losses) > 0 {
		rec.FinalTrainLoss = losses[len(losses)-1]
	}
	if losses := detector.Model().ValLosses(); len(losses) > 0 {
		rec.FinalValLoss = losses[len(losses)-1]
	}
	return detector, nil
}

// evaluate scores synthetic anomalous sessions against the fresh model and
// logs per-pattern detection rates. Purely informational.
func evaluate(cfg *config.Config, detector *ml.ScreeningDetector, logger *zap.Logger) {
	gen := ml.NewDataGenerator(cfg.Model.Seed + 1)
	perPattern := cfg.Training.NAnomalous / 4
	if perPattern == 0 {
		perPattern = cfg.Training.NAnomalous
	}

	for _, pattern := range []string{"rushed", "bot", "distracted", "inconsistent"} {
		vectors, err := gen.GenerateAnomalous(pattern, perPattern)
		if err != nil {
			logger.Warn("evaluation generation failed", zap.String("pattern", pattern), zap.Error(err))
			continue
		}

		flagged := 0
		for _, v := range vectors {
			report, err := detector.DetectVector(v)
			if err != nil {
				continue
			}
			if !report.IsValid {
				flagged++
			}
		}
		logger.Info("evaluation",
			zap.String("pattern", pattern),
			zap.Int("samples", len(vectors)),
			zap.Int("flagged", flagged),
			zap.Float64("detection_rate", float64(flagged)/float64(len(vectors))))
	}
}
