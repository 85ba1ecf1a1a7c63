package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/syn-research/screenguard/internal/audit"
	"github.com/syn-research/screenguard/internal/config"
	"github.com/syn-research/screenguard/internal/db"
	"github.com/syn-research/screenguard/internal/metrics"
	"github.com/syn-research/screenguard/internal/middleware"
	"github.com/syn-research/screenguard/internal/ml"
)

// Server is the screening quality HTTP service. It owns the detector, the
// session store, and the training lifecycle.
type Server struct {
	config *config.Config
	store  db.Store
	audit  audit.Logger
	logger *zap.Logger

	// detector is swapped atomically after a successful retrain; detMu
	// serializes the swap against in-flight detections.
	detMu    sync.RWMutex
	detector *ml.ScreeningDetector

	// trainMu guards the single-flight training slot.
	trainMu  sync.Mutex
	training bool

	limiter *middleware.RateLimiter
	hub     *progressHub

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new screening quality server. The detector is built
// eagerly; a missing model artifact leaves it in the documented untrained
// degraded mode rather than failing startup.
func NewServer(cfg *config.Config, store db.Store, auditLog audit.Logger, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:  cfg,
		store:   store,
		audit:   auditLog,
		logger:  logger,
		limiter: middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		hub:     newProgressHub(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := srv.initializeDetector(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize detector: %w", err)
	}

	return srv, nil
}

// initializeDetector builds the detector and loads the model artifact when
// one exists on disk.
func (s *Server) initializeDetector() error {
	detector, err := ml.NewScreeningDetector(s.config.Model.ThresholdPercentile, s.config.Model.Seed)
	if err != nil {
		return err
	}

	if s.config.Model.Path != "" {
		if err := detector.Load(s.config.Model.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("no model artifact found, serving in untrained mode",
					zap.String("path", s.config.Model.Path))
			} else {
				s.logger.Error("failed to load model artifact",
					zap.String("path", s.config.Model.Path),
					zap.Error(err))
				if s.audit != nil {
					_ = s.audit.Log(s.ctx, audit.NewEvent(audit.EventModelLoadFailed).
						WithResource(s.config.Model.Path, "model").
						WithError(err, "model_load_error"))
				}
			}
		} else {
			if s.audit != nil {
				_ = s.audit.LogModelLoaded(s.ctx, s.config.Model.Path, detector.IsTrained())
			}
			s.logger.Info("model artifact loaded",
				zap.String("path", s.config.Model.Path),
				zap.Bool("trained", detector.IsTrained()))
		}
	}

	s.setDetector(detector)
	return nil
}

// getDetector returns the current detector snapshot.
func (s *Server) getDetector() *ml.ScreeningDetector {
	s.detMu.RLock()
	defer s.detMu.RUnlock()
	return s.detector
}

// setDetector swaps the active detector and refreshes the model gauges.
func (s *Server) setDetector(d *ml.ScreeningDetector) {
	s.detMu.Lock()
	s.detector = d
	s.detMu.Unlock()

	if t, ok := d.Threshold(); ok {
		metrics.ModelTrained.Set(1)
		metrics.ModelThreshold.Set(t)
	} else {
		metrics.ModelTrained.Set(0)
		metrics.ModelThreshold.Set(0)
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server", zap.Int("port", s.config.Server.Port))

		var err error
		if s.config.Server.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.config.Server.TLSCertPath, s.config.Server.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.audit != nil {
		_ = s.audit.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).
			WithResult(audit.ResultSuccess).
			WithMetadata("port", s.config.Server.Port))
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down HTTP server", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()
	s.limiter.Stop()
	s.hub.closeAll()

	if s.audit != nil {
		_ = s.audit.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
			WithResult(audit.ResultSuccess))
		_ = s.audit.Sync()
	}

	return nil
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// routes builds the HTTP mux with rate limiting and metrics wrapping.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and introspection
	mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	mux.HandleFunc("/ready", s.instrument("/ready", s.handleReady))
	mux.HandleFunc("/info", s.instrument("/info", s.handleInfo))
	mux.Handle("/metrics", promhttp.Handler())

	// Quality check endpoints
	mux.HandleFunc("/api/v1/ml/check-screening-quality",
		s.limiter.Middleware(s.instrument("/api/v1/ml/check-screening-quality", s.handleCheckQuality)))
	mux.HandleFunc("/api/v1/ml/batch-check",
		s.limiter.Middleware(s.instrument("/api/v1/ml/batch-check", s.handleBatchCheck)))
	mux.HandleFunc("/api/v1/ml/model-status",
		s.limiter.Middleware(s.instrument("/api/v1/ml/model-status", s.handleModelStatus)))
	mux.HandleFunc("/api/v1/ml/retrain",
		s.limiter.Middleware(s.instrument("/api/v1/ml/retrain", s.handleRetrain)))

	// Training progress stream
	mux.HandleFunc("/api/v1/ml/train/ws", s.handleTrainWS)

	return mux
}
