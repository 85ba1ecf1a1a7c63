package ml

import (
	"fmt"
	"math"
	"sort"
)

// Recommendation tiers, ordered by severity.
const (
	RecommendationAccept = "ACCEPT"
	RecommendationReview = "REVIEW"
	RecommendationReject = "REJECT"
)

// Detector is the capability interface any anomaly detector implementation
// must satisfy. It lets the serving layer swap in a different model family
// without touching the HTTP handlers.
type Detector interface {
	// Detect analyzes one session and returns its anomaly report.
	Detect(data *SessionData) (*Report, error)

	// ExtractFeatures returns the raw feature vector for one session.
	ExtractFeatures(data *SessionData) []float64

	// IsTrained reports whether normalization statistics and a threshold
	// are available. When false, Detect degrades to a never-anomalous
	// report with confidence 0.5.
	IsTrained() bool
}

// Report is the structured verdict for one screening session.
type Report struct {
	IsValid        bool          `json:"is_valid"`
	AnomalyScore   float64       `json:"anomaly_score"`
	Confidence     float64       `json:"confidence"`
	Issues         []string      `json:"issues"`
	Recommendation string        `json:"recommendation"`
	Details        ReportDetails `json:"details"`
}

// ReportDetails carries the diagnostic breakdown behind a verdict.
// Threshold is nil when the detector has not been trained.
type ReportDetails struct {
	ReconstructionError float64        `json:"reconstruction_error"`
	Threshold           *float64       `json:"threshold"`
	FeatureValues       []float64      `json:"feature_values"`
	FeatureNames        []string       `json:"feature_names"`
	LargestErrors       []FeatureError `json:"largest_reconstruction_errors"`
}

// FeatureError describes how badly one feature was reconstructed.
type FeatureError struct {
	Feature       string  `json:"feature"`
	Original      float64 `json:"original"`
	Reconstructed float64 `json:"reconstructed"`
	Error         float64 `json:"error"`
}

// TrainingConfig bundles the hyperparameters for Fit.
type TrainingConfig struct {
	Epochs              int
	LearningRate        float64
	BatchSize           int
	ThresholdPercentile float64
	Seed                int64

	// Progress, when set, is invoked once per epoch. valLoss is NaN when
	// no validation split was given.
	Progress func(epoch int, trainLoss, valLoss float64)
}

// DefaultTrainingConfig returns the documented defaults.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:              100,
		LearningRate:        0.001,
		BatchSize:           32,
		ThresholdPercentile: 95.0,
		Seed:                42,
	}
}

// normEpsilon keeps standardization finite for constant features.
const normEpsilon = 1e-8

// ScreeningDetector scores screening sessions with an autoencoder trained on
// normal behavior only. Reconstruction error above a percentile threshold of
// the training distribution marks a session anomalous.
//
// The zero-value state (before Fit or Load) is a documented degraded mode:
// Detect still works but never flags anomalies and reports 0.5 confidence.
//
// Fit and Load mutate state; Detect only reads it. Callers sharing one
// instance across goroutines must serialize mutations against reads; the
// server does this with a RWMutex around the detector reference.
type ScreeningDetector struct {
	extractor *FeatureExtractor
	model     *Autoencoder

	thresholdPercentile float64
	threshold           *float64
	featureMeans        []float64
	featureStds         []float64
}

// NewScreeningDetector builds an untrained detector with the default
// 15→8→4→8→15 topology. thresholdPercentile selects the percentile of
// training errors used as the anomaly cutoff (95 is the documented default).
func NewScreeningDetector(thresholdPercentile float64, seed int64) (*ScreeningDetector, error) {
	if thresholdPercentile <= 0 || thresholdPercentile > 100 {
		return nil, fmt.Errorf("threshold percentile must be in (0, 100], got %v", thresholdPercentile)
	}
	model, err := NewAutoencoder(FeatureCount, []int{8, 4}, seed)
	if err != nil {
		return nil, err
	}
	return &ScreeningDetector{
		extractor:           NewFeatureExtractor(),
		model:               model,
		thresholdPercentile: thresholdPercentile,
	}, nil
}

// ExtractFeatures returns the raw feature vector for one session.
func (d *ScreeningDetector) ExtractFeatures(data *SessionData) []float64 {
	return d.extractor.Extract(data)
}

// FeatureNames returns the canonical feature names.
func (d *ScreeningDetector) FeatureNames() []string {
	return d.extractor.FeatureNames()
}

// IsTrained reports whether the detector has normalization statistics and a
// calibrated threshold.
func (d *ScreeningDetector) IsTrained() bool {
	return d.threshold != nil && d.featureMeans != nil && d.featureStds != nil
}

// Threshold returns the calibrated anomaly threshold, and false when the
// detector is untrained.
func (d *ScreeningDetector) Threshold() (float64, bool) {
	if d.threshold == nil {
		return 0, false
	}
	return *d.threshold, true
}

// Model exposes the underlying autoencoder, mainly for loss-history
// inspection after training.
func (d *ScreeningDetector) Model() *Autoencoder { return d.model }

// Fit trains the autoencoder on normal-only feature vectors, then calibrates
// the anomaly threshold as the configured percentile of the training-set
// reconstruction errors.
//
// Callers must pass vectors from sessions known (or assumed) to be normal:
// anomalous rows silently inflate the threshold, and that contract is not
// checked here.
func (d *ScreeningDetector) Fit(train, val [][]float64, cfg TrainingConfig) error {
	if len(train) == 0 {
		return fmt.Errorf("training set is empty")
	}

	// Per-feature normalization statistics from the training corpus.
	means := make([]float64, FeatureCount)
	stds := make([]float64, FeatureCount)
	for j := 0; j < FeatureCount; j++ {
		col := make([]float64, len(train))
		for i, row := range train {
			if len(row) != FeatureCount {
				return fmt.Errorf("feature width mismatch: expected %d, got %d", FeatureCount, len(row))
			}
			col[i] = row[j]
		}
		m := mean(col)
		means[j] = m
		stds[j] = stddev(col, m)
	}
	d.featureMeans = means
	d.featureStds = stds

	trainNorm := d.normalizeBatch(train)
	var valNorm [][]float64
	if val != nil {
		valNorm = d.normalizeBatch(val)
	}

	if err := d.model.Fit(trainNorm, valNorm, cfg.Epochs, cfg.LearningRate, cfg.BatchSize, cfg.Progress); err != nil {
		// Roll back to untrained so a failed fit cannot leave
		// half-calibrated state behind.
		d.featureMeans = nil
		d.featureStds = nil
		d.threshold = nil
		return err
	}

	recon, err := d.model.Forward(trainNorm)
	if err != nil {
		return err
	}
	errs := d.model.ReconstructionError(trainNorm, recon)
	t := percentile(errs, d.thresholdPercentile)
	d.threshold = &t
	return nil
}

// Detect extracts features from a session and scores them.
func (d *ScreeningDetector) Detect(data *SessionData) (*Report, error) {
	return d.DetectVector(d.extractor.Extract(data))
}

// DetectVector scores a raw 15-feature vector and assembles the full report.
func (d *ScreeningDetector) DetectVector(features []float64) (*Report, error) {
	if len(features) != FeatureCount {
		return nil, fmt.Errorf("feature width mismatch: expected %d, got %d", FeatureCount, len(features))
	}

	norm := d.normalize(features)
	recon, err := d.model.Forward([][]float64{norm})
	if err != nil {
		return nil, err
	}
	errValue := d.model.ReconstructionError([][]float64{norm}, recon)[0]
	isAnomalous, confidence, recommendation := scoreVerdict(errValue, d.threshold)

	return &Report{
		IsValid:        !isAnomalous,
		AnomalyScore:   errValue,
		Confidence:     confidence,
		Issues:         identifyIssues(features, isAnomalous),
		Recommendation: recommendation,
		Details: ReportDetails{
			ReconstructionError: errValue,
			Threshold:           d.threshold,
			FeatureValues:       append([]float64(nil), features...),
			FeatureNames:        FeatureNames(),
			LargestErrors:       topErrors(features, recon[0], 3),
		},
	}, nil
}

// normalize standardizes one raw vector with the stored statistics.
// Identity when the detector is unfitted.
func (d *ScreeningDetector) normalize(features []float64) []float64 {
	if d.featureMeans == nil || d.featureStds == nil {
		return append([]float64(nil), features...)
	}
	out := make([]float64, len(features))
	for j, v := range features {
		out[j] = (v - d.featureMeans[j]) / (d.featureStds[j] + normEpsilon)
	}
	return out
}

func (d *ScreeningDetector) normalizeBatch(batch [][]float64) [][]float64 {
	out := make([][]float64, len(batch))
	for i, row := range batch {
		out[i] = d.normalize(row)
	}
	return out
}

// scoreVerdict turns a reconstruction error and an optional threshold into
// the classification triple. The comparison is strictly greater-than: an
// error exactly at the threshold is normal. A nil threshold is the untrained
// degraded mode: never anomalous, confidence pinned at 0.5.
func scoreVerdict(errValue float64, threshold *float64) (bool, float64, string) {
	if threshold == nil {
		return false, 0.5, RecommendationAccept
	}
	t := *threshold
	isAnomalous := errValue > t

	var confidence float64
	if isAnomalous {
		confidence = math.Min(0.99, 0.5+0.5*(errValue/t-1.0))
	} else {
		confidence = math.Min(0.99, 0.5+0.5*(1.0-errValue/t))
	}

	recommendation := RecommendationAccept
	if isAnomalous {
		recommendation = RecommendationReview
		if errValue > t*2 {
			recommendation = RecommendationReject
		}
	}
	return isAnomalous, confidence, recommendation
}

// identifyIssues applies the rule-based attribution over raw feature values.
// Only anomalous sessions get issues; the rules run in a fixed order so the
// issue list is deterministic.
func identifyIssues(features []float64, isAnomalous bool) []string {
	if !isAnomalous {
		return []string{}
	}

	issues := []string{}
	avgRT := features[idxAvgResponseTime]
	cvRT := features[idxCVResponseTime]
	pctTooFast := features[idxPctTooFast]
	pctTooSlow := features[idxPctTooSlow]
	consentTiming := features[idxConsentTiming]
	completionRate := features[idxCompletionRate]

	// Rushed behavior.
	if avgRT < 5.0 {
		issues = append(issues, fmt.Sprintf("Suspiciously fast average response time (%.1fs)", avgRT))
	}
	if pctTooFast > 0.4 {
		issues = append(issues, fmt.Sprintf("High percentage of rushed responses (%.0f%%)", pctTooFast*100))
	}
	if consentTiming < 2.0 {
		issues = append(issues, fmt.Sprintf("Consent given too quickly (%.1fs)", consentTiming))
	}

	// Bot-like behavior.
	if cvRT < 0.1 {
		issues = append(issues, fmt.Sprintf("Extremely uniform timing pattern (CV=%.3f)", cvRT))
	}

	// Distracted behavior.
	if pctTooSlow > 0.3 {
		issues = append(issues, fmt.Sprintf("Many very slow responses (%.0f%%)", pctTooSlow*100))
	}
	if avgRT > 120 {
		issues = append(issues, fmt.Sprintf("Very slow average response time (%.1fs)", avgRT))
	}

	// Incomplete.
	if completionRate < 0.7 {
		issues = append(issues, fmt.Sprintf("Low completion rate (%.0f%%)", completionRate*100))
	}

	if len(issues) == 0 {
		issues = append(issues, "Unusual behavioral pattern detected")
	}
	return issues
}

// topErrors returns the k features with the largest absolute difference
// between raw value and reconstruction, largest first.
func topErrors(features, reconstructed []float64, k int) []FeatureError {
	names := FeatureNames()
	all := make([]FeatureError, len(features))
	for i := range features {
		all[i] = FeatureError{
			Feature:       names[i],
			Original:      features[i],
			Reconstructed: reconstructed[i],
			Error:         math.Abs(features[i] - reconstructed[i]),
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Error > all[j].Error })
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// percentile computes the p-th percentile of values with linear
// interpolation between closest ranks (numpy's default method).
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
