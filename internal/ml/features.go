package ml

import (
	"math"
	"strings"
	"time"
)

// FeatureCount is the fixed width of every feature vector produced by the
// extractor and consumed by the autoencoder.
const FeatureCount = 15

// totalSteps is the number of steps in the screening flow (0..5).
const totalSteps = 5

// featureNames is the canonical ordering of the 15 features. Positions are
// semantically fixed: the detector's issue-attribution rules index into raw
// vectors by these positions.
var featureNames = []string{
	// Timing features (7)
	"avg_response_time_sec",
	"std_response_time_sec",
	"min_response_time_sec",
	"max_response_time_sec",
	"cv_response_time",
	"pct_too_fast",
	"pct_too_slow",

	// Behavioral features (5)
	"health_check_sum",
	"definition_score",
	"type_selection_count",
	"type_selection_diversity",
	"consent_timing_sec",

	// Navigation features (3)
	"event_count",
	"back_navigation_count",
	"step_completion_rate",
}

// FeatureNames returns the canonical feature names in vector order.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// Indices of features the issue-attribution rules read from raw vectors.
const (
	idxAvgResponseTime = 0
	idxCVResponseTime  = 4
	idxPctTooFast      = 5
	idxPctTooSlow      = 6
	idxConsentTiming   = 11
	idxCompletionRate  = 14
)

// StepEvent is one timestamped navigation event within a screening session.
type StepEvent struct {
	Name      string
	Step      int
	CreatedAt time.Time
}

// HealthAnswers holds the health-exclusion checkboxes from the screening
// health step.
type HealthAnswers struct {
	DrugUse          bool
	NeuroCondition   bool
	MedicalTreatment bool
}

// SessionData aggregates everything the extractor needs about one screening
// session. It is the boundary type between persistence and the detector: the
// HTTP layer assembles it from store records, tests construct it directly.
type SessionData struct {
	// Status is the session lifecycle state ("completed", "exited", ...).
	Status string

	// Health is nil when the participant never reached the health step.
	Health *HealthAnswers

	// Definition is the definition-understanding answer: "no", "maybe",
	// "yes", or empty when unanswered.
	Definition string

	// TypeFrequencies holds the frequency answer ("yes", "sometimes", "no")
	// for each synesthesia type the participant selected. Unselected types
	// are simply absent.
	TypeFrequencies []string

	// Events is the ordered (by creation time) list of step events.
	Events []StepEvent
}

// FeatureExtractor turns a SessionData into the fixed 15-feature vector.
//
// All timing features are derived from the deltas between consecutive
// events; sessions with no events get a documented neutral default so the
// detector can always produce a report.
type FeatureExtractor struct{}

// NewFeatureExtractor returns a ready extractor. It is stateless and safe
// for concurrent use.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// FeatureNames returns the names for each position of extracted vectors.
func (e *FeatureExtractor) FeatureNames() []string {
	return FeatureNames()
}

// Extract computes the 15-feature vector for one session.
func (e *FeatureExtractor) Extract(data *SessionData) []float64 {
	features := make([]float64, 0, FeatureCount)
	features = append(features, e.timingFeatures(data.Events)...)
	features = append(features, e.behavioralFeatures(data)...)
	features = append(features, e.navigationFeatures(data)...)
	return features
}

// timingFeatures derives the 7 timing features from inter-event deltas.
func (e *FeatureExtractor) timingFeatures(events []StepEvent) []float64 {
	if len(events) == 0 {
		// Neutral defaults for an empty session.
		return []float64{30.0, 15.0, 5.0, 120.0, 0.5, 0.0, 0.0}
	}

	responseTimes := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		delta := events[i].CreatedAt.Sub(events[i-1].CreatedAt).Seconds()
		responseTimes = append(responseTimes, delta)
	}
	if len(responseTimes) == 0 {
		responseTimes = []float64{30.0}
	}

	avg := mean(responseTimes)
	std := 0.0
	if len(responseTimes) > 1 {
		std = stddev(responseTimes, avg)
	}
	minRT, maxRT := minMax(responseTimes)

	cv := 0.0
	if avg > 0 {
		cv = std / avg
	}

	fast, slow := 0, 0
	for _, rt := range responseTimes {
		if rt < 2.0 {
			fast++
		}
		if rt > 300.0 {
			slow++
		}
	}
	n := float64(len(responseTimes))

	return []float64{avg, std, minRT, maxRT, cv, float64(fast) / n, float64(slow) / n}
}

// behavioralFeatures derives the 5 answer-pattern features.
func (e *FeatureExtractor) behavioralFeatures(data *SessionData) []float64 {
	healthSum := 0.0
	if data.Health != nil {
		for _, checked := range []bool{data.Health.DrugUse, data.Health.NeuroCondition, data.Health.MedicalTreatment} {
			if checked {
				healthSum++
			}
		}
	}

	// Ordinal encoding of the definition answer.
	defScore := 0.0
	switch data.Definition {
	case "maybe":
		defScore = 1.0
	case "yes":
		defScore = 2.0
	}

	typeCount := float64(len(data.TypeFrequencies))
	typeDiversity := 0.0
	if typeCount > 0 {
		unique := map[string]struct{}{}
		for _, freq := range data.TypeFrequencies {
			unique[freq] = struct{}{}
		}
		typeDiversity = float64(len(unique)) / typeCount
	}

	// Time from session start to the consent checkbox.
	consentTiming := 30.0
	if len(data.Events) > 0 {
		for _, ev := range data.Events {
			if ev.Name == "consent_checked" {
				consentTiming = ev.CreatedAt.Sub(data.Events[0].CreatedAt).Seconds()
				break
			}
		}
	}

	return []float64{healthSum, defScore, typeCount, typeDiversity, consentTiming}
}

// navigationFeatures derives the 3 progression features.
func (e *FeatureExtractor) navigationFeatures(data *SessionData) []float64 {
	backNav := 0
	maxStep := 0
	for _, ev := range data.Events {
		if strings.Contains(strings.ToLower(ev.Name), "back") {
			backNav++
		}
		if ev.Step > maxStep {
			maxStep = ev.Step
		}
	}

	completion := 0.0
	switch data.Status {
	case "completed":
		completion = 1.0
	case "exited":
		completion = float64(maxStep) / float64(totalSteps)
	}

	return []float64{float64(len(data.Events)), float64(backNav), completion}
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, mean float64) float64 {
	sumSq := 0.0
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func minMax(xs []float64) (float64, float64) {
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
