package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Labels emitted by the generator.
const (
	LabelNormal    = 0
	LabelAnomalous = 1
)

// Anomaly pattern names.
const (
	PatternRushed       = "rushed"
	PatternBot          = "bot"
	PatternDistracted   = "distracted"
	PatternInconsistent = "inconsistent"
)

// SyntheticSession is one generated training example with its provenance.
type SyntheticSession struct {
	Features    []float64
	Label       int
	AnomalyType string // "none" for normal sessions
	// ResponseTimes are the raw per-step times the features were derived
	// from, kept for debugging and calibration reports.
	ResponseTimes []float64
}

// rtParams parameterizes a log-normal response-time distribution.
type rtParams struct {
	meanLog float64
	stdLog  float64
}

// DataGenerator produces synthetic screening feature vectors for training
// and calibration. Response times are drawn from log-normal distributions
// (the standard model for human response times); each anomaly pattern skews
// the distribution the way the corresponding misbehavior would.
//
// Output is fully reproducible for a fixed seed.
type DataGenerator struct {
	rng *rand.Rand

	normal    rtParams
	anomalies map[string]rtParams
}

// NewDataGenerator returns a generator seeded for reproducibility.
func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
		// exp(3.4) ≈ 30s average per step for genuine participants.
		normal: rtParams{meanLog: 3.4, stdLog: 0.6},
		anomalies: map[string]rtParams{
			PatternRushed:       {meanLog: 0.5, stdLog: 0.2},  // ≈1.6s, clicking through
			PatternBot:          {meanLog: 2.0, stdLog: 0.05}, // ≈7.4s, near-zero variance
			PatternDistracted:   {meanLog: 5.0, stdLog: 0.8},  // ≈148s, long pauses
			PatternInconsistent: {meanLog: 3.4, stdLog: 2.0},  // erratic swings
		},
	}
}

// GenerateDataset produces nNormal normal and nAnomalous anomalous sessions,
// shuffled, with 0/1 labels. anomalyDistribution maps pattern name to its
// share of the anomalous count and must sum to 1; nil means an even split
// across the four patterns.
func (g *DataGenerator) GenerateDataset(nNormal, nAnomalous int, anomalyDistribution map[string]float64) ([][]float64, []int, []SyntheticSession, error) {
	if anomalyDistribution == nil {
		anomalyDistribution = map[string]float64{
			PatternRushed:       0.25,
			PatternBot:          0.25,
			PatternDistracted:   0.25,
			PatternInconsistent: 0.25,
		}
	}
	total := 0.0
	for name, share := range anomalyDistribution {
		if _, ok := g.anomalies[name]; !ok {
			return nil, nil, nil, fmt.Errorf("unknown anomaly pattern %q", name)
		}
		total += share
	}
	if math.Abs(total-1.0) > 0.01 {
		return nil, nil, nil, fmt.Errorf("anomaly distribution must sum to 1.0, got %v", total)
	}

	sessions := make([]SyntheticSession, 0, nNormal+nAnomalous)
	for i := 0; i < nNormal; i++ {
		sessions = append(sessions, g.normalSession())
	}

	// Stratified by pattern, iterated in sorted order for reproducibility.
	patterns := make([]string, 0, len(anomalyDistribution))
	for name := range anomalyDistribution {
		patterns = append(patterns, name)
	}
	sort.Strings(patterns)
	for _, name := range patterns {
		count := int(float64(nAnomalous) * anomalyDistribution[name])
		for i := 0; i < count; i++ {
			sessions = append(sessions, g.anomalousSession(name))
		}
	}

	g.rng.Shuffle(len(sessions), func(i, j int) {
		sessions[i], sessions[j] = sessions[j], sessions[i]
	})

	features := make([][]float64, len(sessions))
	labels := make([]int, len(sessions))
	for i, s := range sessions {
		features[i] = s.Features
		labels[i] = s.Label
	}
	return features, labels, sessions, nil
}

// GenerateNormal produces n normal feature vectors only, for threshold
// calibration corpora.
func (g *DataGenerator) GenerateNormal(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = g.normalSession().Features
	}
	return out
}

// GenerateAnomalous produces n vectors of one anomaly pattern.
func (g *DataGenerator) GenerateAnomalous(pattern string, n int) ([][]float64, error) {
	if _, ok := g.anomalies[pattern]; !ok {
		return nil, fmt.Errorf("unknown anomaly pattern %q", pattern)
	}
	out := make([][]float64, n)
	for i := range out {
		out[i] = g.anomalousSession(pattern).Features
	}
	return out, nil
}

func (g *DataGenerator) normalSession() SyntheticSession {
	times := g.lognormalTimes(totalSteps, g.normal, 2.0, 180.0)

	healthSum := float64(g.binomial(3, 0.1))
	defScore := g.choice([]float64{0, 1, 2}, []float64{0.1, 0.2, 0.7})
	typeCount := g.choice([]float64{1, 2, 3, 4}, []float64{0.3, 0.4, 0.2, 0.1})
	typeDiversity := g.betaMedianOf3()
	consentTiming := clamp(math.Exp(g.rng.NormFloat64()*0.5+2.5), 2.0, 60.0)
	eventCount := float64(8 + g.rng.Intn(8))
	backNav := g.choice([]float64{0, 1, 2}, []float64{0.7, 0.2, 0.1})
	completion := 1.0
	if g.rng.Float64() >= 0.8 {
		completion = 0.6 + g.rng.Float64()*0.4
	}

	return SyntheticSession{
		Features:      assembleFeatures(times, healthSum, defScore, typeCount, typeDiversity, consentTiming, eventCount, backNav, completion),
		Label:         LabelNormal,
		AnomalyType:   "none",
		ResponseTimes: times,
	}
}

func (g *DataGenerator) anomalousSession(pattern string) SyntheticSession {
	times := g.lognormalTimes(totalSteps, g.anomalies[pattern], 0.5, 600.0)

	switch pattern {
	case PatternRushed:
		for i := range times {
			times[i] = clamp(times[i], 0.5, 3.0)
		}
	case PatternBot:
		base := times[0]
		for i := range times {
			times[i] = math.Abs(base + g.rng.NormFloat64()*0.1)
		}
	case PatternDistracted:
		for i := range times {
			if g.rng.Float64() < 0.4 {
				times[i] = 180 + g.rng.Float64()*420
			}
		}
	case PatternInconsistent:
		for i := range times {
			if i%2 == 0 {
				times[i] = 0.5 + g.rng.Float64()*1.5
			} else {
				times[i] = 120 + g.rng.Float64()*180
			}
		}
	}

	var healthSum, defScore, typeCount, typeDiversity, consentTiming, eventCount, backNav, completion float64
	switch pattern {
	case PatternRushed:
		// Skips reading, answers at random, often bails early.
		healthSum = float64(g.rng.Intn(4))
		defScore = g.choice([]float64{0, 1, 2}, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3})
		typeCount = float64(g.rng.Intn(5))
		typeDiversity = g.rng.Float64()
		consentTiming = 0.5 + g.rng.Float64()*1.5
		eventCount = float64(5 + g.rng.Intn(3))
		backNav = 0
		completion = 0.4 + g.rng.Float64()*0.4
	case PatternBot:
		// Mechanically consistent answers.
		healthSum = 0
		defScore = 2.0
		typeCount = 4
		typeDiversity = 0.25
		consentTiming = 5.0
		eventCount = 10
		backNav = 0
		completion = 1.0
	default:
		// Timing anomalies with otherwise ordinary answers.
		healthSum = float64(g.binomial(3, 0.1))
		defScore = g.choice([]float64{0, 1, 2}, []float64{0.1, 0.2, 0.7})
		typeCount = g.choice([]float64{1, 2, 3, 4}, []float64{0.3, 0.4, 0.2, 0.1})
		typeDiversity = g.betaMedianOf3()
		consentTiming = clamp(math.Exp(g.rng.NormFloat64()*0.5+2.5), 2.0, 60.0)
		eventCount = float64(8 + g.rng.Intn(8))
		backNav = g.choice([]float64{0, 1, 2}, []float64{0.7, 0.2, 0.1})
		completion = 1.0
		if g.rng.Float64() >= 0.5 {
			completion = 0.3 + g.rng.Float64()*0.5
		}
	}

	return SyntheticSession{
		Features:      assembleFeatures(times, healthSum, defScore, typeCount, typeDiversity, consentTiming, eventCount, backNav, completion),
		Label:         LabelAnomalous,
		AnomalyType:   pattern,
		ResponseTimes: times,
	}
}

// assembleFeatures computes the timing summary statistics and packs the full
// 15-feature vector in canonical order.
func assembleFeatures(times []float64, healthSum, defScore, typeCount, typeDiversity, consentTiming, eventCount, backNav, completion float64) []float64 {
	avg := mean(times)
	std := stddev(times, avg)
	lo, hi := minMax(times)
	cv := 0.0
	if avg > 0 {
		cv = std / avg
	}
	fast, slow := 0, 0
	for _, t := range times {
		if t < 2.0 {
			fast++
		}
		if t > 300.0 {
			slow++
		}
	}
	n := float64(len(times))

	return []float64{
		avg, std, lo, hi, cv, float64(fast) / n, float64(slow) / n,
		healthSum, defScore, typeCount, typeDiversity, consentTiming,
		eventCount, backNav, completion,
	}
}

// lognormalTimes draws n response times from a truncated log-normal.
func (g *DataGenerator) lognormalTimes(n int, p rtParams, minVal, maxVal float64) []float64 {
	times := make([]float64, n)
	for i := range times {
		times[i] = clamp(math.Exp(g.rng.NormFloat64()*p.stdLog+p.meanLog), minVal, maxVal)
	}
	return times
}

// binomial draws from Binomial(n, p).
func (g *DataGenerator) binomial(n int, p float64) int {
	count := 0
	for i := 0; i < n; i++ {
		if g.rng.Float64() < p {
			count++
		}
	}
	return count
}

// choice picks one value according to the given probabilities.
func (g *DataGenerator) choice(values, probs []float64) float64 {
	r := g.rng.Float64()
	acc := 0.0
	for i, p := range probs {
		acc += p
		if r < acc {
			return values[i]
		}
	}
	return values[len(values)-1]
}

// betaMedianOf3 samples Beta(2,2) as the median of three uniforms (the k-th
// order statistic of n uniforms is Beta(k, n-k+1)).
func (g *DataGenerator) betaMedianOf3() float64 {
	a, b, c := g.rng.Float64(), g.rng.Float64(), g.rng.Float64()
	// Median of three.
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		b = a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
