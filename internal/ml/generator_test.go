package ml

import (
	"math"
	"testing"
)

func TestGenerateDataset_Reproducible(t *testing.T) {
	a := NewDataGenerator(42)
	b := NewDataGenerator(42)

	fa, la, _, err := a.GenerateDataset(40, 20, nil)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	fb, lb, _, err := b.GenerateDataset(40, 20, nil)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	if len(fa) != len(fb) {
		t.Fatalf("size mismatch: %d vs %d", len(fa), len(fb))
	}
	for i := range fa {
		if la[i] != lb[i] {
			t.Fatalf("label %d differs for identical seeds", i)
		}
		for j := range fa[i] {
			if fa[i][j] != fb[i][j] {
				t.Fatalf("feature [%d][%d] differs for identical seeds: %v vs %v", i, j, fa[i][j], fb[i][j])
			}
		}
	}
}

func TestGenerateDataset_LabelCounts(t *testing.T) {
	features, labels, sessions, err := NewDataGenerator(1).GenerateDataset(80, 20, nil)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if len(features) != 100 || len(labels) != 100 || len(sessions) != 100 {
		t.Fatalf("expected 100 sessions, got %d/%d/%d", len(features), len(labels), len(sessions))
	}

	normal, anomalous := 0, 0
	for i, label := range labels {
		switch label {
		case LabelNormal:
			normal++
			if sessions[i].AnomalyType != "none" {
				t.Errorf("normal session %d carries anomaly type %q", i, sessions[i].AnomalyType)
			}
		case LabelAnomalous:
			anomalous++
		default:
			t.Fatalf("unexpected label %d", label)
		}
		if len(features[i]) != FeatureCount {
			t.Fatalf("session %d has %d features", i, len(features[i]))
		}
	}
	if normal != 80 || anomalous != 20 {
		t.Errorf("label split: got %d normal / %d anomalous, want 80/20", normal, anomalous)
	}
}

func TestGenerateDataset_BadDistribution(t *testing.T) {
	g := NewDataGenerator(1)
	if _, _, _, err := g.GenerateDataset(10, 10, map[string]float64{PatternRushed: 0.5}); err == nil {
		t.Error("expected error for distribution not summing to 1")
	}
	if _, _, _, err := g.GenerateDataset(10, 10, map[string]float64{"martian": 1.0}); err == nil {
		t.Error("expected error for unknown pattern")
	}
}

func TestGenerateNormal_Ranges(t *testing.T) {
	rows := NewDataGenerator(5).GenerateNormal(100)
	for i, row := range rows {
		if len(row) != FeatureCount {
			t.Fatalf("row %d has width %d", i, len(row))
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("row %d feature %d is not finite: %v", i, j, v)
			}
		}
		// Normal response times are truncated to [2, 180] seconds.
		if row[2] < 2.0 || row[3] > 180.0 {
			t.Errorf("row %d timing out of range: min %v, max %v", i, row[2], row[3])
		}
		// Fractional features stay in [0, 1].
		for _, idx := range []int{idxPctTooFast, idxPctTooSlow, 10, idxCompletionRate} {
			if row[idx] < 0 || row[idx] > 1 {
				t.Errorf("row %d feature %s out of [0,1]: %v", i, featureNames[idx], row[idx])
			}
		}
	}
}

func TestGenerateAnomalous_Patterns(t *testing.T) {
	g := NewDataGenerator(9)

	t.Run("rushed sessions are fast", func(t *testing.T) {
		rows, err := g.GenerateAnomalous(PatternRushed, 50)
		if err != nil {
			t.Fatalf("generation failed: %v", err)
		}
		for i, row := range rows {
			if row[idxAvgResponseTime] > 3.0 {
				t.Errorf("rushed row %d avg response time %v exceeds 3s cap", i, row[idxAvgResponseTime])
			}
			if row[idxCompletionRate] >= 0.8001 {
				t.Errorf("rushed row %d completion rate %v, want < 0.8", i, row[idxCompletionRate])
			}
		}
	})

	t.Run("bot sessions have uniform timing", func(t *testing.T) {
		rows, err := g.GenerateAnomalous(PatternBot, 50)
		if err != nil {
			t.Fatalf("generation failed: %v", err)
		}
		sumCV := 0.0
		for _, row := range rows {
			sumCV += row[idxCVResponseTime]
		}
		if meanCV := sumCV / float64(len(rows)); meanCV >= 0.1 {
			t.Errorf("bot mean timing CV %v, want < 0.1", meanCV)
		}
	})

	t.Run("distracted sessions are slow", func(t *testing.T) {
		rows, err := g.GenerateAnomalous(PatternDistracted, 50)
		if err != nil {
			t.Fatalf("generation failed: %v", err)
		}
		sumAvg := 0.0
		for _, row := range rows {
			sumAvg += row[idxAvgResponseTime]
		}
		if meanAvg := sumAvg / float64(len(rows)); meanAvg <= 60 {
			t.Errorf("distracted mean avg response time %v, want > 60s", meanAvg)
		}
	})

	t.Run("inconsistent sessions swing wildly", func(t *testing.T) {
		rows, err := g.GenerateAnomalous(PatternInconsistent, 50)
		if err != nil {
			t.Fatalf("generation failed: %v", err)
		}
		for i, row := range rows {
			if row[idxCVResponseTime] < 0.5 {
				t.Errorf("inconsistent row %d timing CV %v, want >= 0.5", i, row[idxCVResponseTime])
			}
		}
	})

	t.Run("unknown pattern", func(t *testing.T) {
		if _, err := g.GenerateAnomalous("martian", 5); err == nil {
			t.Error("expected error for unknown pattern")
		}
	})
}
