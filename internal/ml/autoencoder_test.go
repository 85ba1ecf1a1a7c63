package ml

import (
	"math"
	"math/rand"
	"testing"
)

// identityAutoencoder builds a square autoencoder whose every layer is the
// identity map, so non-negative inputs pass through unchanged.
func identityAutoencoder(t *testing.T, dim int) *Autoencoder {
	t.Helper()
	a, err := NewAutoencoder(dim, []int{dim, dim}, 1)
	if err != nil {
		t.Fatalf("failed to build autoencoder: %v", err)
	}
	for _, stack := range [][]layer{a.encoder, a.decoder} {
		for _, l := range stack {
			for i := range l.W {
				for j := range l.W[i] {
					if i == j {
						l.W[i][j] = 1.0
					} else {
						l.W[i][j] = 0.0
					}
				}
			}
			for j := range l.B {
				l.B[j] = 0.0
			}
		}
	}
	return a
}

func TestAutoencoder_IdentityReconstruction(t *testing.T) {
	a := identityAutoencoder(t, 4)

	input := [][]float64{{1.0, 0.5, 2.0, 0.0}}
	recon, err := a.Forward(input)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	for j := range input[0] {
		if recon[0][j] != input[0][j] {
			t.Errorf("position %d: got %v, want %v", j, recon[0][j], input[0][j])
		}
	}

	errs := a.ReconstructionError(input, recon)
	if errs[0] != 0.0 {
		t.Errorf("identity reconstruction error should be exactly 0, got %v", errs[0])
	}
}

func TestNewAutoencoder_InvalidDimensions(t *testing.T) {
	cases := []struct {
		name string
		dim  int
		enc  []int
	}{
		{"zero input", 0, []int{8, 4}},
		{"negative input", -1, []int{8, 4}},
		{"empty encoding", 15, nil},
		{"zero hidden", 15, []int{8, 0}},
		{"negative hidden", 15, []int{-8, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewAutoencoder(tc.dim, tc.enc, 1); err == nil {
				t.Errorf("expected construction error for dim=%d enc=%v", tc.dim, tc.enc)
			}
		})
	}
}

func TestAutoencoder_ForwardWidthMismatch(t *testing.T) {
	a, err := NewAutoencoder(FeatureCount, []int{8, 4}, 1)
	if err != nil {
		t.Fatalf("failed to build autoencoder: %v", err)
	}
	if _, err := a.Forward([][]float64{{1, 2, 3}}); err == nil {
		t.Error("expected dimension-mismatch error for 3-wide input")
	}
}

func TestAutoencoder_FitRejectsEmptyTrainingSet(t *testing.T) {
	a, err := NewAutoencoder(FeatureCount, []int{8, 4}, 1)
	if err != nil {
		t.Fatalf("failed to build autoencoder: %v", err)
	}
	if err := a.Fit(nil, nil, 10, 0.01, 8, nil); err == nil {
		t.Error("expected error fitting an empty training set")
	}
}

func TestAutoencoder_BottleneckDimension(t *testing.T) {
	a, err := NewAutoencoder(FeatureCount, []int{8, 4}, 1)
	if err != nil {
		t.Fatalf("failed to build autoencoder: %v", err)
	}
	encoded, err := a.Encode([][]float64{make([]float64, FeatureCount)})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(encoded[0]) != 4 {
		t.Errorf("bottleneck width: got %d, want 4", len(encoded[0]))
	}
	if a.BottleneckDim() != 4 {
		t.Errorf("BottleneckDim: got %d, want 4", a.BottleneckDim())
	}
}

func TestAutoencoder_TrainingLossDecreases(t *testing.T) {
	// Non-degenerate standardized data: 120 gaussian vectors.
	rng := rand.New(rand.NewSource(7))
	train := make([][]float64, 120)
	for i := range train {
		row := make([]float64, FeatureCount)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		train[i] = row
	}

	a, err := NewAutoencoder(FeatureCount, []int{8, 4}, 7)
	if err != nil {
		t.Fatalf("failed to build autoencoder: %v", err)
	}
	if err := a.Fit(train, nil, 30, 0.01, 16, nil); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	losses := a.TrainLosses()
	if len(losses) != 30 {
		t.Fatalf("expected 30 recorded epoch losses, got %d", len(losses))
	}
	first, last := losses[0], losses[len(losses)-1]
	if math.IsNaN(first) || math.IsNaN(last) {
		t.Fatalf("non-finite losses: first=%v last=%v", first, last)
	}
	if last >= first {
		t.Errorf("training loss did not decrease: first epoch %v, final epoch %v", first, last)
	}
}

func TestAutoencoder_ValidationLossRecorded(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	makeRows := func(n int) [][]float64 {
		rows := make([][]float64, n)
		for i := range rows {
			row := make([]float64, FeatureCount)
			for j := range row {
				row[j] = rng.NormFloat64()
			}
			rows[i] = row
		}
		return rows
	}

	a, err := NewAutoencoder(FeatureCount, []int{8, 4}, 11)
	if err != nil {
		t.Fatalf("failed to build autoencoder: %v", err)
	}
	if err := a.Fit(makeRows(60), makeRows(20), 5, 0.01, 16, nil); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if len(a.ValLosses()) != 5 {
		t.Errorf("expected 5 validation losses, got %d", len(a.ValLosses()))
	}
}

func TestAutoencoder_ProgressCallback(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	train := make([][]float64, 40)
	for i := range train {
		row := make([]float64, FeatureCount)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		train[i] = row
	}

	a, err := NewAutoencoder(FeatureCount, []int{8, 4}, 3)
	if err != nil {
		t.Fatalf("failed to build autoencoder: %v", err)
	}

	var epochs []int
	err = a.Fit(train, nil, 4, 0.01, 16, func(epoch int, trainLoss, valLoss float64) {
		epochs = append(epochs, epoch)
		if !math.IsNaN(valLoss) {
			t.Errorf("epoch %d: expected NaN val loss without a validation split, got %v", epoch, valLoss)
		}
	})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if len(epochs) != 4 || epochs[0] != 1 || epochs[3] != 4 {
		t.Errorf("unexpected progress epochs: %v", epochs)
	}
}
