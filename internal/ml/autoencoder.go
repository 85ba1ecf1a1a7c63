package ml

import (
	"fmt"
	"math"
	"math/rand"
)

// layer holds the parameters of one fully connected layer: a weight matrix
// (rows = inputs, cols = outputs) and a bias vector.
type layer struct {
	W [][]float64
	B []float64
}

// Autoencoder is a small feedforward autoencoder trained with plain
// mini-batch gradient descent.
//
// Topology (defaults): input 15 → 8 → 4 (bottleneck) → 8 → 15. ReLU on
// every layer except the final decoder layer, which stays linear because
// standardized inputs can be negative.
type Autoencoder struct {
	inputDim     int
	encodingDims []int

	encoder []layer
	decoder []layer

	// Per-epoch mean losses recorded during Fit.
	trainLosses []float64
	valLosses   []float64

	rng *rand.Rand
}

// NewAutoencoder builds an autoencoder with Glorot-uniform initialized
// weights and zero biases. encodingDims lists the hidden dimensions down to
// the bottleneck, e.g. [8, 4]. A fixed seed makes initialization and batch
// shuffling reproducible.
func NewAutoencoder(inputDim int, encodingDims []int, seed int64) (*Autoencoder, error) {
	if inputDim <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", inputDim)
	}
	if len(encodingDims) == 0 {
		return nil, fmt.Errorf("at least one encoding dimension required")
	}
	for _, d := range encodingDims {
		if d <= 0 {
			return nil, fmt.Errorf("encoding dimensions must be positive, got %v", encodingDims)
		}
	}

	a := &Autoencoder{
		inputDim:     inputDim,
		encodingDims: append([]int(nil), encodingDims...),
		rng:          rand.New(rand.NewSource(seed)),
	}

	// Encoder stack.
	prev := inputDim
	for _, dim := range encodingDims {
		a.encoder = append(a.encoder, a.newLayer(prev, dim))
		prev = dim
	}

	// Mirrored decoder stack.
	decodingDims := make([]int, 0, len(encodingDims))
	for i := len(encodingDims) - 2; i >= 0; i-- {
		decodingDims = append(decodingDims, encodingDims[i])
	}
	decodingDims = append(decodingDims, inputDim)
	prev = encodingDims[len(encodingDims)-1]
	for _, dim := range decodingDims {
		a.decoder = append(a.decoder, a.newLayer(prev, dim))
		prev = dim
	}

	return a, nil
}

// newLayer allocates a layer with Glorot-uniform weights.
func (a *Autoencoder) newLayer(fanIn, fanOut int) layer {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	w := make([][]float64, fanIn)
	for i := range w {
		w[i] = make([]float64, fanOut)
		for j := range w[i] {
			w[i][j] = (a.rng.Float64()*2 - 1) * limit
		}
	}
	return layer{W: w, B: make([]float64, fanOut)}
}

// InputDim returns the expected feature width.
func (a *Autoencoder) InputDim() int { return a.inputDim }

// BottleneckDim returns the width of the compressed representation.
func (a *Autoencoder) BottleneckDim() int { return a.encodingDims[len(a.encodingDims)-1] }

// TrainLosses returns the per-epoch mean training losses from the last Fit.
func (a *Autoencoder) TrainLosses() []float64 { return a.trainLosses }

// ValLosses returns the per-epoch validation losses from the last Fit.
func (a *Autoencoder) ValLosses() []float64 { return a.valLosses }

// Encode maps a batch through the encoder stack to the bottleneck.
func (a *Autoencoder) Encode(batch [][]float64) ([][]float64, error) {
	if err := a.checkWidth(batch); err != nil {
		return nil, err
	}
	act := batch
	for _, l := range a.encoder {
		act = applyLayer(act, l, true)
	}
	return act, nil
}

// Decode maps bottleneck activations back to input space. ReLU on hidden
// decoder layers, linear on the final layer.
func (a *Autoencoder) Decode(encoded [][]float64) [][]float64 {
	act := encoded
	for i, l := range a.decoder {
		act = applyLayer(act, l, i < len(a.decoder)-1)
	}
	return act
}

// Forward runs a full encode/decode pass.
func (a *Autoencoder) Forward(batch [][]float64) ([][]float64, error) {
	encoded, err := a.Encode(batch)
	if err != nil {
		return nil, err
	}
	return a.Decode(encoded), nil
}

// ReconstructionError computes the per-sample mean squared error between
// inputs and reconstructions.
func (a *Autoencoder) ReconstructionError(batch, reconstruction [][]float64) []float64 {
	errs := make([]float64, len(batch))
	for i := range batch {
		sum := 0.0
		for j := range batch[i] {
			d := batch[i][j] - reconstruction[i][j]
			sum += d * d
		}
		errs[i] = sum / float64(len(batch[i]))
	}
	return errs
}

// Fit trains the autoencoder with mini-batch gradient descent on the mean
// squared reconstruction error, backpropagating through the ReLU stack.
// Per-epoch mean train loss (and val loss, when val is non-nil) is appended
// to the loss history. progress may be nil; when set it is invoked once per
// epoch with the epoch index (1-based) and losses (valLoss is NaN when no
// validation split was given).
func (a *Autoencoder) Fit(train, val [][]float64, epochs int, learningRate float64, batchSize int, progress func(epoch int, trainLoss, valLoss float64)) error {
	if len(train) == 0 {
		return fmt.Errorf("training set is empty")
	}
	if err := a.checkWidth(train); err != nil {
		return err
	}
	if val != nil {
		if err := a.checkWidth(val); err != nil {
			return err
		}
	}
	if epochs <= 0 || learningRate <= 0 || batchSize <= 0 {
		return fmt.Errorf("epochs, learning rate and batch size must be positive")
	}

	n := len(train)
	nBatches := n / batchSize
	if nBatches < 1 {
		nBatches = 1
	}

	for epoch := 0; epoch < epochs; epoch++ {
		perm := a.rng.Perm(n)

		epochLoss := 0.0
		for b := 0; b < nBatches; b++ {
			start := b * batchSize
			end := start + batchSize
			if end > n {
				end = n
			}
			batch := make([][]float64, 0, end-start)
			for _, idx := range perm[start:end] {
				batch = append(batch, train[idx])
			}
			epochLoss += a.trainBatch(batch, learningRate)
		}

		trainLoss := epochLoss / float64(nBatches)
		a.trainLosses = append(a.trainLosses, trainLoss)

		valLoss := math.NaN()
		if val != nil {
			recon, _ := a.Forward(val)
			valLoss = meanLoss(val, recon)
			a.valLosses = append(a.valLosses, valLoss)
		}

		if progress != nil {
			progress(epoch+1, trainLoss, valLoss)
		}
	}
	return nil
}

// trainBatch runs one forward/backward pass over a mini-batch and applies
// the gradient update. Returns the batch loss before the update.
func (a *Autoencoder) trainBatch(batch [][]float64, learningRate float64) float64 {
	layers := append(append([]layer(nil), a.encoder...), a.decoder...)
	last := len(layers) - 1

	// Forward pass, caching activations and pre-activations per layer.
	activations := make([][][]float64, len(layers)+1)
	preacts := make([][][]float64, len(layers))
	activations[0] = batch
	for i, l := range layers {
		z := linear(activations[i], l)
		preacts[i] = z
		if i < last {
			activations[i+1] = reluAll(z)
		} else {
			activations[i+1] = z
		}
	}

	recon := activations[len(layers)]
	loss := meanLoss(batch, recon)

	m := float64(len(batch))
	d := float64(a.inputDim)

	// Output delta for mean-over-batch-and-features squared error.
	delta := make([][]float64, len(batch))
	for i := range recon {
		delta[i] = make([]float64, len(recon[i]))
		for j := range recon[i] {
			delta[i][j] = 2.0 * (recon[i][j] - batch[i][j]) / (m * d)
		}
	}

	// Backward pass: accumulate gradients layer by layer, then update.
	for i := last; i >= 0; i-- {
		input := activations[i]
		l := layers[i]

		// Propagate delta to the previous layer before mutating weights.
		var prevDelta [][]float64
		if i > 0 {
			prevDelta = make([][]float64, len(delta))
			for r := range delta {
				prevDelta[r] = make([]float64, len(l.W))
				for c := range l.W {
					sum := 0.0
					for j := range delta[r] {
						sum += delta[r][j] * l.W[c][j]
					}
					// ReLU derivative of the previous pre-activation.
					if preacts[i-1][r][c] > 0 {
						prevDelta[r][c] = sum
					}
				}
			}
		}

		// Weight and bias update.
		for c := range l.W {
			for j := range l.W[c] {
				grad := 0.0
				for r := range delta {
					grad += input[r][c] * delta[r][j]
				}
				l.W[c][j] -= learningRate * grad
			}
		}
		for j := range l.B {
			grad := 0.0
			for r := range delta {
				grad += delta[r][j]
			}
			l.B[j] -= learningRate * grad
		}

		delta = prevDelta
	}

	return loss
}

func (a *Autoencoder) checkWidth(batch [][]float64) error {
	for _, row := range batch {
		if len(row) != a.inputDim {
			return fmt.Errorf("feature width mismatch: expected %d, got %d", a.inputDim, len(row))
		}
	}
	return nil
}

// applyLayer computes act·W + b, optionally followed by ReLU.
func applyLayer(act [][]float64, l layer, relu bool) [][]float64 {
	z := linear(act, l)
	if relu {
		return reluAll(z)
	}
	return z
}

func linear(act [][]float64, l layer) [][]float64 {
	out := make([][]float64, len(act))
	for r := range act {
		row := make([]float64, len(l.B))
		copy(row, l.B)
		for c, v := range act[r] {
			if v == 0 {
				continue
			}
			w := l.W[c]
			for j := range row {
				row[j] += v * w[j]
			}
		}
		out[r] = row
	}
	return out
}

func reluAll(z [][]float64) [][]float64 {
	out := make([][]float64, len(z))
	for r := range z {
		row := make([]float64, len(z[r]))
		for j, v := range z[r] {
			if v > 0 {
				row[j] = v
			}
		}
		out[r] = row
	}
	return out
}

// meanLoss is the mean squared error over every element of the batch.
func meanLoss(batch, recon [][]float64) float64 {
	sum := 0.0
	count := 0
	for i := range batch {
		for j := range batch[i] {
			d := batch[i][j] - recon[i][j]
			sum += d * d
			count++
		}
	}
	return sum / float64(count)
}
