package ml

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// The trained detector is persisted as two companion blobs keyed by a shared
// base path: the model artifact at <base> and the calibration artifact at
// <base>_params. Both are gob-encoded so float64 parameters round-trip
// bit-identically.

// paramsSuffix derives the calibration blob name from the model blob name.
const paramsSuffix = "_params"

// modelArtifact is the serialized form of the autoencoder.
type modelArtifact struct {
	InputDim     int
	EncodingDims []int
	Encoder      []layer
	Decoder      []layer
	TrainLosses  []float64
	ValLosses    []float64
}

// paramsArtifact is the serialized calibration companion.
type paramsArtifact struct {
	Threshold           *float64
	ThresholdPercentile float64
	FeatureMeans        []float64
	FeatureStds         []float64
}

// ParamsPath returns the companion calibration path for a model path.
func ParamsPath(modelPath string) string {
	return modelPath + paramsSuffix
}

// Save writes the model blob to path and the calibration blob to
// ParamsPath(path), creating parent directories as needed.
func (d *ScreeningDetector) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model directory: %w", err)
		}
	}

	if err := writeGob(path, modelArtifact{
		InputDim:     d.model.inputDim,
		EncodingDims: d.model.encodingDims,
		Encoder:      d.model.encoder,
		Decoder:      d.model.decoder,
		TrainLosses:  d.model.trainLosses,
		ValLosses:    d.model.valLosses,
	}); err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	if err := writeGob(ParamsPath(path), paramsArtifact{
		Threshold:           d.threshold,
		ThresholdPercentile: d.thresholdPercentile,
		FeatureMeans:        d.featureMeans,
		FeatureStds:         d.featureStds,
	}); err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}

// Load restores the model blob from path and, when present, the calibration
// companion from ParamsPath(path).
//
// A missing calibration blob is not an error: the detector stays in the
// degraded untrained mode (IsTrained reports false, Detect never flags) so a
// serving process can still answer requests. Callers that need a hard
// guarantee should check IsTrained after loading.
func (d *ScreeningDetector) Load(path string) error {
	var m modelArtifact
	if err := readGob(path, &m); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if m.InputDim != FeatureCount {
		return fmt.Errorf("model input dimension %d does not match feature contract %d", m.InputDim, FeatureCount)
	}

	var p paramsArtifact
	havePar := true
	if err := readGob(ParamsPath(path), &p); err != nil {
		if os.IsNotExist(err) {
			havePar = false
		} else {
			return fmt.Errorf("load params: %w", err)
		}
	}
	if havePar && p.FeatureMeans != nil && len(p.FeatureMeans) != m.InputDim {
		return fmt.Errorf("calibration width %d does not match model input %d", len(p.FeatureMeans), m.InputDim)
	}

	d.model.inputDim = m.InputDim
	d.model.encodingDims = m.EncodingDims
	d.model.encoder = m.Encoder
	d.model.decoder = m.Decoder
	d.model.trainLosses = m.TrainLosses
	d.model.valLosses = m.ValLosses

	if havePar {
		d.threshold = p.Threshold
		if p.ThresholdPercentile > 0 {
			d.thresholdPercentile = p.ThresholdPercentile
		}
		d.featureMeans = p.FeatureMeans
		d.featureStds = p.FeatureStds
	} else {
		d.threshold = nil
		d.featureMeans = nil
		d.featureStds = nil
	}
	return nil
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return f.Close()
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}
