package classify

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MinModelSize is the smallest file accepted as a model.
const MinModelSize = 100

var (
	ErrModelNotFound = errors.New("model file not found")
	ErrModelTooSmall = errors.New("model file is too small")
	ErrModelDecode   = errors.New("model file could not be decoded")
	ErrNotPredictor  = errors.New("model file does not describe a predict-capable model")
)

// modelFile is the on-disk model document. JSON documents decode through
// the same YAML decoder.
type modelFile struct {
	Kind      string      `yaml:"kind"`
	Name      string      `yaml:"name"`
	Labels    []float64   `yaml:"labels"`
	Centroids [][]float64 `yaml:"centroids"`
	Features  int         `yaml:"features"`
	Trees     []Tree      `yaml:"trees"`
}

// LoadModel reads a model file. The checks run in order: the file exists,
// it is at least MinModelSize bytes, it decodes, and it resolves to a
// model that can predict.
func LoadModel(path string) (Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, err
	}
	if info.Size() < MinModelSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrModelTooSmall, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeModel(data)
}

// DecodeModel decodes a YAML or JSON model document.
func DecodeModel(data []byte) (Model, error) {
	var doc modelFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelDecode, err)
	}

	switch strings.ToLower(doc.Kind) {
	case "centroid":
		m := &CentroidModel{Labels: doc.Labels, Centroids: doc.Centroids}
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotPredictor, err)
		}
		return m, nil
	case "forest":
		m := &ForestModel{Features: doc.Features, Trees: doc.Trees}
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotPredictor, err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrNotPredictor)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrNotPredictor, doc.Kind)
}
