package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelShape fixes the architecture numbers the node/edge universe is
// derived from. The discovery engine only ever reads these counts; it never
// inspects weights directly.
type ModelShape struct {
	VocabSize int     `yaml:"vocab_size"`
	SeqLen    int     `yaml:"seq_len"`
	Dim       int     `yaml:"dim"`
	Heads     int     `yaml:"heads"`
	HeadDim   int     `yaml:"head_dim"`
	HiddenDim int     `yaml:"hidden_dim"`
	Layers    int     `yaml:"layers"`
	Eps       float32 `yaml:"eps"`
}

func (m *ModelShape) Validate() error {
	if m.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", m.Dim)
	}
	if m.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", m.Layers)
	}
	if m.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", m.Heads)
	}
	if m.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", m.HeadDim)
	}
	if m.Dim != m.Heads*m.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", m.Dim, m.Heads, m.HeadDim)
	}
	if m.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", m.HiddenDim)
	}
	if m.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", m.VocabSize)
	}
	if m.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", m.SeqLen)
	}
	if m.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", m.Eps)
	}
	return nil
}

// Experiment is the full configuration of one discovery run. Algorithm,
// mask-function, objective and ablation names are resolved (and rejected)
// by the packages that own them at call time; Validate here covers the
// structural invariants only.
type Experiment struct {
	Model ModelShape `yaml:"model"`

	Algorithm   string `yaml:"algorithm"`
	MaskFn      string `yaml:"mask_fn"`
	Objective   string `yaml:"objective"`
	Ablation    string `yaml:"ablation"`
	PatchRegime string `yaml:"patch_regime"`

	CircuitSizes []int `yaml:"circuit_sizes"`

	Epochs           int     `yaml:"epochs"`
	BatchSize        int     `yaml:"batch_size"`
	BatchCount       int     `yaml:"batch_count"`
	LearningRate     float64 `yaml:"learning_rate"`
	RegularizeLambda float64 `yaml:"regularize_lambda"`
	ACDCTau          float64 `yaml:"acdc_tau"`

	Seed int64 `yaml:"seed"`
}

func (e *Experiment) Validate() error {
	if err := e.Model.Validate(); err != nil {
		return err
	}
	if len(e.CircuitSizes) == 0 {
		return fmt.Errorf("invalid circuit_sizes: empty (need at least one target size)")
	}
	seen := make(map[int]bool, len(e.CircuitSizes))
	for _, size := range e.CircuitSizes {
		if size <= 0 {
			return fmt.Errorf("invalid circuit size: %d (must be positive)", size)
		}
		if seen[size] {
			return fmt.Errorf("duplicate circuit size: %d (sizes must be distinct)", size)
		}
		seen[size] = true
	}
	if e.Epochs <= 0 {
		return fmt.Errorf("invalid epochs: %d (must be positive)", e.Epochs)
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", e.BatchSize)
	}
	if e.BatchCount <= 0 {
		return fmt.Errorf("invalid batch_count: %d (must be positive)", e.BatchCount)
	}
	if e.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %f (must be positive)", e.LearningRate)
	}
	if e.RegularizeLambda < 0 {
		return fmt.Errorf("invalid regularize_lambda: %f (must be non-negative)", e.RegularizeLambda)
	}
	if e.ACDCTau < 0 {
		return fmt.Errorf("invalid acdc_tau: %f (must be non-negative)", e.ACDCTau)
	}
	return nil
}

// Default returns the planted-circuit toy experiment used by tests and as
// the CLI starting point.
func Default() Experiment {
	return Experiment{
		Model: ModelShape{
			VocabSize: 12,
			SeqLen:    6,
			Dim:       8,
			Heads:     2,
			HeadDim:   4,
			HiddenDim: 16,
			Layers:    2,
			Eps:       1e-5,
		},
		Algorithm:        "circuit_probing",
		MaskFn:           "hard_concrete",
		Objective:        "kl_div",
		Ablation:         "complement",
		PatchRegime:      "corrupt",
		CircuitSizes:     []int{3},
		Epochs:           60,
		BatchSize:        8,
		BatchCount:       4,
		LearningRate:     0.1,
		RegularizeLambda: 10,
		ACDCTau:          0.01,
		Seed:             0,
	}
}

// Load reads a yaml experiment file over the defaults, so partial files
// only need to name what they change.
func Load(path string) (Experiment, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
