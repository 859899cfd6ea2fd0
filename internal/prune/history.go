package prune

import (
	"encoding/json"
	"fmt"
	"os"
)

// EpochStats is one epoch of a training run, averaged over its batches.
// Target carries the sparsity target the epoch trained against, which
// changes mid-curve during a size sweep.
type EpochStats struct {
	Epoch        int     `json:"epoch"`
	Target       int     `json:"target,omitempty"`
	Loss         float64 `json:"loss"`
	Faithfulness float64 `json:"faithfulness"`
	Sparsity     float64 `json:"sparsity"`
	OpenFraction float64 `json:"open_fraction"`
}

// History records a run's training curve for offline inspection.
type History struct {
	Algorithm string       `json:"algorithm"`
	Target    int          `json:"target,omitempty"`
	Epochs    []EpochStats `json:"epochs,omitempty"`
}

// NewHistory starts an empty curve for one algorithm run.
func NewHistory(algorithm string) *History {
	return &History{Algorithm: algorithm}
}

// Append records one epoch.
func (h *History) Append(e EpochStats) {
	h.Epochs = append(h.Epochs, e)
}

// Last returns the most recent epoch, if any.
func (h *History) Last() (EpochStats, bool) {
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// SaveToFile writes the curve as indented JSON.
func (h *History) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
