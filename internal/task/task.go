// Package task pairs aligned clean and corrupt prompt batches with their
// answer tokens. Every batch carries a stable content-derived key so the
// activation store can tell recorded passes apart.
package task

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/model"
	"github.com/23skdu/longbow-whittle/internal/patch"
)

// Batch is one aligned prompt pair set. Clean and corrupt rows match
// position for position except where the task intervenes, so patching a
// source swaps exactly the intervened signal.
type Batch struct {
	Clean   [][]int
	Corrupt [][]int
	Answers []int // correct answer token per row, for the clean prompt
	Wrongs  []int // the distractor token per row
	Key     patch.BatchKey
}

// NewBatch validates row alignment and derives the content key.
func NewBatch(clean, corrupt [][]int, answers, wrongs []int) (Batch, error) {
	if len(clean) == 0 {
		return Batch{}, fmt.Errorf("empty batch")
	}
	if len(corrupt) != len(clean) {
		return Batch{}, fmt.Errorf("clean has %d rows, corrupt %d", len(clean), len(corrupt))
	}
	if len(answers) != len(clean) || len(wrongs) != len(clean) {
		return Batch{}, fmt.Errorf("answer lists must match batch rows: %d/%d vs %d",
			len(answers), len(wrongs), len(clean))
	}
	for i := range clean {
		if len(clean[i]) != len(clean[0]) || len(corrupt[i]) != len(clean[0]) {
			return Batch{}, fmt.Errorf("row %d: ragged sequence lengths", i)
		}
	}
	return Batch{
		Clean:   clean,
		Corrupt: corrupt,
		Answers: answers,
		Wrongs:  wrongs,
		Key:     KeyOf(clean, corrupt),
	}, nil
}

// KeyOf hashes both token grids into a batch identity.
func KeyOf(clean, corrupt [][]int) patch.BatchKey {
	h := xxhash.New()
	var buf [8]byte
	write := func(grid [][]int) {
		for _, row := range grid {
			for _, tok := range row {
				binary.LittleEndian.PutUint64(buf[:], uint64(tok))
				h.Write(buf[:])
			}
			h.Write([]byte{0xff})
		}
	}
	write(clean)
	h.Write([]byte{0xfe})
	write(corrupt)
	return patch.BatchKey(h.Sum64())
}

// Task binds a model to its dataset and, when the circuit is known by
// construction, to the ground-truth edge names.
type Task struct {
	Name      string
	Model     model.Provider
	Train     []Batch
	Test      []Batch
	TrueEdges []string
}

// Planted builds the trigger-detection task around the planted model:
// clean rows open with the trigger token, corrupt rows replace it with a
// filler, and everything after the first position is shared verbatim.
func Planted(shape config.ModelShape, trainBatches, testBatches, batchSize int, seed int64) (*Task, error) {
	if batchSize <= 0 || trainBatches <= 0 {
		return nil, fmt.Errorf("planted task needs positive batch dimensions, got %dx%d", trainBatches, batchSize)
	}
	m := model.NewPlanted(shape)
	rng := rand.New(rand.NewSource(seed))

	gen := func(n int) ([]Batch, error) {
		batches := make([]Batch, 0, n)
		for i := 0; i < n; i++ {
			clean := make([][]int, batchSize)
			corrupt := make([][]int, batchSize)
			answers := make([]int, batchSize)
			wrongs := make([]int, batchSize)
			for r := 0; r < batchSize; r++ {
				clean[r] = make([]int, shape.SeqLen)
				corrupt[r] = make([]int, shape.SeqLen)
				clean[r][0] = model.PlantedTrigger
				corrupt[r][0] = filler(rng, shape.VocabSize)
				for t := 1; t < shape.SeqLen; t++ {
					f := filler(rng, shape.VocabSize)
					clean[r][t] = f
					corrupt[r][t] = f
				}
				answers[r] = model.PlantedYes
				wrongs[r] = model.PlantedNo
			}
			b, err := NewBatch(clean, corrupt, answers, wrongs)
			if err != nil {
				return nil, err
			}
			batches = append(batches, b)
		}
		return batches, nil
	}

	train, err := gen(trainBatches)
	if err != nil {
		return nil, err
	}
	test, err := gen(testBatches)
	if err != nil {
		return nil, err
	}
	return &Task{
		Name:      "planted-trigger",
		Model:     m,
		Train:     train,
		Test:      test,
		TrueEdges: model.PlantedEdges(),
	}, nil
}

func filler(rng *rand.Rand, vocab int) int {
	return model.PlantedFiller + rng.Intn(vocab-model.PlantedFiller)
}
