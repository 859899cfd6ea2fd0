package model

import (
	"fmt"

	"github.com/23skdu/longbow-whittle/internal/config"
)

// Token roles of the planted detection task. Sequences either start with
// the trigger token or avoid it entirely, and the model reports which by
// putting its probability mass on the yes or no token.
const (
	PlantedTrigger = 1
	PlantedYes     = 2
	PlantedNo      = 3
	PlantedFiller  = 4 // first of the inert filler tokens
)

// Residual channel assignment of the planted weights. Each stage of the
// planted path writes into its own pair of dimensions, so only three
// edges carry task signal: Embed->A0.0.V, A0.0->A1.1.V and
// A1.1->ResidEnd.
const (
	chTrigger = 0 // embed writes the trigger indicator here
	chBias    = 1 // positional bias, identical across clean and corrupt
	chStage1  = 2 // A0.0 relays the indicator here
	chStage1b = 3 // A0.0 relays the bias here
	chStage2  = 4 // A1.1 relays the indicator here; the unembedding reads it
	chStage2b = 5 // A1.1 relays the bias here
	chNoise   = 6 // filler identity, read by nothing downstream
)

const (
	plantedRead = 20 // unembed weight on the relayed indicator
	plantedBias = 4  // unembed weight on the relayed bias
)

// PlantedEdges names the ground-truth circuit of the planted model.
func PlantedEdges() []string {
	return []string{
		"Embed->A0.0.V",
		"A0.0->A1.1.V",
		"A1.1->ResidEnd",
	}
}

// NewPlanted hand-wires a model around a known three-edge circuit. Both
// attention stages have zero Q/K weights, so attention is uniform over
// the causal prefix and the path is a pure two-hop relay: A0.0 averages
// the trigger indicator into its own channel, A1.1 relays that average,
// and the unembedding compares the relayed indicator against the relayed
// positional bias to decide yes or no. Every other head and both MLPs
// have zero output weights, so patching their edges moves nothing but
// the normalization scale.
func NewPlanted(shape config.ModelShape) *Model {
	if shape.Layers < 2 || shape.Heads < 2 {
		panic(fmt.Sprintf("planted model needs >=2 layers and >=2 heads, got %dx%d", shape.Layers, shape.Heads))
	}
	if shape.Dim < 7 || shape.HeadDim < 2 {
		panic(fmt.Sprintf("planted model needs dim >=7 and head_dim >=2, got %d/%d", shape.Dim, shape.HeadDim))
	}
	if shape.VocabSize < PlantedFiller+2 {
		panic(fmt.Sprintf("planted model needs vocab >=%d, got %d", PlantedFiller+2, shape.VocabSize))
	}

	m := alloc(shape)

	// Trigger indicator, and a faint filler identity so the inputs are
	// not literally rank one.
	m.TokEmbed.Set(PlantedTrigger, chTrigger, 1)
	for v := PlantedFiller; v < shape.VocabSize; v++ {
		m.TokEmbed.Set(v, chNoise, 0.05*float32(v-PlantedFiller+1))
	}
	// Constant positional bias rides the same relay as the indicator and
	// gives the unembedding its reference level.
	for t := 0; t < shape.SeqLen; t++ {
		m.PosEmbed.Set(t, chBias, 1)
	}

	// First hop: head 0 of layer 0 copies trigger and bias channels into
	// the stage-1 channels.
	m.WV[0][0].Set(0, chTrigger, 1)
	m.WV[0][0].Set(1, chBias, 1)
	m.WO[0][0].Set(chStage1, 0, 1)
	m.WO[0][0].Set(chStage1b, 1, 1)

	// Second hop: head 1 of layer 1 relays stage 1 into stage 2.
	m.WV[1][1].Set(0, chStage1, 1)
	m.WV[1][1].Set(1, chStage1b, 1)
	m.WO[1][1].Set(chStage2, 0, 1)
	m.WO[1][1].Set(chStage2b, 1, 1)

	// Readout: yes when the relayed indicator outweighs the bias
	// threshold, no otherwise.
	m.Unembed.Set(PlantedYes, chStage2, plantedRead)
	m.Unembed.Set(PlantedYes, chStage2b, -plantedBias)
	m.Unembed.Set(PlantedNo, chStage2, -plantedRead)
	m.Unembed.Set(PlantedNo, chStage2b, plantedBias)

	return m
}
