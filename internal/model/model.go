// Package model provides the patchable toy transformer the discovery
// algorithms run against. The forward pass is factorized: every source
// node publishes its residual contribution, and in patch mode every
// destination assembles its input from those contributions instead of
// reading a shared residual stream.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
)

// Provider is the model surface the discovery engine consumes.
type Provider interface {
	Shape() config.ModelShape
	Graph() *graph.Graph
	Forward(tp *tape.Tape, tokens [][]int, run *patch.Run) *tape.Tensor
}

// Model is a small pre-norm transformer with split per-head Q/K/V
// projections. Weights are plain constants; only mask logits ever train.
type Model struct {
	shape config.ModelShape
	g     *graph.Graph

	TokEmbed *tape.Tensor   // [vocab, dim]
	PosEmbed *tape.Tensor   // [seq, dim]
	WQ       [][]*tape.Tensor // [layer][head], each [headDim, dim]
	WK       [][]*tape.Tensor
	WV       [][]*tape.Tensor
	WO       [][]*tape.Tensor // [layer][head], each [dim, headDim]
	W1       []*tape.Tensor   // [layer], each [hidden, dim]
	W2       []*tape.Tensor   // [layer], each [dim, hidden]
	NormGain *tape.Tensor     // [1, dim]
	Unembed  *tape.Tensor     // [vocab, dim]
}

func (m *Model) Shape() config.ModelShape { return m.shape }
func (m *Model) Graph() *graph.Graph      { return m.g }

func alloc(shape config.ModelShape) *Model {
	m := &Model{
		shape:    shape,
		g:        graph.Build(shape),
		TokEmbed: tape.NewConst(shape.VocabSize, shape.Dim),
		PosEmbed: tape.NewConst(shape.SeqLen, shape.Dim),
		NormGain: tape.NewConst(1, shape.Dim),
		Unembed:  tape.NewConst(shape.VocabSize, shape.Dim),
	}
	for l := 0; l < shape.Layers; l++ {
		var wq, wk, wv, wo []*tape.Tensor
		for h := 0; h < shape.Heads; h++ {
			wq = append(wq, tape.NewConst(shape.HeadDim, shape.Dim))
			wk = append(wk, tape.NewConst(shape.HeadDim, shape.Dim))
			wv = append(wv, tape.NewConst(shape.HeadDim, shape.Dim))
			wo = append(wo, tape.NewConst(shape.Dim, shape.HeadDim))
		}
		m.WQ = append(m.WQ, wq)
		m.WK = append(m.WK, wk)
		m.WV = append(m.WV, wv)
		m.WO = append(m.WO, wo)
		m.W1 = append(m.W1, tape.NewConst(shape.HiddenDim, shape.Dim))
		m.W2 = append(m.W2, tape.NewConst(shape.Dim, shape.HiddenDim))
	}
	m.NormGain.Fill(1)
	return m
}

// New builds a randomly initialized model. The same seed always yields
// the same weights.
func New(shape config.ModelShape, seed int64) *Model {
	m := alloc(shape)
	rng := rand.New(rand.NewSource(seed))
	fill := func(t *tape.Tensor) {
		scale := 1.0 / math.Sqrt(float64(t.Cols))
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * scale)
		}
	}
	fill(m.TokEmbed)
	fill(m.PosEmbed)
	for l := 0; l < shape.Layers; l++ {
		for h := 0; h < shape.Heads; h++ {
			fill(m.WQ[l][h])
			fill(m.WK[l][h])
			fill(m.WV[l][h])
			fill(m.WO[l][h])
		}
		fill(m.W1[l])
		fill(m.W2[l])
	}
	fill(m.Unembed)
	return m
}

// Forward runs one pass over a [batch][seq] token grid and returns the
// last-position logits [batch, vocab]. A nil or unpatched run takes the
// plain path with a shared residual; a patched run assembles every
// destination input through the mask gates. Source outputs are published
// to the run either way, in graph source order.
func (m *Model) Forward(tp *tape.Tape, tokens [][]int, run *patch.Run) *tape.Tensor {
	batch := len(tokens)
	seq := m.shape.SeqLen
	flat := make([]int, 0, batch*seq)
	for i, row := range tokens {
		if len(row) != seq {
			panic(fmt.Sprintf("model: batch row %d has %d tokens, want %d", i, len(row), seq))
		}
		flat = append(flat, row...)
	}

	emb := tp.EmbedRows(m.TokEmbed, flat)
	emb = tp.AddPositional(emb, m.PosEmbed, seq)
	run.EmitSrc(0, "embed", emb)

	patched := run.Patched()
	var resid *tape.Tensor
	if !patched {
		resid = emb
	}

	srcIdx := 1
	for l := 0; l < m.shape.Layers; l++ {
		attnOuts := make([]*tape.Tensor, m.shape.Heads)
		for h := 0; h < m.shape.Heads; h++ {
			xq, xk, xv := resid, resid, resid
			if patched {
				xq = m.destInput(run, tp, fmt.Sprintf("blk.%d.q_in", l), h, batch, seq)
				xk = m.destInput(run, tp, fmt.Sprintf("blk.%d.k_in", l), h, batch, seq)
				xv = m.destInput(run, tp, fmt.Sprintf("blk.%d.v_in", l), h, batch, seq)
			}
			q := tp.Linear(xq, m.WQ[l][h])
			k := tp.Linear(xk, m.WK[l][h])
			v := tp.Linear(xv, m.WV[l][h])
			att := tp.CausalAttend(q, k, v, batch, seq)
			out := tp.Linear(att, m.WO[l][h])
			run.EmitSrc(srcIdx, fmt.Sprintf("blk.%d.attn_out.%d", l, h), out)
			srcIdx++
			attnOuts[h] = out
		}
		if !patched {
			for _, o := range attnOuts {
				resid = tp.Add(resid, o)
			}
		}

		xm := resid
		if patched {
			xm = m.destInput(run, tp, fmt.Sprintf("blk.%d.mlp_in", l), 0, batch, seq)
		}
		hidden := tp.GELU(tp.Linear(xm, m.W1[l]))
		mlpOut := tp.Linear(hidden, m.W2[l])
		run.EmitSrc(srcIdx, fmt.Sprintf("blk.%d.mlp_out", l), mlpOut)
		srcIdx++
		if !patched {
			resid = tp.Add(resid, mlpOut)
		}
	}

	final := resid
	if patched {
		final = m.destInput(run, tp, "resid_end", 0, batch, seq)
	}
	normed := tp.RMSNorm(final, m.NormGain, m.shape.Eps)

	last := make([]int, batch)
	for b := range last {
		last[b] = b*seq + seq - 1
	}
	pooled := tp.GatherRows(normed, last)
	return tp.Linear(pooled, m.Unembed)
}

// destInput pulls one destination row's assembled input. A failure here
// means activations were never recorded or the graph and model disagree,
// both programming errors.
func (m *Model) destInput(run *patch.Run, tp *tape.Tape, module string, row, batch, seq int) *tape.Tensor {
	x, err := run.DestInput(tp, module, row, batch, seq)
	if err != nil {
		panic(fmt.Sprintf("model: %v", err))
	}
	return x
}
