// Package patch implements the masked-patching machinery: the activation
// store that snapshots source outputs per regime, the mask state holding
// one learnable logit per edge, and the run scope that threads patch-mode
// execution through a forward pass.
package patch

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-whittle/internal/metrics"
	"github.com/23skdu/longbow-whittle/internal/tape"
)

// ErrMissingActivation marks a lookup for a (regime, batch) pair that was
// never recorded. Recording must precede use; this is a programming error
// and callers treat it as fatal.
var ErrMissingActivation = errors.New("missing activation")

// Regime selects which activation world a snapshot belongs to.
type Regime int

const (
	RegimeClean Regime = iota
	RegimeCorrupt
	RegimeZero
)

func (r Regime) String() string {
	switch r {
	case RegimeClean:
		return "clean"
	case RegimeCorrupt:
		return "corrupt"
	case RegimeZero:
		return "zero"
	}
	return fmt.Sprintf("regime(%d)", int(r))
}

// ParsePatchRegime resolves the configured patch source. Only corrupt and
// zero make sense as patch values; clean snapshots are recorded for
// reference runs, not for ablation.
func ParsePatchRegime(name string) (Regime, error) {
	switch name {
	case "corrupt":
		return RegimeCorrupt, nil
	case "zero":
		return RegimeZero, nil
	}
	return 0, fmt.Errorf("unknown patch_regime: %q (known: corrupt, zero)", name)
}

// BatchKey is the stable content-derived identity of a batch.
type BatchKey uint64

// Snapshot holds one recorded (regime, batch) pass: a detached value slab
// per source node, indexed by SrcIdx.
type Snapshot struct {
	Key   BatchKey
	slabs [][]float32
	rows  int
	cols  int
}

// Src returns the recorded slab for one source node.
func (sn *Snapshot) Src(idx int) ([]float32, error) {
	if idx < 0 || idx >= len(sn.slabs) || sn.slabs[idx] == nil {
		return nil, fmt.Errorf("%w: source %d of batch %x", ErrMissingActivation, idx, uint64(sn.Key))
	}
	return sn.slabs[idx], nil
}

// prefix returns the first n slabs, the visible sources of one
// destination module.
func (sn *Snapshot) prefix(n int) ([][]float32, error) {
	if n > len(sn.slabs) {
		return nil, fmt.Errorf("%w: want %d sources, snapshot has %d", ErrMissingActivation, n, len(sn.slabs))
	}
	return sn.slabs[:n], nil
}

func (sn *Snapshot) bytes() int64 {
	var b int64
	for _, s := range sn.slabs {
		b += int64(len(s)) * 4
	}
	return b
}

// Forwarder is the slice of the model provider the store needs: one
// forward pass that publishes every source output to the run.
type Forwarder interface {
	Forward(tp *tape.Tape, tokens [][]int, run *Run) *tape.Tensor
}

// Store caches source activations per regime and batch. It is populated
// once per regime per dataset pass and read-only while any training loop
// runs; Release frees a regime when a sweep is done with it.
type Store struct {
	snaps map[Regime]map[BatchKey]*Snapshot
}

func NewStore() *Store {
	return &Store{snaps: make(map[Regime]map[BatchKey]*Snapshot)}
}

// Record runs one unmasked forward over tokens and snapshots every source
// output under (regime, key). For the zero regime the recorded slabs are
// zeroed after the pass, so they keep the correct shapes.
func (st *Store) Record(regime Regime, f Forwarder, tokens [][]int, key BatchKey) error {
	snap := &Snapshot{Key: key}
	run := &Run{}
	run.OnSource("*", func(srcIdx int, out *tape.Tensor) {
		for len(snap.slabs) <= srcIdx {
			snap.slabs = append(snap.slabs, nil)
		}
		snap.slabs[srcIdx] = out.CloneData()
		snap.rows, snap.cols = out.Rows, out.Cols
	})

	f.Forward(tape.NewEval(), tokens, run)
	metrics.RecordForward("record")

	for i, slab := range snap.slabs {
		if slab == nil {
			return fmt.Errorf("source %d not published during recording", i)
		}
		if regime == RegimeZero {
			for j := range slab {
				slab[j] = 0
			}
		}
	}

	if st.snaps[regime] == nil {
		st.snaps[regime] = make(map[BatchKey]*Snapshot)
	}
	st.snaps[regime][key] = snap
	st.publishStats()
	return nil
}

// Snapshot fetches a recorded pass; failure is fatal for the caller.
func (st *Store) Snapshot(regime Regime, key BatchKey) (*Snapshot, error) {
	sn, ok := st.snaps[regime][key]
	if !ok {
		return nil, fmt.Errorf("%w: regime %s batch %x was never recorded", ErrMissingActivation, regime, uint64(key))
	}
	return sn, nil
}

// Lookup fetches one source slab directly.
func (st *Store) Lookup(regime Regime, key BatchKey, srcIdx int) ([]float32, error) {
	sn, err := st.Snapshot(regime, key)
	if err != nil {
		return nil, err
	}
	return sn.Src(srcIdx)
}

// Release frees every snapshot of one regime.
func (st *Store) Release(regime Regime) {
	delete(st.snaps, regime)
	st.publishStats()
}

// ReleaseAll frees the whole store.
func (st *Store) ReleaseAll() {
	st.snaps = make(map[Regime]map[BatchKey]*Snapshot)
	st.publishStats()
}

// Bytes reports the resident slab memory.
func (st *Store) Bytes() int64 {
	var b int64
	for _, perKey := range st.snaps {
		for _, sn := range perKey {
			b += sn.bytes()
		}
	}
	return b
}

// Entries reports the recorded (regime, batch) snapshot count.
func (st *Store) Entries() int {
	n := 0
	for _, perKey := range st.snaps {
		n += len(perKey)
	}
	return n
}

func (st *Store) publishStats() {
	metrics.RecordCacheStats(st.Bytes(), st.Entries())
}
