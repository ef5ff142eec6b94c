package storage

import (
	"path/filepath"
	"testing"

	"github.com/relab/hotstuff2"
)

func openTemp(t *testing.T) *LevelDBPersistence {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSafetyStateRoundTrip(t *testing.T) {
	p := openTemp(t)
	if _, err := p.LoadSafetyState(); err != nil {
		t.Fatalf("load on empty db: %v", err)
	}
	state := hotstuff2.SafetyState{
		LockedQC:      &hotstuff2.QuorumCert{View: 3, Phase: hotstuff2.PhaseCommit, BlockHash: hotstuff2.Hash{0x1}},
		HighQC:        &hotstuff2.QuorumCert{View: 4, Phase: hotstuff2.PhasePropose, BlockHash: hotstuff2.Hash{0x2}},
		LastVotedView: 5,
		CurrentView:   6,
	}
	if err := p.SaveSafetyState(state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := p.LoadSafetyState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LastVotedView != 5 || got.CurrentView != 6 {
		t.Fatalf("views did not round-trip: %+v", got)
	}
	if got.LockedQC.View != 3 || got.HighQC.View != 4 {
		t.Fatalf("qcs did not round-trip: %+v", got)
	}
}

func TestBlockAndQCRoundTrip(t *testing.T) {
	p := openTemp(t)
	block := &hotstuff2.Block{ParentHash: hotstuff2.Hash{0x9}, Height: 1, View: 1, Proposer: 2}
	if err := p.PutBlock(block); err != nil {
		t.Fatalf("put block: %v", err)
	}
	got, ok := p.GetBlock(block.Hash())
	if !ok {
		t.Fatal("expected block to be found")
	}
	if got.Proposer != 2 {
		t.Fatalf("unexpected proposer: %d", got.Proposer)
	}

	qc := &hotstuff2.QuorumCert{View: 7, Phase: hotstuff2.PhaseFastCommit, BlockHash: block.Hash(), Signers: hotstuff2.NewSignerSet(1, 2, 3)}
	if err := p.PutQC(qc); err != nil {
		t.Fatalf("put qc: %v", err)
	}
	gotQC, ok := p.GetQC(block.Hash(), hotstuff2.PhaseFastCommit)
	if !ok {
		t.Fatal("expected qc to be found")
	}
	if gotQC.View != 7 || gotQC.Signers.Len() != 3 {
		t.Fatalf("qc did not round-trip: %+v", gotQC)
	}
	if _, ok := p.GetQC(block.Hash(), hotstuff2.PhaseCommit); ok {
		t.Fatal("did not expect a QC stored under a different phase")
	}
}
