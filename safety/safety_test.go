package safety

import (
	"testing"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/blockchain"
)

type memPersistence struct {
	state hotstuff2.SafetyState
	saved int
}

func (m *memPersistence) SaveSafetyState(s hotstuff2.SafetyState) error {
	m.state = s
	m.saved++
	return nil
}
func (m *memPersistence) LoadSafetyState() (hotstuff2.SafetyState, error) { return m.state, nil }
func (m *memPersistence) PutBlock(*hotstuff2.Block) error                  { return nil }
func (m *memPersistence) PutQC(*hotstuff2.QuorumCert) error                { return nil }
func (m *memPersistence) GetBlock(hotstuff2.Hash) (*hotstuff2.Block, bool) { return nil, false }
func (m *memPersistence) GetQC(hotstuff2.Hash, hotstuff2.Phase) (*hotstuff2.QuorumCert, bool) {
	return nil, false
}

func newTestEngine(t *testing.T) (*Engine, *blockchain.Store) {
	t.Helper()
	store := blockchain.New()
	e, err := NewEngine(store, &memPersistence{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, store
}

func qcFor(block *hotstuff2.Block, phase hotstuff2.Phase) *hotstuff2.QuorumCert {
	return &hotstuff2.QuorumCert{
		View:      block.View,
		Phase:     phase,
		BlockHash: block.Hash(),
		Signers:   hotstuff2.NewSignerSet(0, 1, 2),
	}
}

func TestSafeToVoteStaleView(t *testing.T) {
	e, store := newTestEngine(t)
	genesis := hotstuff2.GetGenesis()
	b1 := &hotstuff2.Block{ParentHash: genesis.Hash(), Height: 1, View: 1, JustifyQC: qcFor(genesis, hotstuff2.PhasePropose)}
	store.Put(b1)
	if err := e.RecordVoteIntent(1); err != nil {
		t.Fatalf("record vote intent: %v", err)
	}
	decision := e.SafeToVote(b1, b1.JustifyQC)
	if decision.Kind != hotstuff2.DecisionAbstain || decision.Reason != hotstuff2.ReasonStaleView {
		t.Fatalf("expected StaleView abstain, got %+v", decision)
	}
}

func TestSafeToVoteHappyPath(t *testing.T) {
	e, store := newTestEngine(t)
	genesis := hotstuff2.GetGenesis()
	b1 := &hotstuff2.Block{ParentHash: genesis.Hash(), Height: 1, View: 1}
	store.Put(b1)
	decision := e.SafeToVote(b1, nil)
	if decision.Kind != hotstuff2.DecisionVote {
		t.Fatalf("expected vote, got %+v", decision)
	}
}

func TestSafeToVoteViolatesLockUnlessBypassed(t *testing.T) {
	e, store := newTestEngine(t)
	genesis := hotstuff2.GetGenesis()
	b1 := &hotstuff2.Block{ParentHash: genesis.Hash(), Height: 1, View: 1}
	store.Put(b1)
	qc1 := qcFor(b1, hotstuff2.PhasePropose)
	store.Put(&hotstuff2.Block{ParentHash: b1.Hash(), Height: 2, View: 2, JustifyQC: qc1})
	if err := e.UpdateOnQC(qc1); err != nil {
		t.Fatalf("update on qc: %v", err)
	}
	// a second QC at a higher view on a child of b1 makes qc1 the earlier half of a
	// consecutive pair, locking on it.
	b2 := &hotstuff2.Block{ParentHash: b1.Hash(), Height: 2, View: 3, JustifyQC: qc1}
	store.Put(b2)
	qc2 := qcFor(b2, hotstuff2.PhasePropose)
	if err := e.UpdateOnQC(qc2); err != nil {
		t.Fatalf("update on qc2: %v", err)
	}
	if e.State().LockedQC.View != qc1.View {
		t.Fatalf("expected lock on qc1 (view %d), got view %d", qc1.View, e.State().LockedQC.View)
	}

	// a forked proposal off genesis with a stale justify_qc must be abstained.
	forked := &hotstuff2.Block{ParentHash: genesis.Hash(), Height: 1, View: 10}
	store.Put(forked)
	staleJustify := &hotstuff2.QuorumCert{View: 0, Phase: hotstuff2.PhasePropose, BlockHash: genesis.Hash()}
	decision := e.SafeToVote(forked, staleJustify)
	if decision.Kind != hotstuff2.DecisionAbstain || decision.Reason != hotstuff2.ReasonViolatesLock {
		t.Fatalf("expected ViolatesLock abstain, got %+v", decision)
	}

	// the same fork with a higher-view justification bypasses the lock.
	bypassJustify := &hotstuff2.QuorumCert{View: 99, Phase: hotstuff2.PhasePropose, BlockHash: genesis.Hash()}
	decision = e.SafeToVote(forked, bypassJustify)
	if decision.Kind != hotstuff2.DecisionVote {
		t.Fatalf("expected vote via lock bypass, got %+v", decision)
	}
}

func TestCommitDecisionConsecutive(t *testing.T) {
	e, store := newTestEngine(t)
	genesis := hotstuff2.GetGenesis()
	b1 := &hotstuff2.Block{ParentHash: genesis.Hash(), Height: 1, View: 1}
	store.Put(b1)
	qc1 := qcFor(b1, hotstuff2.PhasePropose)
	b2 := &hotstuff2.Block{ParentHash: b1.Hash(), Height: 2, View: 2, JustifyQC: qc1}
	store.Put(b2)
	qc2 := qcFor(b2, hotstuff2.PhasePropose)
	if err := e.UpdateOnQC(qc1); err != nil {
		t.Fatalf("update qc1: %v", err)
	}
	if err := e.UpdateOnQC(qc2); err != nil {
		t.Fatalf("update qc2: %v", err)
	}
	hash, ok := e.CommitDecision(qc2)
	if !ok || hash != b1.Hash() {
		t.Fatalf("expected commit of b1 once qc2 forms, got ok=%v hash=%v", ok, hash)
	}
}

func TestRecordVoteDetectsEquivocation(t *testing.T) {
	e, _ := newTestEngine(t)
	v1 := hotstuff2.Vote{View: 1, Phase: hotstuff2.PhasePropose, BlockHash: hotstuff2.Hash{0x1}, VoterID: 5}
	v2 := hotstuff2.Vote{View: 1, Phase: hotstuff2.PhasePropose, BlockHash: hotstuff2.Hash{0x2}, VoterID: 5}
	if ev, dup := e.RecordVote(v1); ev != nil || dup {
		t.Fatal("first vote must not be flagged")
	}
	ev, dup := e.RecordVote(v2)
	if !dup || ev == nil {
		t.Fatal("expected equivocation to be detected")
	}
	if len(e.Equivocations()) != 1 {
		t.Fatalf("expected 1 retained equivocation, got %d", len(e.Equivocations()))
	}
}
