package aggregator

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/blockchain"
	"github.com/relab/hotstuff2/crypto"
)

type noopSafety struct{}

func (noopSafety) RecordVote(hotstuff2.Vote) (*hotstuff2.Equivocation, bool) { return nil, false }

func fourVerifiers(t *testing.T) (crypto.ReplicaKeys, map[hotstuff2.ID]*crypto.Verifier) {
	t.Helper()
	keys := make(crypto.ReplicaKeys)
	privs := make(map[hotstuff2.ID]*ecdsa.PrivateKey)
	for i := hotstuff2.ID(0); i < 4; i++ {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		privs[i] = priv
		keys[i] = &priv.PublicKey
	}
	verifiers := make(map[hotstuff2.ID]*crypto.Verifier, 4)
	for i := hotstuff2.ID(0); i < 4; i++ {
		verifiers[i] = crypto.New(i, privs[i], keys)
	}
	return keys, verifiers
}

func TestAddVoteFormsQCAtThreshold(t *testing.T) {
	_, verifiers := fourVerifiers(t)
	store := blockchain.New()
	a := New(Config{N: 4, Threshold: 3, FastThreshold: 4, PipelineDepth: 5}, verifiers[0], store, noopSafety{})

	hash := hotstuff2.Hash{0xAB}
	msg := crypto.DigestVote(1, hotstuff2.PhasePropose, hash)
	var qc *hotstuff2.QuorumCert
	for id := hotstuff2.ID(0); id < 3; id++ {
		sig, err := verifiers[id].SignPartial(msg)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		vote := hotstuff2.Vote{View: 1, Phase: hotstuff2.PhasePropose, BlockHash: hash, VoterID: id, Partial: sig}
		var e error
		var eq *hotstuff2.Equivocation
		qc, eq, e = a.AddVote(vote, msg)
		if e != nil {
			t.Fatalf("add vote: %v", e)
		}
		if eq != nil {
			t.Fatalf("unexpected equivocation")
		}
	}
	if qc == nil {
		t.Fatal("expected QC to form at threshold")
	}
	if qc.Signers.Len() != 3 {
		t.Fatalf("expected 3 signers, got %d", qc.Signers.Len())
	}
}

func TestAddVoteDropsLateVoteIntoSealedBucket(t *testing.T) {
	_, verifiers := fourVerifiers(t)
	store := blockchain.New()
	a := New(Config{N: 4, Threshold: 2, FastThreshold: 4, PipelineDepth: 5}, verifiers[0], store, noopSafety{})
	hash := hotstuff2.Hash{0x1}
	msg := crypto.DigestVote(1, hotstuff2.PhasePropose, hash)
	for id := hotstuff2.ID(0); id < 2; id++ {
		sig, _ := verifiers[id].SignPartial(msg)
		if _, _, err := a.AddVote(hotstuff2.Vote{View: 1, Phase: hotstuff2.PhasePropose, BlockHash: hash, VoterID: id, Partial: sig}, msg); err != nil {
			t.Fatalf("add vote: %v", err)
		}
	}
	sig, _ := verifiers[2].SignPartial(msg)
	qc, _, err := a.AddVote(hotstuff2.Vote{View: 1, Phase: hotstuff2.PhasePropose, BlockHash: hash, VoterID: 2, Partial: sig}, msg)
	if err != nil {
		t.Fatalf("add vote: %v", err)
	}
	if qc != nil {
		t.Fatal("expected late vote into a sealed bucket to be dropped, not form a second QC")
	}
}

func TestAdmitProposalDetectsDuplicate(t *testing.T) {
	_, verifiers := fourVerifiers(t)
	store := blockchain.New()
	a := New(Config{N: 4, Threshold: 3, FastThreshold: 4, PipelineDepth: 5}, verifiers[0], store, noopSafety{})
	if dup := a.AdmitProposal(1, 1, hotstuff2.Hash{0x1}); dup {
		t.Fatal("first proposal must not be a duplicate")
	}
	if dup := a.AdmitProposal(1, 1, hotstuff2.Hash{0x1}); dup {
		t.Fatal("re-admitting the same hash is not a duplicate")
	}
	if dup := a.AdmitProposal(1, 1, hotstuff2.Hash{0x2}); !dup {
		t.Fatal("a different hash for the same view must be flagged as duplicate")
	}
}

func TestCommitTrackerOrdersAndIsIdempotent(t *testing.T) {
	store := blockchain.New()
	genesis := hotstuff2.GetGenesis()
	b1 := &hotstuff2.Block{ParentHash: genesis.Hash(), Height: 1, View: 1}
	b2 := &hotstuff2.Block{ParentHash: b1.Hash(), Height: 2, View: 2}
	b3 := &hotstuff2.Block{ParentHash: b2.Hash(), Height: 3, View: 3}
	for _, b := range []*hotstuff2.Block{b1, b2, b3} {
		if err := store.Put(b); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	tracker := NewCommitTracker(store)
	committed := tracker.CommitRegular(b3.Hash())
	if len(committed) != 3 {
		t.Fatalf("expected 3 blocks committed in one jump, got %d", len(committed))
	}
	if committed[0].Height != 1 || committed[1].Height != 2 || committed[2].Height != 3 {
		t.Fatalf("expected ascending height order, got %+v", committed)
	}
	if got := tracker.CommitRegular(b1.Hash()); got != nil {
		t.Fatalf("expected idempotent no-op for a stale commit target, got %+v", got)
	}
}
