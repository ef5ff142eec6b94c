package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/relab/hotstuff2"
)

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestSignAndVerifyPartial(t *testing.T) {
	priv := genKey(t)
	keys := ReplicaKeys{1: &priv.PublicKey}
	v := New(1, priv, keys)

	msg := DigestVote(5, hotstuff2.PhasePropose, hotstuff2.Hash{0xAA})
	partial, err := v.SignPartial(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !v.VerifyPartial(1, partial, msg) {
		t.Fatal("expected signature to verify")
	}
	if v.VerifyPartial(1, partial, DigestVote(6, hotstuff2.PhasePropose, hotstuff2.Hash{0xAA})) {
		t.Fatal("signature over a different view must not verify")
	}
}

// TestDigestVoteSeparatesPhases checks that a share signed for one phase
// cannot be replayed as a share for a different phase of the same
// (view, block_hash), per spec.md §4.1's cross-phase reuse requirement.
func TestDigestVoteSeparatesPhases(t *testing.T) {
	priv := genKey(t)
	v := New(1, priv, ReplicaKeys{1: &priv.PublicKey})

	hash := hotstuff2.Hash{0xAA}
	proposeMsg := DigestVote(5, hotstuff2.PhasePropose, hash)
	partial, err := v.SignPartial(proposeMsg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !v.VerifyPartial(1, partial, proposeMsg) {
		t.Fatal("expected propose-phase signature to verify against its own digest")
	}
	commitMsg := DigestVote(5, hotstuff2.PhaseCommit, hash)
	if v.VerifyPartial(1, partial, commitMsg) {
		t.Fatal("propose-phase signature must not verify as a commit-phase share for the same view/hash")
	}
}

func TestVerifyPartialUnknownSigner(t *testing.T) {
	priv := genKey(t)
	v := New(1, priv, ReplicaKeys{1: &priv.PublicKey})
	msg := DigestVote(1, hotstuff2.PhasePropose, hotstuff2.Hash{})
	partial, _ := v.SignPartial(msg)
	partial.Signer = 99
	if v.VerifyPartial(99, partial, msg) {
		t.Fatal("unknown signer must not verify")
	}
}

func TestAggregateThreshold(t *testing.T) {
	keys := make(ReplicaKeys)
	privs := make(map[hotstuff2.ID]*ecdsa.PrivateKey)
	for i := hotstuff2.ID(1); i <= 4; i++ {
		priv := genKey(t)
		privs[i] = priv
		keys[i] = &priv.PublicKey
	}
	v := New(1, privs[1], keys)
	msg := DigestVote(2, hotstuff2.PhaseCommit, hotstuff2.Hash{0x01})

	var shares []hotstuff2.PartialSignature
	for i := hotstuff2.ID(1); i <= 3; i++ {
		signer := New(i, privs[i], keys)
		s, err := signer.SignPartial(msg)
		if err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		shares = append(shares, s)
	}

	if _, _, err := v.Aggregate(shares, 4); err == nil {
		t.Fatal("expected insufficient-shares error below threshold")
	}

	agg, signers, err := v.Aggregate(shares, 3)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if signers.Len() != 3 {
		t.Fatalf("expected 3 signers, got %d", signers.Len())
	}
	if !v.VerifyAggregate(agg, signers, msg, 3) {
		t.Fatal("expected aggregate to verify")
	}
	if v.VerifyAggregate(agg, signers, msg, 4) {
		t.Fatal("aggregate below requested threshold must fail")
	}
}

func TestVerifyTimeoutCertStructure(t *testing.T) {
	keys := make(ReplicaKeys)
	privs := make(map[hotstuff2.ID]*ecdsa.PrivateKey)
	for i := hotstuff2.ID(1); i <= 4; i++ {
		priv := genKey(t)
		privs[i] = priv
		keys[i] = &priv.PublicKey
	}
	v := New(1, privs[1], keys)

	var shares []hotstuff2.PartialSignature
	for i := hotstuff2.ID(1); i <= 3; i++ {
		signer := New(i, privs[i], keys)
		msg := DigestNewView(2, hotstuff2.Hash{byte(i)}) // each signer reports its own high_qc hash
		s, err := signer.SignPartial(msg)
		if err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		shares = append(shares, s)
	}
	agg, signers, err := v.Aggregate(shares, 3)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	tc := &hotstuff2.TimeoutCert{View: 2, AggSig: agg, Signers: signers}
	if !VerifyTimeoutCertStructure(tc, 3) {
		t.Fatal("expected a threshold-sized, duplicate-free TC to pass structural verification")
	}
	if VerifyTimeoutCertStructure(tc, 4) {
		t.Fatal("TC with fewer signers than threshold must fail")
	}

	forged := &hotstuff2.TimeoutCert{
		View:    2,
		AggSig:  hotstuff2.AggregateSignature{Shares: shares[:1]},
		Signers: hotstuff2.NewSignerSet(1, 2, 3),
	}
	if VerifyTimeoutCertStructure(forged, 3) {
		t.Fatal("TC whose share count does not back its claimed signer set must fail")
	}
}

func TestAggregateDeduplicatesSigners(t *testing.T) {
	priv := genKey(t)
	v := New(1, priv, ReplicaKeys{1: &priv.PublicKey})
	msg := DigestVote(1, hotstuff2.PhasePropose, hotstuff2.Hash{})
	s, _ := v.SignPartial(msg)
	agg, signers, err := v.Aggregate([]hotstuff2.PartialSignature{s, s}, 1)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(agg.Shares) != 1 || signers.Len() != 1 {
		t.Fatalf("expected duplicate signer collapsed, got %d shares %d signers", len(agg.Shares), signers.Len())
	}
}
