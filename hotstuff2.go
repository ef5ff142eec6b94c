// Package hotstuff2 defines the core types and collaborator contracts that
// implement the two-phase responsive HotStuff-2 protocol described in
// spec.md. These interfaces allow the replica/pacemaker/safety/aggregator/
// synchrony components to be developed and tested independently, and let a
// host supply its own transport, persistence, mempool, and application state
// machine.
//
// The following diagram generalizes the teacher's own HotStuff interface
// diagram (github.com/relab/hotstuff) to the two-phase, pipelined,
// fast-path-capable protocol this module implements:
//
//	inbound msg -> Verifier(C1) -> Replica driver -> Safety(C3) | Pacemaker(C4) | Aggregator(C5) | Synchrony(C6)
//	                                                      |
//	                                         commit -> Host.OnCommitted / StateMachine.ExecuteCommitted
package hotstuff2

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ID uniquely identifies a replica within the fixed validator set.
type ID uint32

// View is a monotonically increasing integer identifying a leader term.
type View uint64

// Height is the position of a block in the committed chain, starting at 0
// for genesis.
type Height uint64

// Hash is a 32-byte content identifier.
type Hash [32]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:4])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Phase identifies which vote bucket a message belongs to. In HotStuff-2
// the commit chain only needs two phases of voting; FastCommit is a
// separate, optimistic bucket that is not part of the commit chain.
type Phase uint8

const (
	// PhasePropose is the first of the two phases on the commit chain.
	PhasePropose Phase = 1
	// PhaseCommit is the second of the two phases on the commit chain.
	PhaseCommit Phase = 2
	// PhaseFastCommit is the optimistic fast-path bucket.
	PhaseFastCommit Phase = 3
)

func (p Phase) String() string {
	switch p {
	case PhasePropose:
		return "Propose"
	case PhaseCommit:
		return "Commit"
	case PhaseFastCommit:
		return "FastCommit"
	default:
		return fmt.Sprintf("Phase(%d)", p)
	}
}

// PartialSignature is one replica's signature share over a (view, phase,
// block_hash) triple, domain-separated by a protocol tag so that a share
// produced for one phase or certificate kind can never verify for another.
type PartialSignature struct {
	Signer ID
	R, S   []byte // big.Int bytes of an ECDSA signature
}

// AggregateSignature bundles the partial signatures that met a threshold.
// This module does not assume a signature scheme capable of true
// compression (the teacher signs with ecdsa.PrivateKey); an aggregate is
// therefore the verified collection of shares plus the signer set, which is
// the same cost model the teacher's own CreateQuorumCert/PartialCert split
// uses.
type AggregateSignature struct {
	Shares []PartialSignature
}

// SignerSet is the set of replica IDs that contributed to a certificate.
type SignerSet map[ID]struct{}

// NewSignerSet builds a SignerSet from the given IDs.
func NewSignerSet(ids ...ID) SignerSet {
	s := make(SignerSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Len returns the number of signers.
func (s SignerSet) Len() int { return len(s) }

// Has reports whether id is a member.
func (s SignerSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Block is a proposal in the chain.
type Block struct {
	ParentHash   Hash
	Height       Height
	View         View
	Proposer     ID
	BodyDigest   Hash
	JustifyQC    *QuorumCert
	FastEligible bool
}

// Hash computes the content-addressed identifier of the block, binding
// parent hash, height, view, proposer, and body digest as required by
// spec.md §3. JustifyQC is deliberately excluded: a QC is keyed by the hash
// of the block it justifies, so folding JustifyQC into that same hash would
// make the identifier depend on itself (genesis's self-justifying QC being
// the sharpest case) and would let a block's identity shift if its justify
// QC were ever replaced by an equally valid one for the same parent/view.
func (b *Block) Hash() Hash {
	h := sha256.New()
	h.Write(b.ParentHash[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(b.Height))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(b.View))
	h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(b.Proposer))
	h.Write(buf[:4])
	h.Write(b.BodyDigest[:])
	var sum Hash
	copy(sum[:], h.Sum(nil))
	return sum
}

// GetGenesis returns the well-known genesis block. Genesis is never pruned
// and is its own justification.
func GetGenesis() *Block {
	genesis := &Block{
		ParentHash: Hash{},
		Height:     0,
		View:       0,
		Proposer:   0,
	}
	qc := &QuorumCert{
		View:      0,
		Phase:     PhasePropose,
		BlockHash: genesis.Hash(),
	}
	genesis.JustifyQC = qc
	return genesis
}

// Vote is a single replica's signature share for a (view, phase, block)
// triple.
type Vote struct {
	View      View
	Phase     Phase
	BlockHash Hash
	VoterID   ID
	Partial   PartialSignature
}

// QuorumCert (QC) certifies that a quorum of replicas voted for a block in
// a given view and phase.
type QuorumCert struct {
	View      View
	Phase     Phase
	BlockHash Hash
	AggSig    AggregateSignature
	Signers   SignerSet
}

// IsFast reports whether qc was formed in the fast-commit bucket.
func (qc *QuorumCert) IsFast() bool { return qc != nil && qc.Phase == PhaseFastCommit }

// Consecutive reports whether qc2 directly follows qc1: qc2's block has
// qc1's block as parent and qc2's view is no earlier than qc1's.
func Consecutive(qc1, qc2 *QuorumCert, store BlockStore) bool {
	if qc1 == nil || qc2 == nil {
		return false
	}
	block2, ok := store.Get(qc2.BlockHash)
	if !ok {
		return false
	}
	return block2.ParentHash == qc1.BlockHash && qc2.View >= qc1.View
}

// NewViewMsg is broadcast by a replica that has timed out on the current
// view, carrying its highest known QC.
type NewViewMsg struct {
	View      View
	HighQC    *QuorumCert
	Sender    ID
	Signature PartialSignature
}

// TimeoutCert (TC) aggregates 2f+1 NewView messages for the same view and
// carries the highest QC among the signers, so that all honest replicas
// converge on the same high_qc after a view change.
type TimeoutCert struct {
	View      View
	AggSig    AggregateSignature
	Signers   SignerSet
	HighestQC *QuorumCert
}

// SyncInfo carries whichever certificate justifies a view advance: either a
// regular/fast QC with view >= current_view (fast-forward) or a TC formed
// from timeouts.
type SyncInfo struct {
	QC *QuorumCert
	TC *TimeoutCert
}

// SafetyDecisionKind is the tagged-variant discriminant for SafetyDecision.
type SafetyDecisionKind uint8

const (
	DecisionVote SafetyDecisionKind = iota
	DecisionAbstain
)

// AbstainReason names why a proposal was not safe to vote for.
type AbstainReason string

const (
	ReasonStaleView     AbstainReason = "StaleView"
	ReasonViolatesLock  AbstainReason = "ViolatesLock"
	ReasonNone          AbstainReason = ""
)

// SafetyDecision is the result of evaluating safe_to_vote: either Vote, or
// Abstain with a reason. Exhaustive case analysis on Kind is required at
// every call site (spec.md §9, "tagged variants instead of inheritance").
type SafetyDecision struct {
	Kind   SafetyDecisionKind
	Reason AbstainReason
}

// Equivocation is retained evidence that a single voter signed two
// different blocks for the same (view, phase).
type Equivocation struct {
	VoterID ID
	View    View
	Phase   Phase
	VoteA   Vote
	VoteB   Vote
}

// FastThresholdPolicy selects how strict the FastQC signer threshold is,
// per spec.md §9's open question: the paper's responsive two-phase commit
// proof assumes the stricter n-f+... reading; StrictAllHonest is the
// responsiveness-optimized choice and Conservative is the safe default.
type FastThresholdPolicy int

const (
	// StrictAllHonest requires n-f signers for a FastQC (optimistic
	// responsiveness; assumes the synchrony detector is accurate).
	StrictAllHonest FastThresholdPolicy = iota
	// Conservative requires all 3f+1 signers for a FastQC.
	Conservative
)

// LeaderRotation selects the leader for a view. Safety does not depend on
// which deterministic function is used, only that every honest replica
// computes the same answer (spec.md §4.4).
type LeaderRotation interface {
	Leader(view View) ID
}

// Verifier is the C1 cryptographic capability: signing, verification, and
// threshold aggregation of partial signatures. The signed payload always
// includes (view, phase, block_hash) plus a protocol tag distinguishing
// regular-QC, fast-QC, and TC signatures, so cross-phase/cross-kind reuse
// fails verification (spec.md §4.1).
type Verifier interface {
	// SignPartial produces this replica's signature share over msg, which
	// must already be domain-separated by the caller (a digest over tag ||
	// phase || view || block_hash).
	SignPartial(msg []byte) (PartialSignature, error)
	// VerifyPartial checks a single signature share from voter.
	VerifyPartial(voter ID, partial PartialSignature, msg []byte) bool
	// Aggregate combines shares into an AggregateSignature once the signer
	// set reaches threshold. Returns ErrInsufficientShares otherwise.
	Aggregate(shares []PartialSignature, threshold int) (AggregateSignature, SignerSet, error)
	// VerifyAggregate re-verifies every share in agg against msg and checks
	// that the signer set meets threshold.
	VerifyAggregate(agg AggregateSignature, signers SignerSet, msg []byte, threshold int) bool
}

// BlockStore is the C2 content-addressed block index.
type BlockStore interface {
	// Put inserts block, idempotent by hash. Returns an error wrapping
	// ErrUnknownBlock if block's parent is not stored; it does not verify
	// block.JustifyQC.
	Put(block *Block) error
	Get(hash Hash) (*Block, bool)
	GetByHeight(h Height) (*Block, bool)
	// Ancestors returns up to depth ancestors of hash, nearest first.
	Ancestors(hash Hash, depth int) []*Block
	// Extends reports whether ancestorHash is on descendantHash's parent
	// chain.
	Extends(descendantHash, ancestorHash Hash) bool
	// Prune discards blocks below committedHeight-k. Genesis is never
	// pruned.
	Prune(committedHeight Height, k int)
}

// SafetyState is the persisted replica safety state (spec.md §3). It must
// be durable before any outbound vote or commit notification derived from
// it is released (spec.md §4.3, §5).
type SafetyState struct {
	LockedQC      *QuorumCert
	HighQC        *QuorumCert
	LastVotedView View
	CurrentView   View
}

// Persistence is the §6 collaborator contract for durable safety state and
// block/QC storage. SaveSafetyState must fsync before returning.
type Persistence interface {
	SaveSafetyState(state SafetyState) error
	LoadSafetyState() (SafetyState, error)
	PutBlock(block *Block) error
	PutQC(qc *QuorumCert) error
	GetBlock(hash Hash) (*Block, bool)
	GetQC(hash Hash, phase Phase) (*QuorumCert, bool)
}

// Transport is the §6 collaborator contract for message delivery. It makes
// no delivery guarantees.
type Transport interface {
	Send(to ID, messageBytes []byte) error
	Broadcast(messageBytes []byte) error
}

// Mempool is the §6 collaborator contract for block-body assembly.
type Mempool interface {
	ProposeBody(maxBytes int) (bodyDigest Hash, body []byte, err error)
}

// StateMachine is the §6 collaborator contract for application execution.
type StateMachine interface {
	ExecuteCommitted(block *Block) (stateRoot []byte, err error)
}

// Clock abstracts wall-clock time and timers so the pacemaker and synchrony
// detector can be driven deterministically in tests (spec.md §9: "global
// singletons... are injected via the pacemaker and synchrony-detector
// contracts").
type Clock interface {
	Now() int64 // unix nanos
	AfterFunc(d int64, f func()) Timer
}

// Timer is a cancelable, resettable one-shot timer.
type Timer interface {
	Stop() bool
	Reset(d int64) bool
}

// ReplicaPublicKey is the verification half of a replica's identity.
type ReplicaPublicKey = *ecdsa.PublicKey

// ReplicaPrivateKey is the signing half of a replica's identity.
type ReplicaPrivateKey = *ecdsa.PrivateKey

// Quorum returns the regular-QC / TC threshold 2f+1 for n=3f+1 validators.
func Quorum(n int) int {
	f := (n - 1) / 3
	return 2*f + 1
}

// FaultTolerance returns f for n=3f+1 validators.
func FaultTolerance(n int) int {
	return (n - 1) / 3
}

// FastThreshold returns the FastQC threshold for the given policy.
func FastThreshold(n int, policy FastThresholdPolicy) int {
	f := FaultTolerance(n)
	switch policy {
	case StrictAllHonest:
		return n - f
	case Conservative:
		return n
	default:
		return n
	}
}
