// Package replica implements the event-driven driver that wires the
// cryptographic verifier (C1), block store (C2), safety module (C3),
// pacemaker (C4), vote aggregator (C5), and synchrony detector (C6) into a
// single HotStuff-2 replica.
//
// Grounded on the teacher's hotstuff.go, which plays the same role (its
// hotstuffServer.Propose/Vote/NewView handlers dispatch into
// chainedhotstuff's OnPropose/OnVote/OnDeliver) generalized to the
// two-phase/fast-path protocol and driven as an explicit serial event
// stream per spec.md §5 rather than grpc callback goroutines directly
// mutating shared state.
package replica

import (
	"fmt"
	"sync"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/aggregator"
	"github.com/relab/hotstuff2/crypto"
	"github.com/relab/hotstuff2/internal/logging"
	"github.com/relab/hotstuff2/internal/wire"
	"github.com/relab/hotstuff2/pacemaker"
	"github.com/relab/hotstuff2/safety"
	"github.com/relab/hotstuff2/synchrony"
)

var logger = logging.GetLogger("replica")

// Host is the set of callbacks the driver invokes as events are processed,
// per spec.md §6 "Exposed to host".
type Host interface {
	OnCommitted(block *hotstuff2.Block, stateRoot []byte)
	OnEquivocation(evidence hotstuff2.Equivocation)
}

// Config bundles everything the driver needs at construction: the
// validator set, this replica's identity, and every collaborator contract
// from spec.md §6.
type Config struct {
	Self       hotstuff2.ID
	Validators []hotstuff2.ID
	N          int

	Verifier     hotstuff2.Verifier
	Store        hotstuff2.BlockStore
	Persistence  hotstuff2.Persistence
	Transport    hotstuff2.Transport
	Mempool      hotstuff2.Mempool
	StateMachine hotstuff2.StateMachine
	Clock        hotstuff2.Clock
	Rotation     hotstuff2.LeaderRotation

	PacemakerConfig pacemaker.Config
	SynchronyConfig synchrony.Config
	FastPolicy      hotstuff2.FastThresholdPolicy
	PipelineDepth   int
	PruneMargin     int

	Host Host
}

// Replica is a cooperative event-stream driver (spec.md §5): its handlers
// take a single mutex, so calls arriving from several goroutines are
// processed one at a time.
type Replica struct {
	mu sync.Mutex

	cfg Config

	threshold     int
	fastThreshold int

	safety     *safety.Engine
	pacemaker  *pacemaker.Pacemaker
	aggregator *aggregator.Aggregator
	synchrony  *synchrony.Detector
	commits    *aggregator.CommitTracker

	// halted is set once a fatal error (spec.md §7: persistence failure)
	// is observed. A halted replica drops every inbound message and
	// refuses to propose, awaiting operator intervention.
	halted error
}

// Halted reports the fatal error that stopped this replica, if any.
func (r *Replica) Halted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// haltIfFatal records err as the halt cause when it is fatal, returning it
// unchanged either way so call sites can keep propagating it. Safe to call
// from outside the handler lock, since onProposal/onVote/onQC/etc. have
// already released r.mu by the time their error reaches here.
func (r *Replica) haltIfFatal(err error) error {
	if err == nil || !hotstuff2.IsFatal(err) {
		return err
	}
	r.mu.Lock()
	if r.halted == nil {
		r.halted = err
		logger.Errorf("replica halted: %v", err)
	}
	r.mu.Unlock()
	return err
}

// New constructs a Replica and loads persisted safety state.
func New(cfg Config) (*Replica, error) {
	n := cfg.N
	threshold := hotstuff2.Quorum(n)
	fastThreshold := hotstuff2.FastThreshold(n, cfg.FastPolicy)

	safetyEngine, err := safety.NewEngine(cfg.Store, cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("replica: init safety: %w", err)
	}

	r := &Replica{
		cfg:           cfg,
		threshold:     threshold,
		fastThreshold: fastThreshold,
		safety:        safetyEngine,
		synchrony:     synchrony.New(cfg.SynchronyConfig),
		commits:       aggregator.NewCommitTracker(cfg.Store),
	}
	r.aggregator = aggregator.New(aggregator.Config{
		N:             n,
		Threshold:     threshold,
		FastThreshold: fastThreshold,
		PipelineDepth: cfg.PipelineDepth,
	}, cfg.Verifier, cfg.Store, r.safety)

	pmCfg := cfg.PacemakerConfig
	pmCfg.Validators = cfg.Validators
	pmCfg.Threshold = threshold
	r.pacemaker = pacemaker.New(pmCfg, cfg.Rotation, cfg.Clock, safetyEngine.State().CurrentView, r.onTimeout)
	return r, nil
}

// Start arms the pacemaker's view timer for the current view.
func (r *Replica) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pacemaker.StartView()
}

// OnInbound is the single entry point for a decoded-but-unverified wire
// message (spec.md §6).
func (r *Replica) OnInbound(raw []byte) error {
	if halted := r.Halted(); halted != nil {
		return halted
	}
	tag, value, err := wire.Decode(raw)
	if err != nil {
		logger.Warnf("dropping malformed inbound message: %v", err)
		return nil // not fatal: spec.md §7, bad input is dropped, not fatal
	}
	switch tag {
	case wire.TagProposal:
		return r.haltIfFatal(r.onProposal(value.(*wire.Proposal)))
	case wire.TagVote:
		return r.haltIfFatal(r.onVote(value.(*hotstuff2.Vote)))
	case wire.TagQC:
		return r.haltIfFatal(r.onQC(value.(*hotstuff2.QuorumCert)))
	case wire.TagNewView:
		return r.haltIfFatal(r.onNewView(value.(*hotstuff2.NewViewMsg)))
	case wire.TagTC:
		return r.haltIfFatal(r.onTC(value.(*hotstuff2.TimeoutCert)))
	default:
		return nil
	}
}

func (r *Replica) onProposal(p *wire.Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	leader := r.pacemaker.Leader(p.View)
	if leader != p.Proposer {
		logger.Warnf("dropping proposal for view %d from non-leader %d (expected %d)", p.View, p.Proposer, leader)
		return nil
	}
	msg := crypto.DigestVote(p.View, hotstuff2.PhasePropose, blockHashOf(p))
	if !r.cfg.Verifier.VerifyPartial(p.Proposer, p.Signature, msg) {
		logger.Warnf("dropping proposal with invalid signature from %d", p.Proposer)
		return nil
	}

	block := p.ToBlock()
	if err := r.cfg.Store.Put(block); err != nil {
		logger.Warnf("dropping proposal %s: %v", block.Hash(), err)
		return nil
	}

	if dup := r.aggregator.AdmitProposal(block.Height, block.View, block.Hash()); dup {
		return fmt.Errorf("%w: view %d", hotstuff2.ErrDuplicateProposal, block.View)
	}

	if !r.aggregator.WithinPipelineWindow(block.Height) {
		logger.Debugf("proposal at height %d not voted on: beyond pipeline window", block.Height)
		return nil
	}

	decision := r.safety.SafeToVote(block, p.JustifyQC)
	if decision.Kind == hotstuff2.DecisionAbstain {
		logger.Infof("abstaining on view %d block %s: %s", block.View, block.Hash(), decision.Reason)
		return nil
	}

	if p.JustifyQC != nil {
		if err := r.safety.UpdateOnQC(p.JustifyQC); err != nil {
			return fmt.Errorf("replica: update on justify qc: %w", err)
		}
		r.evaluateCommit(p.JustifyQC)
	}

	if err := r.safety.RecordVoteIntent(block.View); err != nil {
		return fmt.Errorf("replica: record vote intent: %w", err)
	}

	votes := r.buildVotes(block, p.FastEligible)
	for _, v := range votes {
		leaderID := r.pacemaker.Leader(block.View)
		if err := r.cfg.Transport.Send(leaderID, wire.EncodeVote(v)); err != nil {
			logger.Warnf("send vote failed: %v", err)
		}
	}
	return nil
}

func blockHashOf(p *wire.Proposal) hotstuff2.Hash {
	return p.ToBlock().Hash()
}

// verifyQC reports whether qc is a genuine quorum certificate: either the
// well-known genesis placeholder (identical on every honest replica, so
// there is nothing to verify cryptographically), or an aggregate signature
// that meets the phase-appropriate threshold against qc's own digest.
func (r *Replica) verifyQC(qc *hotstuff2.QuorumCert) bool {
	if qc == nil {
		return false
	}
	if qc.View == 0 {
		return qc.BlockHash == hotstuff2.GetGenesis().Hash()
	}
	msg := crypto.DigestVote(qc.View, qc.Phase, qc.BlockHash)
	threshold := r.threshold
	if qc.Phase == hotstuff2.PhaseFastCommit {
		threshold = r.fastThreshold
	}
	return r.cfg.Verifier.VerifyAggregate(qc.AggSig, qc.Signers, msg, threshold)
}

// buildVotes produces the regular vote and, if eligible, the fast vote for
// block, per spec.md §4.6: fast votes are emitted alongside regular votes
// when the leader flagged fast_eligible, the local detector agrees, and
// safety already allows the regular vote.
func (r *Replica) buildVotes(block *hotstuff2.Block, leaderFastFlag bool) []*hotstuff2.Vote {
	var votes []*hotstuff2.Vote

	regularMsg := crypto.DigestVote(block.View, hotstuff2.PhasePropose, block.Hash())
	regularSig, err := r.cfg.Verifier.SignPartial(regularMsg)
	if err != nil {
		logger.Errorf("sign regular vote: %v", err)
		return nil
	}
	votes = append(votes, &hotstuff2.Vote{
		View: block.View, Phase: hotstuff2.PhasePropose, BlockHash: block.Hash(),
		VoterID: r.cfg.Self, Partial: regularSig,
	})

	if leaderFastFlag && r.synchrony.EligibleForFastPath() {
		fastMsg := crypto.DigestVote(block.View, hotstuff2.PhaseFastCommit, block.Hash())
		fastSig, err := r.cfg.Verifier.SignPartial(fastMsg)
		if err != nil {
			logger.Errorf("sign fast vote: %v", err)
			return votes
		}
		votes = append(votes, &hotstuff2.Vote{
			View: block.View, Phase: hotstuff2.PhaseFastCommit, BlockHash: block.Hash(),
			VoterID: r.cfg.Self, Partial: fastSig,
		})
	}
	return votes
}

func (r *Replica) onVote(v *hotstuff2.Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := crypto.DigestVote(v.View, v.Phase, v.BlockHash)
	if !r.cfg.Verifier.VerifyPartial(v.VoterID, v.Partial, msg) {
		logger.Warnf("dropping vote with invalid signature from %d", v.VoterID)
		return nil
	}

	qc, equivocation, err := r.aggregator.AddVote(*v, msg)
	if err != nil {
		return fmt.Errorf("replica: aggregate vote: %w", err)
	}
	if equivocation != nil && r.cfg.Host != nil {
		r.cfg.Host.OnEquivocation(*equivocation)
	}
	if qc == nil {
		return nil
	}

	if err := r.cfg.Persistence.PutQC(qc); err != nil {
		return fmt.Errorf("replica: persist qc: %w", err)
	}
	if err := r.safety.UpdateOnQC(qc); err != nil {
		return fmt.Errorf("replica: update on qc: %w", err)
	}
	r.pacemaker.FastForward(qc)
	r.evaluateCommit(qc)

	if err := r.cfg.Transport.Broadcast(wire.EncodeQCMessage(qc, r.cfg.N)); err != nil {
		logger.Warnf("broadcast qc failed: %v", err)
	}
	return nil
}

// evaluateCommit applies the regular or fast commit rule for qc and
// delivers any newly committed blocks to the host in ascending height
// order.
func (r *Replica) evaluateCommit(qc *hotstuff2.QuorumCert) {
	var committed []*hotstuff2.Block
	if qc.IsFast() {
		committed = r.commits.CommitFast(qc.BlockHash)
	} else if target, ok := r.safety.CommitDecision(qc); ok {
		committed = r.commits.CommitRegular(target)
	}
	if len(committed) == 0 {
		return
	}
	r.pacemaker.OnCommit()
	for _, block := range committed {
		r.aggregator.AdvanceCommittedHeight(block.Height)
		r.aggregator.RemoveHeight(block.Height)
		var stateRoot []byte
		if r.cfg.StateMachine != nil {
			root, err := r.cfg.StateMachine.ExecuteCommitted(block)
			if err != nil {
				logger.Errorf("execute committed block %s: %v", block.Hash(), err)
			} else {
				stateRoot = root
			}
		}
		if r.cfg.Host != nil {
			r.cfg.Host.OnCommitted(block, stateRoot)
		}
	}
	r.cfg.Store.Prune(r.commits.CommittedHeight(), r.cfg.PruneMargin)
}

// onQC handles a QC received directly (e.g. broadcast by the replica that
// formed it), reconciling local safety state without re-running vote
// aggregation.
func (r *Replica) onQC(qc *hotstuff2.QuorumCert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	block, ok := r.cfg.Store.Get(qc.BlockHash)
	if !ok {
		return nil // a QC for an unknown block is dropped; it is not buffered for later arrival of the block
	}
	if !r.verifyQC(qc) {
		logger.Warnf("dropping QC with invalid aggregate signature for block %s", block.Hash())
		return nil
	}
	if err := r.cfg.Persistence.PutQC(qc); err != nil {
		return fmt.Errorf("replica: persist qc: %w", err)
	}
	if err := r.safety.UpdateOnQC(qc); err != nil {
		return fmt.Errorf("replica: update on qc: %w", err)
	}
	r.pacemaker.FastForward(qc)
	r.evaluateCommit(qc)
	return nil
}

func (r *Replica) onNewView(msg *hotstuff2.NewViewMsg) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	digest := crypto.DigestNewView(msg.View, msg.HighQC.BlockHash)
	if !r.cfg.Verifier.VerifyPartial(msg.Sender, msg.Signature, digest) {
		logger.Warnf("dropping NewView with invalid signature from %d", msg.Sender)
		return nil
	}
	tc, formed, err := r.pacemaker.AddNewView(*msg, r.cfg.Verifier)
	if err != nil {
		return fmt.Errorf("replica: aggregate new-view: %w", err)
	}
	if !formed {
		return nil
	}
	return r.applyTC(tc, true)
}

// onTC handles a TimeoutCert received directly over the wire (as opposed to
// one this replica formed itself from individually verified NewViews via
// onNewView/AddNewView), so it must check the TC's shape before trusting it
// -- see crypto.VerifyTimeoutCertStructure for what it does and does not
// catch.
func (r *Replica) onTC(tc *hotstuff2.TimeoutCert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !crypto.VerifyTimeoutCertStructure(tc, r.threshold) {
		logger.Warnf("dropping timeout certificate for view %d: structural verification failed", tc.View)
		return nil
	}
	return r.applyTC(tc, false)
}

// applyTC advances the view state machine on a formed or observed TC.
// rebroadcast is true only when this replica itself just formed the TC, so
// that relaying an already-observed TC does not cause a broadcast storm.
//
// tc.HighestQC is re-verified here even for a TC this replica just formed
// itself: onNewView only checks each sender's NewView signature, never that
// the HighQC the sender *claims* is itself a genuine quorum certificate, so
// an unverified HighestQC could otherwise ride a legitimately-formed TC
// straight into high_qc and bypass the lock via SafeToVote's
// justifyQC.View > locked_qc.View escape hatch.
func (r *Replica) applyTC(tc *hotstuff2.TimeoutCert, rebroadcast bool) error {
	if tc.HighestQC != nil && !r.verifyQC(tc.HighestQC) {
		logger.Warnf("dropping timeout certificate for view %d: unverifiable highest QC", tc.View)
		return nil
	}
	r.pacemaker.AdvanceOnTC(tc)
	if tc.HighestQC != nil {
		if err := r.safety.UpdateOnQC(tc.HighestQC); err != nil {
			return fmt.Errorf("replica: adopt tc high qc: %w", err)
		}
	}
	if err := r.safety.AdvanceCurrentView(tc.View + 1); err != nil {
		return fmt.Errorf("replica: persist view advance: %w", err)
	}
	r.pacemaker.StartView()
	if rebroadcast {
		if err := r.cfg.Transport.Broadcast(wire.EncodeTC(tc, r.cfg.N)); err != nil {
			logger.Warnf("broadcast tc failed: %v", err)
		}
	}
	return nil
}

// onTimeout is the pacemaker's callback when T(v) fires without progress.
func (r *Replica) onTimeout(view hotstuff2.View) {
	r.mu.Lock()
	if r.halted != nil {
		r.mu.Unlock()
		return
	}
	state := r.safety.State()
	digest := crypto.DigestNewView(view+1, state.HighQC.BlockHash)
	sig, err := r.cfg.Verifier.SignPartial(digest)
	r.mu.Unlock()
	if err != nil {
		logger.Errorf("sign new-view: %v", err)
		return
	}
	msg := &hotstuff2.NewViewMsg{View: view + 1, HighQC: state.HighQC, Sender: r.cfg.Self, Signature: sig}
	if err := r.cfg.Transport.Broadcast(wire.EncodeNewView(msg, r.cfg.N)); err != nil {
		logger.Warnf("broadcast new-view failed: %v", err)
	}
}

// ObserveLatency feeds a message round-trip sample into the synchrony
// detector, letting the host report transport-level timing without the
// driver depending on a concrete transport implementation.
func (r *Replica) ObserveLatency(sample synchrony.Sample) {
	r.synchrony.Observe(sample)
}

// Propose builds and broadcasts a new proposal for the current view, when
// this replica is its leader. The fast_eligible flag reflects the local
// synchrony detector's current judgment.
func (r *Replica) Propose() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halted != nil {
		return r.halted
	}

	view := r.pacemaker.CurrentView()
	if r.pacemaker.Leader(view) != r.cfg.Self {
		return nil
	}
	state := r.safety.State()
	parent, ok := r.cfg.Store.Get(state.HighQC.BlockHash)
	if !ok {
		return fmt.Errorf("replica: high qc block unknown: %w", hotstuff2.ErrUnknownBlock)
	}
	bodyDigest, _, err := r.cfg.Mempool.ProposeBody(1 << 20)
	if err != nil {
		return fmt.Errorf("replica: propose body: %w", err)
	}
	block := &hotstuff2.Block{
		ParentHash:   parent.Hash(),
		Height:       parent.Height + 1,
		View:         view,
		Proposer:     r.cfg.Self,
		BodyDigest:   bodyDigest,
		JustifyQC:    state.HighQC,
		FastEligible: r.synchrony.EligibleForFastPath(),
	}
	msg := crypto.DigestVote(view, hotstuff2.PhasePropose, block.Hash())
	sig, err := r.cfg.Verifier.SignPartial(msg)
	if err != nil {
		return fmt.Errorf("replica: sign proposal: %w", err)
	}
	proposal := wire.ProposalFromBlock(block, sig)
	return r.cfg.Transport.Broadcast(wire.EncodeProposal(proposal, r.cfg.N))
}
