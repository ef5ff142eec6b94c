// Package safety implements the C3 voting rule: the locked_qc/high_qc/
// last_voted_view state machine, the safe_to_vote/update_on_qc/
// commit_decision pure decisions, and equivocation evidence retention.
//
// Grounded on the teacher's chainedhotstuff.go (OnPropose's liveness-vs-lock
// check, OnVote's bLock/highQC bookkeeping), generalized from three-chain
// HotStuff to the two-phase locked_qc/high_qc pair this protocol uses.
package safety

import (
	"fmt"
	"sync"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/internal/logging"
)

var logger = logging.GetLogger("safety")

// Engine holds the persisted safety state for one replica and evaluates the
// safe_to_vote/update_on_qc/commit_decision rules against it. All mutating
// methods persist before returning so that a crash can never lose state a
// released vote or commit already depended on.
type Engine struct {
	mu          sync.Mutex
	state       hotstuff2.SafetyState
	store       hotstuff2.BlockStore
	persistence hotstuff2.Persistence

	votesSeen     map[voteKey]hotstuff2.Vote
	equivocations []hotstuff2.Equivocation
}

type voteKey struct {
	voter hotstuff2.ID
	view  hotstuff2.View
	phase hotstuff2.Phase
}

// NewEngine loads persisted safety state, or initializes it from genesis if
// none was found.
func NewEngine(store hotstuff2.BlockStore, persistence hotstuff2.Persistence) (*Engine, error) {
	state, err := persistence.LoadSafetyState()
	if err != nil {
		return nil, fmt.Errorf("safety: load state: %w", err)
	}
	if state.LockedQC == nil {
		genesis := hotstuff2.GetGenesis()
		genesisQC := &hotstuff2.QuorumCert{
			View:      0,
			Phase:     hotstuff2.PhasePropose,
			BlockHash: genesis.Hash(),
			Signers:   hotstuff2.SignerSet{},
		}
		state = hotstuff2.SafetyState{
			LockedQC:      genesisQC,
			HighQC:        genesisQC,
			LastVotedView: 0,
			// Views start at 1: genesis occupies view 0, so a fresh
			// replica's first proposed view can never collide with the
			// genesis QC's view when comparing "qc.View > high_qc.View".
			CurrentView: 1,
		}
	}
	return &Engine{
		state:       state,
		store:       store,
		persistence: persistence,
		votesSeen:   make(map[voteKey]hotstuff2.Vote),
	}, nil
}

// State returns a copy of the current safety state.
func (e *Engine) State() hotstuff2.SafetyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SafeToVote evaluates whether block is safe to vote for, given the QC that
// justifies it (spec.md §4.3).
func (e *Engine) SafeToVote(block *hotstuff2.Block, justifyQC *hotstuff2.QuorumCert) hotstuff2.SafetyDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if block.View <= e.state.LastVotedView {
		return hotstuff2.SafetyDecision{Kind: hotstuff2.DecisionAbstain, Reason: hotstuff2.ReasonStaleView}
	}

	locked := e.state.LockedQC
	extendsLock := locked == nil || e.store.Extends(block.Hash(), locked.BlockHash)
	bypassesLock := locked != nil && justifyQC != nil && justifyQC.View > locked.View
	if !extendsLock && !bypassesLock {
		return hotstuff2.SafetyDecision{Kind: hotstuff2.DecisionAbstain, Reason: hotstuff2.ReasonViolatesLock}
	}
	return hotstuff2.SafetyDecision{Kind: hotstuff2.DecisionVote}
}

// RecordVoteIntent persists last_voted_view before a vote for block.View is
// released, satisfying "a replica that cannot persist MUST NOT vote."
func (e *Engine) RecordVoteIntent(view hotstuff2.View) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if view <= e.state.LastVotedView {
		return fmt.Errorf("safety: attempted to re-vote view %d (last voted %d)", view, e.state.LastVotedView)
	}
	next := e.state
	next.LastVotedView = view
	if err := e.persistence.SaveSafetyState(next); err != nil {
		return fmt.Errorf("safety: persist vote intent: %w", err)
	}
	e.state = next
	return nil
}

// UpdateOnQC advances high_qc and, when qc is the later half of a
// consecutive QC pair (its block's justify QC being the earlier half),
// advances locked_qc to that justify QC.
func (e *Engine) UpdateOnQC(qc *hotstuff2.QuorumCert) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.state
	changed := false

	if next.HighQC == nil || qc.View > next.HighQC.View {
		next.HighQC = qc
		changed = true
	}

	if block, ok := e.store.Get(qc.BlockHash); ok && block.JustifyQC != nil {
		justify := block.JustifyQC
		if hotstuff2.Consecutive(justify, qc, e.store) {
			if next.LockedQC == nil || justify.View > next.LockedQC.View {
				next.LockedQC = justify
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	if err := e.persistence.SaveSafetyState(next); err != nil {
		return fmt.Errorf("safety: persist qc update: %w", err)
	}
	e.state = next
	return nil
}

// CommitDecision reports the block that newly commits now that qc has
// formed: qc's own justification (the QC certifying qc's block's parent)
// commits if qc is consecutive with it, per spec.md §4.5 ("when a QC for
// height h+1 arrives whose block's parent is the QC'd block at height h...
// height h is committed"). qc itself is the h+1 certificate; its parent's
// certificate is what becomes committed here.
func (e *Engine) CommitDecision(qc *hotstuff2.QuorumCert) (hotstuff2.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	block, ok := e.store.Get(qc.BlockHash)
	if !ok || block.JustifyQC == nil {
		return hotstuff2.Hash{}, false
	}
	parent := block.JustifyQC
	if hotstuff2.Consecutive(parent, qc, e.store) {
		return parent.BlockHash, true
	}
	return hotstuff2.Hash{}, false
}

// AdvanceCurrentView persists a new current_view, used by the pacemaker on
// both fast-forward and TC-driven advances.
func (e *Engine) AdvanceCurrentView(view hotstuff2.View) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if view <= e.state.CurrentView {
		return nil
	}
	next := e.state
	next.CurrentView = view
	if err := e.persistence.SaveSafetyState(next); err != nil {
		return fmt.Errorf("safety: persist view advance: %w", err)
	}
	e.state = next
	return nil
}

// RecordVote checks an observed vote against prior votes from the same
// voter for the same (view, phase). A second, conflicting vote produces
// retained equivocation evidence.
func (e *Engine) RecordVote(vote hotstuff2.Vote) (*hotstuff2.Equivocation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := voteKey{voter: vote.VoterID, view: vote.View, phase: vote.Phase}
	prior, seen := e.votesSeen[key]
	if !seen {
		e.votesSeen[key] = vote
		return nil, false
	}
	if prior.BlockHash == vote.BlockHash {
		return nil, false
	}
	evidence := hotstuff2.Equivocation{
		VoterID: vote.VoterID,
		View:    vote.View,
		Phase:   vote.Phase,
		VoteA:   prior,
		VoteB:   vote,
	}
	e.equivocations = append(e.equivocations, evidence)
	logger.Warnf("equivocation detected: voter %d view %d phase %s", vote.VoterID, vote.View, vote.Phase)
	return &evidence, true
}

// Equivocations returns all retained conflict evidence.
func (e *Engine) Equivocations() []hotstuff2.Equivocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]hotstuff2.Equivocation, len(e.equivocations))
	copy(out, e.equivocations)
	return out
}
