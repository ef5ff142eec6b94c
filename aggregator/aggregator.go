// Package aggregator implements the C5 vote aggregator and height-indexed
// pipeline: per-(view, phase, block) vote buckets, single-shot QC
// formation, regular and fast commit rules, and bounded-depth pipelining.
//
// Grounded on flow-go's VoteAggregator (pending-votes-by-block-ID buckets,
// double-vote routing to conflict evidence, tryBuildQC-on-threshold) and on
// the teacher's chainedhotstuff.go OnVote (verifiedVotes/pendingVotes maps,
// QuorumSize threshold check, single QC emission per bucket).
package aggregator

import (
	"fmt"
	"sync"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/internal/logging"
)

var logger = logging.GetLogger("aggregator")

type bucketKey struct {
	view      hotstuff2.View
	phase     hotstuff2.Phase
	blockHash hotstuff2.Hash
}

type bucket struct {
	shares map[hotstuff2.ID]hotstuff2.PartialSignature
	sealed bool
}

// PipelineEntry tracks one in-flight height. The replica driver removes it
// when its height commits; entries for abandoned views are not removed.
type PipelineEntry struct {
	Height    hotstuff2.Height
	View      hotstuff2.View
	BlockHash hotstuff2.Hash
}

// Aggregator collects votes into per-(view,phase,block) buckets, forms QCs
// once a bucket meets threshold, and tracks in-flight pipeline entries by
// height so that multiple heights can progress concurrently.
type Aggregator struct {
	mu sync.Mutex

	verifier      hotstuff2.Verifier
	store         hotstuff2.BlockStore
	safety        SafetyCollaborator
	n             int
	threshold     int // regular QC: 2f+1
	fastThreshold int // FastQC threshold
	pipelineDepth int

	buckets  map[bucketKey]*bucket
	pipeline map[hotstuff2.Height]*PipelineEntry
	proposed map[hotstuff2.View]hotstuff2.Hash // first admitted proposal per view, for duplicate-proposal detection

	committedHeight hotstuff2.Height
}

// SafetyCollaborator is the subset of the safety engine the aggregator
// needs: recording votes for equivocation detection.
type SafetyCollaborator interface {
	RecordVote(vote hotstuff2.Vote) (*hotstuff2.Equivocation, bool)
}

// Config bounds the aggregator's thresholds and pipeline window.
type Config struct {
	N             int
	Threshold     int
	FastThreshold int
	PipelineDepth int
}

// New builds an Aggregator.
func New(cfg Config, verifier hotstuff2.Verifier, store hotstuff2.BlockStore, safety SafetyCollaborator) *Aggregator {
	return &Aggregator{
		verifier:      verifier,
		store:         store,
		safety:        safety,
		n:             cfg.N,
		threshold:     cfg.Threshold,
		fastThreshold: cfg.FastThreshold,
		pipelineDepth: cfg.PipelineDepth,
		buckets:       make(map[bucketKey]*bucket),
		pipeline:      make(map[hotstuff2.Height]*PipelineEntry),
		proposed:      make(map[hotstuff2.View]hotstuff2.Hash),
	}
}

// AdmitProposal records the first proposal admitted for a view; a second
// proposal with the same view but a different hash is a duplicate and is
// reported as such rather than admitted to the pipeline. It does not check
// safe_to_vote: the replica driver calls it before SafeToVote, so a first
// proposal that is later abstained on still causes a second one to be
// reported as a duplicate.
func (a *Aggregator) AdmitProposal(height hotstuff2.Height, view hotstuff2.View, blockHash hotstuff2.Hash) (duplicate bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.proposed[view]; ok {
		if existing != blockHash {
			logger.Warnf("duplicate proposal for view %d: already admitted %s, dropping %s", view, existing, blockHash)
			return true
		}
		return false
	}
	a.proposed[view] = blockHash
	if int(height)-int(a.committedHeight) > a.pipelineDepth {
		logger.Debugf("height %d admitted beyond pipeline window (committed=%d depth=%d)", height, a.committedHeight, a.pipelineDepth)
	}
	a.pipeline[height] = &PipelineEntry{Height: height, View: view, BlockHash: blockHash}
	return false
}

// WithinPipelineWindow reports whether height is inside the currently open
// pipeline window. The replica driver does not vote on a proposal outside
// the window and does not revisit it once the window advances.
func (a *Aggregator) WithinPipelineWindow(height hotstuff2.Height) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(height)-int(a.committedHeight) <= a.pipelineDepth
}

// AddVote adds vote to its bucket. It returns a formed QC the first time the
// bucket reaches threshold (single-shot: later votes into a sealed bucket
// are dropped), and reports whether the vote conflicted with one already
// recorded from the same voter.
func (a *Aggregator) AddVote(vote hotstuff2.Vote, msg []byte) (*hotstuff2.QuorumCert, *hotstuff2.Equivocation, error) {
	if equivocation, conflict := a.safety.RecordVote(vote); conflict {
		return nil, equivocation, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey{view: vote.View, phase: vote.Phase, blockHash: vote.BlockHash}
	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{shares: make(map[hotstuff2.ID]hotstuff2.PartialSignature)}
		a.buckets[key] = b
	}
	if b.sealed {
		return nil, nil, nil // late vote into a sealed bucket, drop
	}
	if _, dup := b.shares[vote.VoterID]; dup {
		return nil, nil, nil // duplicate signer in the same bucket, drop
	}
	b.shares[vote.VoterID] = vote.Partial

	threshold := a.threshold
	if vote.Phase == hotstuff2.PhaseFastCommit {
		threshold = a.fastThreshold
	}
	if len(b.shares) < threshold {
		return nil, nil, nil
	}

	shares := make([]hotstuff2.PartialSignature, 0, len(b.shares))
	for _, s := range b.shares {
		shares = append(shares, s)
	}
	agg, signers, err := a.verifier.Aggregate(shares, threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregator: form qc for view %d phase %s: %w", vote.View, vote.Phase, err)
	}
	b.sealed = true
	qc := &hotstuff2.QuorumCert{
		View:      vote.View,
		Phase:     vote.Phase,
		BlockHash: vote.BlockHash,
		AggSig:    agg,
		Signers:   signers,
	}
	return qc, nil, nil
}

// RemoveHeight removes the pipeline entry for height. The replica driver
// calls it for committed heights only.
func (a *Aggregator) RemoveHeight(height hotstuff2.Height) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pipeline, height)
}

// AdvanceCommittedHeight records the new committed height so the pipeline
// window can slide forward.
func (a *Aggregator) AdvanceCommittedHeight(height hotstuff2.Height) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if height > a.committedHeight {
		a.committedHeight = height
	}
}

// PendingHeights returns the heights currently tracked in the pipeline.
func (a *Aggregator) PendingHeights() []hotstuff2.Height {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]hotstuff2.Height, 0, len(a.pipeline))
	for h := range a.pipeline {
		out = append(out, h)
	}
	return out
}
