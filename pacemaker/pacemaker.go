// Package pacemaker implements the C4 view state machine: InView/ViewChange
// transitions, the exponentially backed-off timeout schedule, NewView
// aggregation into a TimeoutCert, and leader rotation.
//
// Grounded on the teacher's ViewSynchronizer usage in chainedhotstuff.go
// (AdvanceView called from OnVote/OnPropose) generalized to HotStuff-2's
// explicit InView(v)/ViewChange(v->v+1) pair and the T_base*m^k timeout
// schedule from spec.md §4.4.
package pacemaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/internal/logging"
)

var logger = logging.GetLogger("pacemaker")

// State is the pacemaker's current phase for the view state machine.
type State uint8

const (
	InView State = iota
	ViewChange
)

func (s State) String() string {
	if s == ViewChange {
		return "ViewChange"
	}
	return "InView"
}

// RoundRobin is the default deterministic leader rotation: leader(v) =
// validators[v mod n].
type RoundRobin struct {
	Validators []hotstuff2.ID
}

// Leader implements hotstuff2.LeaderRotation.
func (r RoundRobin) Leader(view hotstuff2.View) hotstuff2.ID {
	if len(r.Validators) == 0 {
		return 0
	}
	return r.Validators[int(view)%len(r.Validators)]
}

// Config bounds the pacemaker's timeout schedule and validator set.
type Config struct {
	TBase      time.Duration
	Multiplier float64 // m > 1
	Validators []hotstuff2.ID
	Threshold  int // 2f+1
}

// Pacemaker drives the view state machine and timeout schedule for one
// replica.
type Pacemaker struct {
	mu sync.Mutex

	cfg      Config
	rotation hotstuff2.LeaderRotation
	clock    hotstuff2.Clock

	state               State
	currentView         hotstuff2.View
	consecutiveTimeouts int
	timer               hotstuff2.Timer

	newViews map[hotstuff2.View]map[hotstuff2.ID]hotstuff2.NewViewMsg

	onTimeout func(view hotstuff2.View)
}

// New builds a Pacemaker starting at startView, using rotation for leader
// selection (defaulting to RoundRobin over cfg.Validators if rotation is
// nil) and clock for scheduling.
func New(cfg Config, rotation hotstuff2.LeaderRotation, clock hotstuff2.Clock, startView hotstuff2.View, onTimeout func(view hotstuff2.View)) *Pacemaker {
	if rotation == nil {
		rotation = RoundRobin{Validators: cfg.Validators}
	}
	return &Pacemaker{
		cfg:         cfg,
		rotation:    rotation,
		clock:       clock,
		state:       InView,
		currentView: startView,
		newViews:    make(map[hotstuff2.View]map[hotstuff2.ID]hotstuff2.NewViewMsg),
		onTimeout:   onTimeout,
	}
}

// CurrentView returns the pacemaker's current view.
func (p *Pacemaker) CurrentView() hotstuff2.View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentView
}

// State returns the pacemaker's current phase.
func (p *Pacemaker) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Leader returns the leader for the given view.
func (p *Pacemaker) Leader(view hotstuff2.View) hotstuff2.ID {
	return p.rotation.Leader(view)
}

// timeoutFor computes T(v) = T_base * m^consecutiveTimeouts.
func (p *Pacemaker) timeoutFor() time.Duration {
	m := p.cfg.Multiplier
	if m <= 1 {
		m = 1.5
	}
	d := float64(p.cfg.TBase)
	for i := 0; i < p.consecutiveTimeouts; i++ {
		d *= m
	}
	return time.Duration(d)
}

// StartView (re)arms the timer for the current view. Called whenever the
// replica enters InView(v).
func (p *Pacemaker) StartView() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = InView
	view := p.currentView
	if p.timer != nil {
		p.timer.Stop()
	}
	d := p.timeoutFor()
	p.timer = p.clock.AfterFunc(int64(d), func() {
		p.fireTimeout(view)
	})
}

func (p *Pacemaker) fireTimeout(view hotstuff2.View) {
	p.mu.Lock()
	if view != p.currentView || p.state != InView {
		p.mu.Unlock()
		return
	}
	p.state = ViewChange
	p.consecutiveTimeouts++
	cb := p.onTimeout
	p.mu.Unlock()
	logger.Warnf("view %d timed out", view)
	if cb != nil {
		cb(view)
	}
}

// OnCommit resets the consecutive-timeout counter back to T_base, per
// spec.md §4.4 ("reset to T_base whenever a commit occurs").
func (p *Pacemaker) OnCommit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveTimeouts = 0
}

// FastForward advances current_view to qc.view+1 on observing any valid QC
// with qc.view >= current_view, per spec.md §4.4.
func (p *Pacemaker) FastForward(qc *hotstuff2.QuorumCert) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qc.View < p.currentView {
		return false
	}
	p.currentView = qc.View + 1
	return true
}

// AddNewView records a NewView message for aggregation, returning a formed
// TimeoutCert once 2f+1 distinct senders have reported for the same view.
func (p *Pacemaker) AddNewView(msg hotstuff2.NewViewMsg, verifier hotstuff2.Verifier) (*hotstuff2.TimeoutCert, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket, ok := p.newViews[msg.View]
	if !ok {
		bucket = make(map[hotstuff2.ID]hotstuff2.NewViewMsg)
		p.newViews[msg.View] = bucket
	}
	if _, exists := bucket[msg.Sender]; exists {
		return nil, false, nil // duplicate sender, ignore
	}
	bucket[msg.Sender] = msg

	if len(bucket) < p.cfg.Threshold {
		return nil, false, nil
	}

	shares := make([]hotstuff2.PartialSignature, 0, len(bucket))
	var highest *hotstuff2.QuorumCert
	for _, m := range bucket {
		shares = append(shares, m.Signature)
		if highest == nil || (m.HighQC != nil && m.HighQC.View > highest.View) {
			highest = m.HighQC
		}
	}
	agg, signers, err := verifier.Aggregate(shares, p.cfg.Threshold)
	if err != nil {
		return nil, false, fmt.Errorf("pacemaker: aggregate new-views for view %d: %w", msg.View, err)
	}
	tc := &hotstuff2.TimeoutCert{
		View:      msg.View,
		AggSig:    agg,
		Signers:   signers,
		HighestQC: highest,
	}
	delete(p.newViews, msg.View)
	return tc, true, nil
}

// AdvanceOnTC applies a formed or observed TimeoutCert: sets current_view to
// tc.View+1 and enters InView. It does not touch high_qc; the caller
// reconciles high_qc from tc.HighestQC itself.
func (p *Pacemaker) AdvanceOnTC(tc *hotstuff2.TimeoutCert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tc.View+1 <= p.currentView && p.state == InView {
		return
	}
	p.currentView = tc.View + 1
	p.state = InView
}
