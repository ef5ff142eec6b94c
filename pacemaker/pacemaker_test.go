package pacemaker

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/crypto"
)

func threeVerifiers(t *testing.T) ([]*ecdsa.PrivateKey, crypto.ReplicaKeys, map[hotstuff2.ID]*crypto.Verifier) {
	t.Helper()
	keys := make(crypto.ReplicaKeys)
	privs := make([]*ecdsa.PrivateKey, 4)
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
	return privs, keys, verifiers
}

// fakeClock lets tests fire timers deterministically without waiting on
// wall-clock time.
type fakeClock struct {
	pending []func()
}

func (f *fakeClock) Now() int64 { return 0 }
func (f *fakeClock) AfterFunc(d int64, fn func()) hotstuff2.Timer {
	f.pending = append(f.pending, fn)
	idx := len(f.pending) - 1
	return &fakeTimer{clock: f, idx: idx}
}
func (f *fakeClock) fireAll() {
	pending := f.pending
	f.pending = nil
	for _, fn := range pending {
		if fn != nil {
			fn()
		}
	}
}

type fakeTimer struct {
	clock   *fakeClock
	idx     int
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.clock.pending[t.idx] = nil
	return true
}
func (t *fakeTimer) Reset(d int64) bool { return true }

func TestRoundRobinLeader(t *testing.T) {
	r := RoundRobin{Validators: []hotstuff2.ID{0, 1, 2, 3}}
	if r.Leader(0) != 0 || r.Leader(1) != 1 || r.Leader(4) != 0 {
		t.Fatalf("unexpected leader rotation")
	}
}

func TestTimeoutFires(t *testing.T) {
	clock := &fakeClock{}
	fired := make(chan hotstuff2.View, 1)
	p := New(Config{TBase: time.Millisecond, Multiplier: 1.5, Validators: []hotstuff2.ID{0, 1, 2, 3}, Threshold: 3}, nil, clock, 1, func(v hotstuff2.View) {
		fired <- v
	})
	p.StartView()
	clock.fireAll()
	select {
	case v := <-fired:
		if v != 1 {
			t.Fatalf("expected timeout for view 1, got %d", v)
		}
	default:
		t.Fatal("expected timeout callback to fire")
	}
	if p.State() != ViewChange {
		t.Fatalf("expected ViewChange state, got %v", p.State())
	}
}

func TestTimeoutScheduleBacksOff(t *testing.T) {
	clock := &fakeClock{}
	p := New(Config{TBase: time.Millisecond, Multiplier: 2, Validators: []hotstuff2.ID{0, 1, 2, 3}, Threshold: 3}, nil, clock, 1, func(hotstuff2.View) {})
	base := p.timeoutFor()
	p.consecutiveTimeouts = 2
	backedOff := p.timeoutFor()
	if backedOff != base*4 {
		t.Fatalf("expected 4x backoff after 2 timeouts, got base=%v backedOff=%v", base, backedOff)
	}
}

func TestFastForwardOnHigherQC(t *testing.T) {
	clock := &fakeClock{}
	p := New(Config{TBase: time.Millisecond, Validators: []hotstuff2.ID{0, 1, 2, 3}, Threshold: 3}, nil, clock, 1, func(hotstuff2.View) {})
	qc := &hotstuff2.QuorumCert{View: 5}
	if !p.FastForward(qc) {
		t.Fatal("expected fast-forward to succeed")
	}
	if p.CurrentView() != 6 {
		t.Fatalf("expected current view 6, got %d", p.CurrentView())
	}
}

func TestNewViewAggregationFormsTC(t *testing.T) {
	priv, keys, verifiers := threeVerifiers(t)
	_ = priv
	clock := &fakeClock{}
	p := New(Config{TBase: time.Millisecond, Validators: []hotstuff2.ID{0, 1, 2, 3}, Threshold: 3}, nil, clock, 1, func(hotstuff2.View) {})

	highQC := &hotstuff2.QuorumCert{View: 0, BlockHash: hotstuff2.Hash{0x1}}
	var tc *hotstuff2.TimeoutCert
	for id := hotstuff2.ID(0); id < 3; id++ {
		digest := crypto.DigestNewView(2, highQC.BlockHash)
		sig, err := verifiers[id].SignPartial(digest)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		msg := hotstuff2.NewViewMsg{View: 2, HighQC: highQC, Sender: id, Signature: sig}
		var formed bool
		var err2 error
		tc, formed, err2 = p.AddNewView(msg, verifiers[0])
		if err2 != nil {
			t.Fatalf("add new view: %v", err2)
		}
		if formed {
			break
		}
	}
	_ = keys
	if tc == nil {
		t.Fatal("expected TC to form after threshold new-views")
	}
	if tc.Signers.Len() != 3 {
		t.Fatalf("expected 3 signers, got %d", tc.Signers.Len())
	}
}
