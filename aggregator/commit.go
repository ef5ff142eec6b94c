package aggregator

import (
	"sync"

	"github.com/relab/hotstuff2"
)

// CommitTracker turns a raw commit_decision target into the ordered,
// gap-free sequence of newly committed blocks the host sees (spec.md §4.5:
// "Commit is reported to the host as an ordered sequence (no height
// skipped); gaps cause the commit thread to wait rather than emit
// out-of-order commits").
type CommitTracker struct {
	mu     sync.Mutex
	store  hotstuff2.BlockStore
	height hotstuff2.Height
	done   bool // whether height 0 (genesis) has been seeded as committed
}

// NewCommitTracker builds a tracker starting from genesis, which is seeded as
// already committed and so is never reported to the host.
func NewCommitTracker(store hotstuff2.BlockStore) *CommitTracker {
	return &CommitTracker{store: store, done: true}
}

// CommitRegular applies the regular-path commit rule: target is committed,
// along with any of its uncommitted ancestors, in ascending height order.
// A target at or below the already-committed height is ignored
// (idempotent commit).
func (c *CommitTracker) CommitRegular(target hotstuff2.Hash) []*hotstuff2.Block {
	return c.commit(target)
}

// CommitFast applies the fast-path commit rule: a FastQC for height h
// commits h immediately, and any uncommitted ancestors below h are
// committed first in ascending order (spec.md §4.5).
func (c *CommitTracker) CommitFast(target hotstuff2.Hash) []*hotstuff2.Block {
	return c.commit(target)
}

func (c *CommitTracker) commit(target hotstuff2.Hash) []*hotstuff2.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.store.Get(target)
	if !ok {
		return nil
	}
	if c.done && block.Height <= c.height {
		return nil // idempotent: already committed at or past this height
	}

	// walk back to the lowest uncommitted ancestor, then report forward in
	// ascending order so the host never sees a height skipped.
	var chain []*hotstuff2.Block
	cur := block
	for {
		chain = append(chain, cur)
		if cur.Height == 0 {
			break
		}
		if c.done && cur.Height-1 <= c.height {
			break
		}
		parent, ok := c.store.Get(cur.ParentHash)
		if !ok {
			break
		}
		cur = parent
	}
	// chain is newest-first; reverse to ascending height order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	if len(chain) > 0 && (!c.done || chain[0].Height > c.height) {
		// drop anything at or below what's already committed (can happen
		// when the walk above stopped one step short of the boundary).
		start := 0
		for start < len(chain) && c.done && chain[start].Height <= c.height {
			start++
		}
		chain = chain[start:]
	}
	if len(chain) == 0 {
		return nil
	}
	c.height = chain[len(chain)-1].Height
	c.done = true
	return chain
}

// CommittedHeight returns the highest height committed so far.
func (c *CommitTracker) CommittedHeight() hotstuff2.Height {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}
