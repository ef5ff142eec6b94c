// Package blockchain implements the C2 content-addressed block store and
// index: insertion, ancestor walks, extension checks, and height-indexed
// lookup with pruning behind a retention margin.
//
// Grounded on flow-go's NewestForkChoice (ensureBlockStored/AddQC pattern of
// keeping an in-memory map keyed by block ID plus a parent-pointer walk) and
// on the teacher's own chainedhotstuff.go, which keeps block storage and
// ancestor commit walks in the same collaborator.
package blockchain

import (
	"fmt"
	"sync"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/internal/logging"
)

var logger = logging.GetLogger("blockchain")

// Store is an in-memory implementation of hotstuff2.BlockStore. A
// Persistence collaborator (see the storage package) is responsible for
// durability; Store itself only indexes what has already been accepted.
type Store struct {
	mu         sync.RWMutex
	byHash     map[hotstuff2.Hash]*hotstuff2.Block
	byHeight   map[hotstuff2.Height]*hotstuff2.Block
	lowestKept hotstuff2.Height
}

// New creates a Store seeded with the genesis block.
func New() *Store {
	genesis := hotstuff2.GetGenesis()
	s := &Store{
		byHash:   make(map[hotstuff2.Hash]*hotstuff2.Block),
		byHeight: make(map[hotstuff2.Height]*hotstuff2.Block),
	}
	s.byHash[genesis.Hash()] = genesis
	s.byHeight[genesis.Height] = genesis
	return s
}

// Put inserts block, idempotent by hash. It does not itself verify
// block.JustifyQC; the replica driver verifies QCs via the Verifier before
// calling Put.
func (s *Store) Put(block *hotstuff2.Block) error {
	if block == nil {
		return fmt.Errorf("blockchain: nil block")
	}
	hash := block.Hash()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[hash]; exists {
		return nil
	}
	if _, hasParent := s.byHash[block.ParentHash]; !hasParent && block.Height != 0 {
		return fmt.Errorf("blockchain: parent %s of block %s: %w", block.ParentHash, hash, hotstuff2.ErrUnknownBlock)
	}
	s.byHash[hash] = block
	if existing, ok := s.byHeight[block.Height]; !ok || existing.View < block.View {
		s.byHeight[block.Height] = block
	}
	return nil
}

// Get returns the block with the given hash.
func (s *Store) Get(hash hotstuff2.Hash) (*hotstuff2.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHash[hash]
	return b, ok
}

// GetByHeight returns the block this store has chosen to index at height h
// (the one with the highest view among the blocks stored at that height).
func (s *Store) GetByHeight(h hotstuff2.Height) (*hotstuff2.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHeight[h]
	return b, ok
}

// Ancestors returns up to depth ancestors of hash, nearest first, stopping
// at genesis or at the first unknown parent.
func (s *Store) Ancestors(hash hotstuff2.Hash, depth int) []*hotstuff2.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*hotstuff2.Block, 0, depth)
	cur, ok := s.byHash[hash]
	if !ok {
		return out
	}
	for i := 0; i < depth; i++ {
		parent, ok := s.byHash[cur.ParentHash]
		if !ok {
			break
		}
		out = append(out, parent)
		if parent.Height == 0 {
			break
		}
		cur = parent
	}
	return out
}

// Extends reports whether ancestorHash lies on descendantHash's parent
// chain, walking parent pointers down to genesis.
func (s *Store) Extends(descendantHash, ancestorHash hotstuff2.Hash) bool {
	if descendantHash == ancestorHash {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.byHash[descendantHash]
	if !ok {
		return false
	}
	for {
		if cur.ParentHash == ancestorHash {
			return true
		}
		parent, ok := s.byHash[cur.ParentHash]
		if !ok || cur.Height == 0 {
			return false
		}
		cur = parent
	}
}

// Prune discards blocks below committedHeight-k, retaining a margin
// of k heights for in-flight forks and for hosts that still need recently
// committed blocks. Genesis (height 0) is never pruned.
func (s *Store) Prune(committedHeight hotstuff2.Height, k int) {
	if int(committedHeight) <= k {
		return
	}
	cutoff := committedHeight - hotstuff2.Height(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := s.lowestKept; h < cutoff; h++ {
		block, ok := s.byHeight[h]
		if !ok || h == 0 {
			continue
		}
		delete(s.byHash, block.Hash())
		delete(s.byHeight, h)
	}
	s.lowestKept = cutoff
	logger.Debugf("pruned blocks below height %d (k=%d)", cutoff, k)
}
