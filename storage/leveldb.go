// Package storage implements the §6 Persistence collaborator contract on
// top of LevelDB, grounded on tolchain's storage/leveldb.go (LevelDB struct
// wrapping github.com/syndtr/goleveldb/leveldb, block/height key prefixing,
// json-encoded values).
//
// SafetyState writes pass leveldb's Sync write option so that a vote or
// commit derived from the new state is never released before the state
// that licensed it is durable (spec.md §4.3, §5).
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/internal/logging"
)

var logger = logging.GetLogger("storage")

const (
	prefixBlock    = "b:"
	prefixQC       = "q:"
	keySafetyState = "safety-state"
)

// LevelDBPersistence implements hotstuff2.Persistence.
type LevelDBPersistence struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*LevelDBPersistence, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	return &LevelDBPersistence{db: db}, nil
}

// Close releases the underlying database handle.
func (p *LevelDBPersistence) Close() error {
	return p.db.Close()
}

// SaveSafetyState persists state with Sync:true so the write reaches disk
// before this call returns.
func (p *LevelDBPersistence) SaveSafetyState(state hotstuff2.SafetyState) error {
	data, err := json.Marshal(jsonSafetyState{
		LockedQC:      toJSONQC(state.LockedQC),
		HighQC:        toJSONQC(state.HighQC),
		LastVotedView: state.LastVotedView,
		CurrentView:   state.CurrentView,
	})
	if err != nil {
		return fmt.Errorf("storage: marshal safety state: %w", err)
	}
	if err := p.db.Put([]byte(keySafetyState), data, &opt.WriteOptions{Sync: true}); err != nil {
		// spec.md §7: fsync of safety state failing is the one fatal
		// condition in this table, since continuing would mean voting or
		// committing on state that was never made durable.
		return &hotstuff2.FatalError{Err: fmt.Errorf("storage: save safety state: %w: %v", hotstuff2.ErrPersistenceFailure, err)}
	}
	return nil
}

// LoadSafetyState reads the persisted safety state, returning the zero
// value if none has been saved yet (safety.NewEngine then initializes a
// fresh replica from genesis).
func (p *LevelDBPersistence) LoadSafetyState() (hotstuff2.SafetyState, error) {
	data, err := p.db.Get([]byte(keySafetyState), nil)
	if err == errors.ErrNotFound {
		return hotstuff2.SafetyState{}, nil
	}
	if err != nil {
		return hotstuff2.SafetyState{}, fmt.Errorf("storage: load safety state: %w: %v", hotstuff2.ErrPersistenceFailure, err)
	}
	var js jsonSafetyState
	if err := json.Unmarshal(data, &js); err != nil {
		return hotstuff2.SafetyState{}, fmt.Errorf("storage: decode safety state: %w", err)
	}
	return hotstuff2.SafetyState{
		LockedQC:      fromJSONQC(js.LockedQC),
		HighQC:        fromJSONQC(js.HighQC),
		LastVotedView: js.LastVotedView,
		CurrentView:   js.CurrentView,
	}, nil
}

// PutBlock persists block, keyed by content hash.
func (p *LevelDBPersistence) PutBlock(block *hotstuff2.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("storage: marshal block: %w", err)
	}
	hash := block.Hash()
	if err := p.db.Put([]byte(prefixBlock+rawKeySuffix(hash)), data, nil); err != nil {
		return fmt.Errorf("storage: put block: %w: %v", hotstuff2.ErrPersistenceFailure, err)
	}
	return nil
}

// PutQC persists qc, keyed by (block hash, phase) so regular and fast QCs
// for the same block do not collide.
func (p *LevelDBPersistence) PutQC(qc *hotstuff2.QuorumCert) error {
	data, err := json.Marshal(toJSONQC(qc))
	if err != nil {
		return fmt.Errorf("storage: marshal qc: %w", err)
	}
	if err := p.db.Put([]byte(qcKey(qc.BlockHash, qc.Phase)), data, nil); err != nil {
		return fmt.Errorf("storage: put qc: %w: %v", hotstuff2.ErrPersistenceFailure, err)
	}
	return nil
}

// GetBlock retrieves a block by hash.
func (p *LevelDBPersistence) GetBlock(hash hotstuff2.Hash) (*hotstuff2.Block, bool) {
	data, err := p.db.Get([]byte(prefixBlock+rawKeySuffix(hash)), nil)
	if err != nil {
		return nil, false
	}
	var b hotstuff2.Block
	if err := json.Unmarshal(data, &b); err != nil {
		logger.Errorf("corrupt block record for %s: %v", hash, err)
		return nil, false
	}
	return &b, true
}

// GetQC retrieves the QC for (hash, phase).
func (p *LevelDBPersistence) GetQC(hash hotstuff2.Hash, phase hotstuff2.Phase) (*hotstuff2.QuorumCert, bool) {
	data, err := p.db.Get([]byte(qcKey(hash, phase)), nil)
	if err != nil {
		return nil, false
	}
	var js jsonQC
	if err := json.Unmarshal(data, &js); err != nil {
		logger.Errorf("corrupt qc record for %s/%d: %v", hash, phase, err)
		return nil, false
	}
	return fromJSONQC(&js), true
}

func qcKey(hash hotstuff2.Hash, phase hotstuff2.Phase) string {
	return fmt.Sprintf("%s%s:%d", prefixQC, rawKeySuffix(hash), phase)
}

// rawKeySuffix disambiguates hashes whose String() truncation (the Hash
// type only prints its first four bytes) would otherwise collide; we key
// leveldb records on the full hash instead of the display form.
func rawKeySuffix(hash hotstuff2.Hash) string {
	return fmt.Sprintf("%x", hash[:])
}

type jsonSafetyState struct {
	LockedQC      *jsonQC        `json:"locked_qc,omitempty"`
	HighQC        *jsonQC        `json:"high_qc,omitempty"`
	LastVotedView hotstuff2.View `json:"last_voted_view"`
	CurrentView   hotstuff2.View `json:"current_view"`
}

type jsonQC struct {
	View      hotstuff2.View               `json:"view"`
	Phase     hotstuff2.Phase              `json:"phase"`
	BlockHash hotstuff2.Hash               `json:"block_hash"`
	AggSig    hotstuff2.AggregateSignature `json:"agg_sig"`
	Signers   hotstuff2.SignerSet          `json:"signers"`
}

func toJSONQC(qc *hotstuff2.QuorumCert) *jsonQC {
	if qc == nil {
		return nil
	}
	return &jsonQC{View: qc.View, Phase: qc.Phase, BlockHash: qc.BlockHash, AggSig: qc.AggSig, Signers: qc.Signers}
}

func fromJSONQC(js *jsonQC) *hotstuff2.QuorumCert {
	if js == nil {
		return nil
	}
	return &hotstuff2.QuorumCert{View: js.View, Phase: js.Phase, BlockHash: js.BlockHash, AggSig: js.AggSig, Signers: js.Signers}
}
