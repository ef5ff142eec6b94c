// Command replica runs a single HotStuff-2 replica process, wiring the
// config, crypto, blockchain, storage, and replica packages together over a
// plain TCP transport. It is an example host, not a production deployment:
// mempool and application execution are stand-ins (spec.md §1 lists both as
// out-of-scope collaborators).
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/blockchain"
	"github.com/relab/hotstuff2/config"
	"github.com/relab/hotstuff2/crypto"
	"github.com/relab/hotstuff2/pacemaker"
	"github.com/relab/hotstuff2/replica"
	"github.com/relab/hotstuff2/storage"
)

// nullMempool always proposes an empty body; a real deployment would bundle
// pending transactions here (out of scope per spec.md §1).
type nullMempool struct{ counter uint64 }

func (m *nullMempool) ProposeBody(maxBytes int) (hotstuff2.Hash, []byte, error) {
	m.counter++
	var h hotstuff2.Hash
	h[0] = byte(m.counter)
	h[1] = byte(m.counter >> 8)
	return h, nil, nil
}

// logStateMachine "executes" a committed block by logging it; a real
// deployment would apply it to application state (out of scope per spec.md
// §1).
type logStateMachine struct{}

func (logStateMachine) ExecuteCommitted(block *hotstuff2.Block) ([]byte, error) {
	return block.BodyDigest[:], nil
}

// logHost reports commits and equivocations to the process log.
type logHost struct{}

func (logHost) OnCommitted(block *hotstuff2.Block, stateRoot []byte) {
	logger.Infof("committed height=%d view=%d hash=%x", block.Height, block.View, block.Hash())
}
func (logHost) OnEquivocation(ev hotstuff2.Equivocation) {
	logger.Warnf("equivocation by voter %d at view %d phase %s", ev.VoterID, ev.View, ev.Phase)
}

func run() error {
	fs := pflag.NewFlagSet("replica", pflag.ExitOnError)
	config.BindFlags(fs)
	keystorePassword := fs.String("keystore-password", "", "password protecting the signing keystore")
	generateKeystore := fs.Bool("generate-keystore", false, "generate a new keystore at --keystore and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *generateKeystore {
		cfg, err := config.Load(viper.New(), fs)
		if err != nil {
			return err
		}
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		if err := config.SaveKey(cfg.KeystorePath, *keystorePassword, priv); err != nil {
			return fmt.Errorf("save keystore: %w", err)
		}
		fmt.Printf("keystore written to %s\n", cfg.KeystorePath)
		return nil
	}

	cfg, err := config.Load(viper.New(), fs)
	if err != nil {
		return err
	}

	priv, err := config.LoadKey(cfg.KeystorePath, *keystorePassword)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	keys := make(crypto.ReplicaKeys, len(cfg.Validators))
	for _, id := range cfg.Validators {
		if id == cfg.Self {
			keys[id] = &priv.PublicKey
			continue
		}
		addr, ok := cfg.PeerAddrs[id]
		if !ok {
			return fmt.Errorf("no address configured for validator %d", id)
		}
		_ = addr // peer public keys are distributed out of band in this example host
	}

	store := blockchain.New()
	persistence, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer persistence.Close()

	verifier := crypto.New(cfg.Self, priv, keys)

	var r *replica.Replica
	transport := newTCPTransport(cfg.Self, cfg.PeerAddrs, func(msg []byte) error {
		return r.OnInbound(msg)
	})

	r, err = replica.New(replica.Config{
		Self:            cfg.Self,
		Validators:      cfg.Validators,
		N:               cfg.N,
		Verifier:        verifier,
		Store:           store,
		Persistence:     persistence,
		Transport:       transport,
		Mempool:         &nullMempool{},
		StateMachine:    logStateMachine{},
		Clock:           pacemaker.RealClock{},
		Rotation:        pacemaker.RoundRobin{Validators: cfg.Validators},
		PacemakerConfig: cfg.PacemakerConfig(),
		SynchronyConfig: cfg.SynchronyConfig(),
		FastPolicy:      cfg.FastThresholdPolicy,
		PipelineDepth:   cfg.PipelineDepth,
		PruneMargin:     cfg.PruneMargin,
		Host:            logHost{},
	})
	if err != nil {
		return fmt.Errorf("build replica: %w", err)
	}

	if err := transport.Listen(cfg.ListenAddr); err != nil {
		return err
	}
	r.Start()

	// The leader proposes once a fresh block body becomes available; this
	// example host polls instead of wiring a real mempool-fill event.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if err := r.Propose(); err != nil {
			logger.Warnf("propose failed: %v", err)
			if halted := r.Halted(); halted != nil {
				return fmt.Errorf("replica halted: %w", halted)
			}
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
