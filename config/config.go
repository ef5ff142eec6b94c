package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/pacemaker"
	"github.com/relab/hotstuff2/synchrony"
)

// ReplicaConfig is the enumerated configuration surface from spec.md §6,
// loaded from flags, a config file, and environment variables via viper,
// the way the teacher's own command-line tooling layers them (declared in
// go.mod as spf13/viper + spf13/pflag; the teacher's retrieved fragment did
// not include the cmd/ entrypoint that wires them, so this follows the
// standard viper/pflag idiom directly).
type ReplicaConfig struct {
	Self       hotstuff2.ID
	Validators []hotstuff2.ID
	N          int

	ListenAddr   string
	KeystorePath string
	DataDir      string
	PeerAddrs    map[hotstuff2.ID]string

	TBase      time.Duration
	Multiplier float64

	PipelineDepth int
	PruneMargin   int

	FastThresholdPolicy hotstuff2.FastThresholdPolicy

	DFast   time.Duration
	WStable int
	WDemote int
}

// PacemakerConfig projects the parts of ReplicaConfig the pacemaker needs.
func (c ReplicaConfig) PacemakerConfig() pacemaker.Config {
	return pacemaker.Config{
		TBase:      c.TBase,
		Multiplier: c.Multiplier,
		Validators: c.Validators,
		Threshold:  hotstuff2.Quorum(c.N),
	}
}

// SynchronyConfig projects the parts of ReplicaConfig the synchrony
// detector needs.
func (c ReplicaConfig) SynchronyConfig() synchrony.Config {
	return synchrony.Config{
		DFast:   c.DFast,
		WStable: c.WStable,
		WDemote: c.WDemote,
	}
}

// BindFlags registers the spec.md §6 configuration knobs on fs, so a host
// binary can parse them from the command line before Load reads them back
// out through viper. n comes from --validators; there is no leader-rotation
// flag.
func BindFlags(fs *pflag.FlagSet) {
	fs.Int("self", -1, "this replica's validator id")
	fs.IntSlice("validators", nil, "validator ids, in rotation order")

	fs.String("listen-addr", ":7000", "address to listen for peer connections on")
	fs.String("keystore", "keystore.json", "path to the encrypted signing keystore")
	fs.String("data-dir", "data", "directory for the leveldb persistence backend")
	fs.StringToString("peers", nil, "validator id -> host:port address map, e.g. 0=host1:7000,1=host2:7000")

	fs.Duration("t-base", time.Second, "base view timeout T_base")
	fs.Float64("multiplier", 1.5, "view timeout backoff multiplier m")

	fs.Int("pipeline-depth", 3, "maximum concurrent in-flight heights")
	fs.Int("prune-margin", 2, "block-store retention margin K below committed height")

	fs.String("fast-threshold-policy", "Conservative", "FastQC threshold policy: StrictAllHonest or Conservative")

	fs.Duration("d-fast", 200*time.Millisecond, "synchrony dispersion threshold D_fast")
	fs.Int("w-stable", 10, "consecutive good samples required to gain fast-path eligibility")
	fs.Int("w-demote", 5, "samples a single spike demotes fast-path eligibility for")
}

// Load reads a bound, parsed pflag.FlagSet (and any config file/environment
// overrides viper has been told about) into a ReplicaConfig.
func Load(v *viper.Viper, fs *pflag.FlagSet) (ReplicaConfig, error) {
	if err := v.BindPFlags(fs); err != nil {
		return ReplicaConfig{}, fmt.Errorf("config: bind flags: %w", err)
	}

	self := v.GetInt("self")
	if self < 0 {
		return ReplicaConfig{}, fmt.Errorf("config: --self is required")
	}
	rawValidators := v.GetIntSlice("validators")
	if len(rawValidators) < 4 {
		return ReplicaConfig{}, fmt.Errorf("config: need at least 4 validators (n>=4), got %d", len(rawValidators))
	}
	validators := make([]hotstuff2.ID, len(rawValidators))
	for i, id := range rawValidators {
		validators[i] = hotstuff2.ID(id)
	}

	policy, err := parseFastThresholdPolicy(v.GetString("fast-threshold-policy"))
	if err != nil {
		return ReplicaConfig{}, err
	}

	multiplier := v.GetFloat64("multiplier")
	if multiplier <= 1 {
		return ReplicaConfig{}, fmt.Errorf("config: multiplier must be > 1, got %v", multiplier)
	}

	rawPeers := v.GetStringMapString("peers")
	peerAddrs := make(map[hotstuff2.ID]string, len(rawPeers))
	for idStr, addr := range rawPeers {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			return ReplicaConfig{}, fmt.Errorf("config: invalid peer id %q: %w", idStr, err)
		}
		peerAddrs[hotstuff2.ID(id)] = addr
	}

	return ReplicaConfig{
		Self:                hotstuff2.ID(self),
		Validators:          validators,
		N:                   len(validators),
		ListenAddr:          v.GetString("listen-addr"),
		KeystorePath:        v.GetString("keystore"),
		DataDir:             v.GetString("data-dir"),
		PeerAddrs:           peerAddrs,
		TBase:               v.GetDuration("t-base"),
		Multiplier:          multiplier,
		PipelineDepth:       v.GetInt("pipeline-depth"),
		PruneMargin:         v.GetInt("prune-margin"),
		FastThresholdPolicy: policy,
		DFast:               v.GetDuration("d-fast"),
		WStable:             v.GetInt("w-stable"),
		WDemote:             v.GetInt("w-demote"),
	}, nil
}

func parseFastThresholdPolicy(s string) (hotstuff2.FastThresholdPolicy, error) {
	switch s {
	case "StrictAllHonest":
		return hotstuff2.StrictAllHonest, nil
	case "Conservative":
		return hotstuff2.Conservative, nil
	default:
		return 0, fmt.Errorf("config: unknown fast_threshold_policy %q", s)
	}
}
