// Package config loads the relayer's chain and contract configuration.
//
// Config loading sits outside the core relayer per SPEC_FULL.md §A.1: the
// core only consumes the structs defined here through the interfaces in
// pkg/chain, pkg/watcher and pkg/signaler. This package just gets a
// concrete document into those structs.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "15s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LinkedAnchor names a destination anchor reachable from a source anchor.
// FunctionSig is the hex-encoded (with or without 0x) 4-byte selector of
// the destination function a passed proposal invokes (spec.md §4.5's
// "function_sig [4] // destination function selector").
type LinkedAnchor struct {
	Chain       string `yaml:"chain"`
	Address     string `yaml:"address"`
	FunctionSig string `yaml:"function_sig"`
}

// EventsWatcherConfig controls the per-contract polling cadence (§4.3).
type EventsWatcherConfig struct {
	PollingInterval Duration `yaml:"polling_interval"`
	PrintProgress   Duration `yaml:"print_progress_interval"`
	MaxEventsPerStep uint64  `yaml:"max_events_per_step"`
}

// ContractConfig is one watched anchor or bridge contract (§6 "Configuration").
type ContractConfig struct {
	// Role distinguishes a deposit-side anchor (pkg/leafindex + pkg/signaler)
	// from a destination-side bridge (pkg/bridgestate + pkg/txqueue). Empty
	// defaults to "anchor" so existing single-role configs need no change.
	Role          string              `yaml:"role,omitempty"`
	Address       string              `yaml:"address"`
	DeployedAt    uint64              `yaml:"deployed_at"`
	LinkedAnchors []LinkedAnchor      `yaml:"linked_anchors"`
	EventsWatcher EventsWatcherConfig `yaml:"events_watcher"`

	// Substrate-only identifiers; zero-valued on EVM chains.
	PalletName string `yaml:"pallet_name,omitempty"`
	TreeID     uint32 `yaml:"tree_id,omitempty"`
}

// RoleBridge and RoleAnchor are the two recognized ContractConfig.Role
// values. An empty Role is treated as RoleAnchor.
const (
	RoleAnchor = "anchor"
	RoleBridge = "bridge"
)

// IsBridge reports whether this contract is a destination bridge, the
// only role bridgestate/txqueue need to pick out of a chain's Contracts.
func (ct ContractConfig) IsBridge() bool {
	return ct.Role == RoleBridge
}

// SmartAnchorUpdates is the experimental skip-if-caught-up policy of §4.6.
type SmartAnchorUpdates struct {
	Enabled bool `yaml:"enabled"`
	Retries uint32 `yaml:"retries"`
}

// EVMChainConfig configures one EVM-family chain (§6).
type EVMChainConfig struct {
	Name                    string           `yaml:"name"`
	HTTPEndpoint            string           `yaml:"http_endpoint"`
	WSEndpoint              string           `yaml:"ws_endpoint"`
	ChainID                 uint64           `yaml:"chain_id"`
	PrivateKey              string           `yaml:"private_key"`
	PollingInterval         Duration         `yaml:"polling_interval"`
	MaxEventsPerStep        uint64           `yaml:"max_events_per_step"`
	PrintProgressInterval   Duration         `yaml:"print_progress_interval"`
	Confirmations           uint64           `yaml:"confirmations"`
	SmartAnchorUpdates      SmartAnchorUpdates `yaml:"smart_anchor_updates"`
	Contracts               []ContractConfig `yaml:"contracts"`
}

// SubstrateChainConfig configures one Substrate-family chain (§6, analogous).
type SubstrateChainConfig struct {
	Name                  string           `yaml:"name"`
	HTTPEndpoint          string           `yaml:"http_endpoint"`
	WSEndpoint            string           `yaml:"ws_endpoint"`
	ChainID               uint64           `yaml:"chain_id"`
	PollingInterval       Duration         `yaml:"polling_interval"`
	MaxEventsPerStep      uint64           `yaml:"max_events_per_step"`
	PrintProgressInterval Duration         `yaml:"print_progress_interval"`
	Confirmations         uint64           `yaml:"confirmations"`
	Contracts             []ContractConfig `yaml:"contracts"`
}

// StoreConfig selects and configures the Store backend (kvstore or pgstore).
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "kv" or "postgres"
	Path     string `yaml:"path"`    // kvstore data directory
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FirestoreMirrorConfig enables the optional leaf-cache mirror of §B.
type FirestoreMirrorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Config is the top-level relayer configuration document.
type Config struct {
	EVM         []EVMChainConfig      `yaml:"evm"`
	Substrate   []SubstrateChainConfig `yaml:"substrate"`
	Store       StoreConfig           `yaml:"store"`
	Firestore   FirestoreMirrorConfig `yaml:"firestore"`
	MetricsAddr string                `yaml:"metrics_addr"`
}

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default} tokens.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} tokens against the process environment.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[3]
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return fallback
	})
}

// infura1Token is the literal substitution point named in spec.md §6
// ("Environment"): ETH1_INFURA_API_KEY is substituted into endpoint
// strings by literal token replacement, not through ${...} expansion,
// to match the upstream relayer's historical config format.
const infura1Token = "%%ETH1_INFURA_API_KEY%%"

func substituteInfuraToken(content string) string {
	key := os.Getenv("ETH1_INFURA_API_KEY")
	if key == "" {
		return content
	}
	return strings.ReplaceAll(content, infura1Token, key)
}

// Load reads and parses the relayer configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))
	expanded = substituteInfuraToken(expanded)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every configured chain and contract is internally
// consistent. It accumulates every problem found instead of stopping at
// the first one, matching the teacher's Validate() style.
func (c *Config) Validate() error {
	var problems []string

	seen := map[uint64]string{}
	for _, e := range c.EVM {
		if e.Name == "" {
			problems = append(problems, "evm chain entry missing name")
			continue
		}
		if other, ok := seen[e.ChainID]; ok {
			problems = append(problems, fmt.Sprintf("evm chain_id %d used by both %s and %s", e.ChainID, other, e.Name))
		}
		seen[e.ChainID] = e.Name
		if e.HTTPEndpoint == "" {
			problems = append(problems, fmt.Sprintf("evm chain %s missing http_endpoint", e.Name))
		}
		for _, ct := range e.Contracts {
			if ct.Address == "" {
				problems = append(problems, fmt.Sprintf("evm chain %s has a contract with no address", e.Name))
			}
			if ct.Role != "" && ct.Role != RoleAnchor && ct.Role != RoleBridge {
				problems = append(problems, fmt.Sprintf("evm chain %s contract %s has unknown role %q", e.Name, ct.Address, ct.Role))
			}
		}
	}
	for _, s := range c.Substrate {
		if s.Name == "" {
			problems = append(problems, "substrate chain entry missing name")
			continue
		}
		if other, ok := seen[s.ChainID]; ok {
			problems = append(problems, fmt.Sprintf("chain_id %d used by both %s and %s", s.ChainID, other, s.Name))
		}
		seen[s.ChainID] = s.Name
	}

	if c.Store.Backend != "" && c.Store.Backend != "kv" && c.Store.Backend != "postgres" {
		problems = append(problems, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ChainByID finds an EVM chain config by its chain id, returning ok=false
// when it is not configured. Mirrors §4.6 step 1's "if not configured,
// skip with a warning".
func (c *Config) ChainByID(chainID uint64) (EVMChainConfig, bool) {
	for _, e := range c.EVM {
		if e.ChainID == chainID {
			return e, true
		}
	}
	return EVMChainConfig{}, false
}

// ChainByName finds an EVM chain config by its configured name.
func (c *Config) ChainByName(name string) (EVMChainConfig, bool) {
	for _, e := range c.EVM {
		if e.Name == name {
			return e, true
		}
	}
	return EVMChainConfig{}, false
}
