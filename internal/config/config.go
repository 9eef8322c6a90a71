// Package config provides centralized configuration for the crosslock
// daemon. All tunables (endpoints, timelocks, monitor cadence, session
// limits) are defined here; no hardcoded values should exist elsewhere.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosslock-exchange/crosslock/internal/session"
)

// Environment variables that override secret material from the config
// file. Keys belong in the environment, not on disk.
const (
	EnvEVMSignerKey   = "CROSSLOCK_EVM_SIGNER_KEY"
	EnvNEARPrivateKey = "CROSSLOCK_NEAR_PRIVATE_KEY"
	EnvSecretKey      = "CROSSLOCK_SECRET_KEY"
)

// Config holds all daemon configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`

	ChainA    ChainAConfig    `yaml:"chain_a"`
	ChainB    ChainBConfig    `yaml:"chain_b"`
	Session   SessionConfig   `yaml:"session"`
	Timelocks session.TimelockOffsets `yaml:"timelocks"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Secret    SecretConfig    `yaml:"secret"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ChainAConfig holds the EVM side settings.
type ChainAConfig struct {
	// RPCURL is the JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// ChainID is the EVM chain id used for transaction signing.
	ChainID int64 `yaml:"chain_id"`

	// FactoryAddress is the escrow factory contract.
	FactoryAddress string `yaml:"factory_address"`

	// SignerKey is the hex-encoded signing key. Prefer the
	// CROSSLOCK_EVM_SIGNER_KEY environment variable.
	SignerKey string `yaml:"signer_key,omitempty"`

	// SafetyDeposit in wei attached to every escrow.
	SafetyDeposit string `yaml:"safety_deposit"`

	// GasReserve in wei kept back from balance checks.
	GasReserve string `yaml:"gas_reserve"`
}

// ChainBConfig holds the NEAR side settings.
type ChainBConfig struct {
	// NetworkID selects the credential directory (mainnet, testnet).
	NetworkID string `yaml:"network_id"`

	// RPCURL is the primary JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// BackupRPCURL is tried when the primary fails.
	BackupRPCURL string `yaml:"backup_rpc_url,omitempty"`

	// HTLCContract is the account id of the HTLC contract.
	HTLCContract string `yaml:"htlc_contract"`

	// AccountID is the signing account.
	AccountID string `yaml:"account_id"`

	// PrivateKey is the ed25519 key in "ed25519:" base58 form. The
	// credential file store and CROSSLOCK_NEAR_PRIVATE_KEY take
	// precedence.
	PrivateKey string `yaml:"private_key,omitempty"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// MaxActive caps concurrently active sessions.
	MaxActive int `yaml:"max_active"`

	// Timeout is how long a session may stay active.
	Timeout time.Duration `yaml:"timeout"`

	// CleanupInterval is the cadence of the expired-session sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MonitorConfig holds chain monitor settings.
type MonitorConfig struct {
	// PollInterval is the destination chain polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ConfirmationDepth is how many blocks to replay on subscribe.
	ConfirmationDepth uint64 `yaml:"confirmation_depth"`

	// MaxRetries bounds subscription retry attempts.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBase is the base delay for retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// SecretConfig holds secret store settings.
type SecretConfig struct {
	// TTL is how long a sealed secret stays revealable.
	TTL time.Duration `yaml:"ttl"`

	// EncryptionKey derives the sealing key. Prefer the
	// CROSSLOCK_SECRET_KEY environment variable.
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// ExecutorConfig holds swap execution settings.
type ExecutorConfig struct {
	// Mode selects who completes the source side: "executor" or
	// "client".
	Mode string `yaml:"mode"`

	// WaitForBothLocked bounds the wait for both escrows.
	WaitForBothLocked time.Duration `yaml:"wait_for_both_locked"`

	// StatusPollInterval is the session poll cadence while waiting.
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`

	// RPCRetries bounds retries of transient RPC failures.
	RPCRetries int `yaml:"rpc_retries"`

	// RPCBackoff is the per-attempt backoff increment.
	RPCBackoff time.Duration `yaml:"rpc_backoff"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults. Endpoints
// default to public testnets; keys must be supplied by the operator.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8545",
		ChainA: ChainAConfig{
			RPCURL:        "https://rpc.sepolia.org",
			ChainID:       11155111,
			SafetyDeposit: "1000000000000000",
			GasReserve:    "10000000000000000",
		},
		ChainB: ChainBConfig{
			NetworkID:    "testnet",
			RPCURL:       "https://rpc.testnet.near.org",
			BackupRPCURL: "https://test.rpc.fastnear.com",
		},
		Session: SessionConfig{
			MaxActive:       100,
			Timeout:         time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Timelocks: session.DefaultTimelockOffsets(),
		Monitor: MonitorConfig{
			PollInterval:      5 * time.Second,
			ConfirmationDepth: 12,
			MaxRetries:        8,
			BackoffBase:       time.Second,
		},
		Secret: SecretConfig{
			TTL: 24 * time.Hour,
		},
		Executor: ExecutorConfig{
			Mode:               "executor",
			WaitForBothLocked:  10 * time.Minute,
			StatusPollInterval: 5 * time.Second,
			RPCRetries:         5,
			RPCBackoff:         2 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "~/.crosslock",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in the data
// directory. If the file doesn't exist, it creates one with default
// values. Environment overrides are applied afterwards.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secret material from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEVMSignerKey); v != "" {
		c.ChainA.SignerKey = v
	}
	if v := os.Getenv(EnvNEARPrivateKey); v != "" {
		c.ChainB.PrivateKey = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		c.Secret.EncryptionKey = v
	}
}

// Validate rejects configurations that cannot produce a safe swap.
func (c *Config) Validate() error {
	if c.Session.MaxActive <= 0 {
		return fmt.Errorf("%w: session.max_active must be positive", session.ErrValidation)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("%w: session.timeout must be positive", session.ErrValidation)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("%w: monitor.poll_interval must be positive", session.ErrValidation)
	}
	if c.Executor.Mode != "executor" && c.Executor.Mode != "client" {
		return fmt.Errorf("%w: executor.mode must be executor or client", session.ErrValidation)
	}

	// Probe the offsets against a fixed instant; the derived deadlines
	// are relative so any instant will do.
	if _, err := session.DeriveTimelocks(time.Unix(1_700_000_000, 0), c.Timelocks); err != nil {
		return fmt.Errorf("timelocks: %w", err)
	}
	return nil
}

// Save writes the configuration to a YAML file. Key material is
// stripped first; secrets never land on disk through this path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	redacted := *c
	redacted.ChainA.SignerKey = ""
	redacted.ChainB.PrivateKey = ""
	redacted.Secret.EncryptionKey = ""

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Crosslock Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given
// data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
