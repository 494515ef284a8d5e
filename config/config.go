// Package config handles indexer configuration: a Config struct with
// `conf:"..."` tags, a flag-based CLI parser, and a flat key=value file
// loader. Precedence is defaults, then file, then flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies which chain params the indexer decodes addresses
// and classifies outputs against.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// defaultSpBeginHeight is the height silent-payment tweak derivation
// begins at by default.
const defaultSpBeginHeight = 823807

// defaultSpMinDust is the minimum taproot output value, in satoshis,
// eligible for tweak derivation.
const defaultSpMinDust = 1000

// Config holds runtime configuration for the indexer daemon.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Daemon DaemonConfig

	// Indexing behavior.
	LightMode         bool   `conf:"light_mode"`
	AddressSearch     bool   `conf:"address_search"`
	IndexUnspendables bool   `conf:"index_unspendables"`
	SpBeginHeight     uint32 `conf:"sp_begin_height"`
	SpMinDust         int64  `conf:"sp_min_dust"`
	BlkFilesDir       string `conf:"blk_files_dir"`
	Parallelism       int    `conf:"parallelism"`

	Metrics MetricsConfig
	Log     LogConfig
}

// DaemonConfig holds the node RPC client's connection settings.
type DaemonConfig struct {
	RPCURL  string `conf:"daemon.rpc_url"`
	RPCUser string `conf:"daemon.rpc_user"`
	RPCPass string `conf:"daemon.rpc_pass"`
}

// MetricsConfig holds the Prometheus exporter's listen settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// Default returns a Config with every knob set to its documented default.
func Default() *Config {
	return &Config{
		Network:           Mainnet,
		DataDir:           DefaultDataDir(),
		LightMode:         false,
		AddressSearch:     false,
		IndexUnspendables: false,
		SpBeginHeight:     defaultSpBeginHeight,
		SpMinDust:         defaultSpMinDust,
		Parallelism:       runtime.NumCPU(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9100",
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultDataDir returns the platform-specific default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blockidx"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "blockidx")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "blockidx")
		}
		return filepath.Join(home, "AppData", "Roaming", "blockidx")
	default:
		return filepath.Join(home, ".blockidx")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StoreDir returns the directory the four KV namespaces live under.
func (c *Config) StoreDir() string {
	return filepath.Join(c.ChainDataDir(), "store")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the default config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "blockidx.conf")
}
