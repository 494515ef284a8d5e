package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	Help    bool
	Version bool

	Network string
	DataDir string
	Config  string

	LightMode         bool
	AddressSearch     bool
	IndexUnspendables bool
	SpBeginHeight     uint
	SpMinDust         int64
	BlkFilesDir       string
	Parallelism       int

	DaemonRPCURL  string
	DaemonRPCUser string
	DaemonRPCPass string

	Metrics     bool
	MetricsAddr string

	LogLevel string
	LogFile  string
	LogJSON  bool

	Args []string

	SetLightMode     bool
	SetAddressSearch bool
	SetUnspendables  bool
	SetMetrics       bool
	SetLogJSON       bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("blockidxd", flag.ContinueOnError)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	var testnet bool
	fs.BoolVar(&testnet, "testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	fs.BoolVar(&f.LightMode, "light-mode", false, "Skip raw-tx/block-meta persistence")
	fs.BoolVar(&f.AddressSearch, "address-search", false, "Maintain an address-prefix search index")
	fs.BoolVar(&f.IndexUnspendables, "index-unspendables", false, "Index history rows for OP_RETURN outputs")
	fs.UintVar(&f.SpBeginHeight, "sp-begin-height", 0, "Height silent-payment tweak derivation begins at")
	fs.Int64Var(&f.SpMinDust, "sp-min-dust", 0, "Minimum taproot output value eligible for tweak derivation")
	fs.StringVar(&f.BlkFilesDir, "blk-files-dir", "", "Directory of raw .blk files for bulk indexing")
	fs.IntVar(&f.Parallelism, "parallelism", 0, "Worker-pool size for parallel block processing")

	fs.StringVar(&f.DaemonRPCURL, "daemon-rpc-url", "", "Node RPC URL")
	fs.StringVar(&f.DaemonRPCUser, "daemon-rpc-user", "", "Node RPC username")
	fs.StringVar(&f.DaemonRPCPass, "daemon-rpc-pass", "", "Node RPC password")

	fs.BoolVar(&f.Metrics, "metrics", true, "Enable the Prometheus metrics exporter")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics exporter listen address")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if testnet {
		f.Network = "testnet"
	}
	f.SetLightMode = isFlagSet(fs, "light-mode")
	f.SetAddressSearch = isFlagSet(fs, "address-search")
	f.SetUnspendables = isFlagSet(fs, "index-unspendables")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	if f.SetLightMode {
		cfg.LightMode = f.LightMode
	}
	if f.SetAddressSearch {
		cfg.AddressSearch = f.AddressSearch
	}
	if f.SetUnspendables {
		cfg.IndexUnspendables = f.IndexUnspendables
	}
	if f.SpBeginHeight != 0 {
		cfg.SpBeginHeight = uint32(f.SpBeginHeight)
	}
	if f.SpMinDust != 0 {
		cfg.SpMinDust = f.SpMinDust
	}
	if f.BlkFilesDir != "" {
		cfg.BlkFilesDir = f.BlkFilesDir
	}
	if f.Parallelism != 0 {
		cfg.Parallelism = f.Parallelism
	}

	if f.DaemonRPCURL != "" {
		cfg.Daemon.RPCURL = f.DaemonRPCURL
	}
	if f.DaemonRPCUser != "" {
		cfg.Daemon.RPCUser = f.DaemonRPCUser
	}
	if f.DaemonRPCPass != "" {
		cfg.Daemon.RPCPass = f.DaemonRPCPass
	}

	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `blockidx - blockchain indexing and query engine

Usage:
  blockidxd [options]
  blockidxd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.blockidx)
  --config, -c    Config file path (default: <datadir>/blockidx.conf)

Indexing Options:
  --light-mode           Skip raw-tx/block-meta persistence
  --address-search       Maintain an address-prefix search index
  --index-unspendables   Index history rows for OP_RETURN outputs
  --sp-begin-height      Height silent-payment tweak derivation begins at
  --sp-min-dust          Minimum taproot output value eligible for tweaks
  --blk-files-dir        Directory of raw .blk files for bulk indexing
  --parallelism          Worker-pool size for parallel block processing

Node RPC Options:
  --daemon-rpc-url    Node RPC URL
  --daemon-rpc-user   Node RPC username
  --daemon-rpc-pass   Node RPC password

Metrics Options:
  --metrics         Enable the Prometheus metrics exporter (default: true)
  --metrics-addr    Metrics exporter listen address

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/blockidxd.log)
  --log-json      Output logs as JSON

Examples:
  # Start indexing mainnet against a local node
  blockidxd --daemon-rpc-url=http://127.0.0.1:8332

  # Start with custom data directory and address search enabled
  blockidxd --datadir=/path/to/data --address-search
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("blockidxd version 0.1.0")
		os.Exit(0)
	}

	cfg := Default()
	if strings.EqualFold(flags.Network, "testnet") {
		cfg.Network = Testnet
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Idempotent; safe to call on every
// startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.StoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
