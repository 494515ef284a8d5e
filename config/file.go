package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	case "light_mode":
		cfg.LightMode = parseBool(value)
	case "address_search":
		cfg.AddressSearch = parseBool(value)
	case "index_unspendables":
		cfg.IndexUnspendables = parseBool(value)
	case "sp_begin_height":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.SpBeginHeight = uint32(n)
	case "sp_min_dust":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.SpMinDust = n
	case "blk_files_dir":
		cfg.BlkFilesDir = value
	case "parallelism":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Parallelism = n

	case "daemon.rpc_url":
		cfg.Daemon.RPCURL = value
	case "daemon.rpc_user":
		cfg.Daemon.RPCUser = value
	case "daemon.rpc_pass":
		cfg.Daemon.RPCPass = value

	case "metrics.enabled":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored.
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default configuration file for network.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# blockidx indexer configuration
#
# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.blockidx)
# datadir = ~/.blockidx

# ============================================================================
# Indexing behavior
# ============================================================================

# Skip raw-tx/block-meta persistence; queries fall back to the node.
light_mode = false

# Maintain an a{address} search index in addition to script-hash history.
address_search = false

# Index history rows for provably-unspendable (OP_RETURN) outputs too.
index_unspendables = false

# Height silent-payment tweak derivation begins at.
sp_begin_height = 823807

# Minimum taproot output value, in satoshis, eligible for tweak derivation.
sp_min_dust = 1000

# Directory of raw .blk files for bulk indexing (optional; falls back to RPC).
# blk_files_dir = /path/to/blocks

# Worker-pool size for parallel block processing (default: number of CPUs).
# parallelism = 8

# ============================================================================
# Node RPC
# ============================================================================

# daemon.rpc_url = http://127.0.0.1:8332
# daemon.rpc_user = rpcuser
# daemon.rpc_pass = rpcpass

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = true
metrics.addr = 127.0.0.1:9100

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
