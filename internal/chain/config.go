package chain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/utils"
)

// Config carries everything needed to reach the ledger: the node's JSON-RPC
// endpoint for reads and the console installation for writes. Values come
// from an optional YAML file (CHAIN_CONFIG_PATH) with env vars taking
// precedence, the same env-first convention as the rest of the service.
type Config struct {
	RPCURL          string `yaml:"rpc_url"`
	GroupID         int    `yaml:"group_id"`
	ContractName    string `yaml:"contract_name"`
	ContractAddress string `yaml:"contract_address"`
	ConsolePath     string `yaml:"console_path"`
	KeystoreDir     string `yaml:"keystore_dir"`

	CallTimeoutSeconds    int `yaml:"call_timeout_seconds"`
	ConsoleTimeoutSeconds int `yaml:"console_timeout_seconds"`
	ConfirmTimeoutSeconds int `yaml:"confirm_timeout_seconds"`
}

func LoadConfig(log *logger.Logger) (*Config, error) {
	cfg := &Config{
		RPCURL:                "http://localhost:8545",
		GroupID:               1,
		ContractName:          "AgriTrace",
		ConsolePath:           "/opt/fisco/console",
		CallTimeoutSeconds:    30,
		ConsoleTimeoutSeconds: 60,
		ConfirmTimeoutSeconds: 30,
	}

	if path := utils.GetEnv("CHAIN_CONFIG_PATH", "", log); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Failed to read chain config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Failed to parse chain config file: %w", err)
		}
	}

	cfg.RPCURL = utils.GetEnv("CHAIN_RPC_URL", cfg.RPCURL, log)
	cfg.GroupID = utils.GetEnvAsInt("CHAIN_GROUP_ID", cfg.GroupID, log)
	cfg.ContractName = utils.GetEnv("CHAIN_CONTRACT_NAME", cfg.ContractName, log)
	cfg.ContractAddress = utils.GetEnv("CHAIN_CONTRACT_ADDRESS", cfg.ContractAddress, log)
	cfg.ConsolePath = utils.GetEnv("CHAIN_CONSOLE_PATH", cfg.ConsolePath, log)
	cfg.KeystoreDir = utils.GetEnv("CHAIN_KEYSTORE_DIR", cfg.KeystoreDir, log)
	if cfg.KeystoreDir == "" {
		cfg.KeystoreDir = cfg.ConsolePath + "/account/ecdsa"
	}
	cfg.ConfirmTimeoutSeconds = utils.GetEnvAsInt("CHAIN_CONFIRM_TIMEOUT_SECONDS", cfg.ConfirmTimeoutSeconds, log)

	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("Missing contract address (CHAIN_CONTRACT_ADDRESS)")
	}
	return cfg, nil
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

func (c *Config) ConsoleTimeout() time.Duration {
	return time.Duration(c.ConsoleTimeoutSeconds) * time.Second
}

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}
