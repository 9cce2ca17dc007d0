package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config is the immutable configuration assembled once at startup. It is
// threaded through constructors; nothing below main reads the environment.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Vault   VaultConfig   `json:"vault"`
	Payment PaymentConfig `json:"payment"`
	Chain   ChainConfig   `json:"chain"`
	Funding FundingConfig `json:"funding"`
	Auth    AuthConfig    `json:"auth"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig controls the admin API listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig selects the wallet store backend.
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// VaultConfig carries the envelope-encryption master key. Exactly one of
// MasterKeyHex or MasterKeyFile must be set; the decoded key must be exactly
// 32 bytes or startup fails.
type VaultConfig struct {
	MasterKeyHex  string `json:"master_key_hex"`
	MasterKeyFile string `json:"master_key_file"`
}

// PaymentConfig describes the single supported x402 scheme/network pair and
// the outbound HTTP behaviour of the pay-and-retry client.
type PaymentConfig struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	AssetName         string `json:"asset_name"`
	AssetVersion      string `json:"asset_version"`
	DefaultMaxPayment string `json:"default_max_payment"`
	HTTPTimeoutSecs   int    `json:"http_timeout_seconds"`
}

// ChainConfig points at the YAML chain definitions and the treasury signer
// used for fund request payouts.
type ChainConfig struct {
	Definitions    string `json:"definitions"`
	TreasuryKeyHex string `json:"treasury_key_hex"`
	TokenAddress   string `json:"token_address"`
}

// FundingConfig selects the funding queue driver.
type FundingConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig carries connection parameters for the redis queue driver.
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	Queue         string `json:"queue"`
	BlockWaitSecs int    `json:"block_wait_seconds"`
}

// RabbitMQConfig carries connection parameters for the rabbitmq queue driver.
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AuthConfig configures admin authentication for administrative routes.
type AuthConfig struct {
	Mode       string      `json:"mode"`
	JWTSecret  string      `json:"jwt_secret"`
	Issuer     string      `json:"issuer"`
	AccessTTL  int64       `json:"access_ttl_seconds"`
	RefreshTTL int64       `json:"refresh_ttl_seconds"`
	Seeds      []AdminSeed `json:"seeds"`
}

// AdminSeed bootstraps an administrative account.
type AdminSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load parses the JSON configuration file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8402"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Payment.Scheme == "" {
		c.Payment.Scheme = "exact"
	}
	if c.Payment.Network == "" {
		c.Payment.Network = "eip155:8453"
	}
	if c.Payment.AssetName == "" {
		c.Payment.AssetName = "USD Coin"
	}
	if c.Payment.AssetVersion == "" {
		c.Payment.AssetVersion = "2"
	}
	if c.Payment.DefaultMaxPayment == "" {
		c.Payment.DefaultMaxPayment = "1.00"
	}
	if c.Payment.HTTPTimeoutSecs <= 0 {
		c.Payment.HTTPTimeoutSecs = 30
	}
	if c.Funding.Driver == "" {
		c.Funding.Driver = "memory"
	}
	if c.Funding.Workers <= 0 {
		c.Funding.Workers = 1
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.AccessTTL <= 0 {
		c.Auth.AccessTTL = 3600
	}
	if c.Auth.RefreshTTL <= 0 {
		c.Auth.RefreshTTL = 86400
	}
	if c.Chain.Definitions != "" && !filepath.IsAbs(c.Chain.Definitions) {
		c.Chain.Definitions = filepath.Join(baseDir, c.Chain.Definitions)
	}
	if c.Vault.MasterKeyFile != "" && !filepath.IsAbs(c.Vault.MasterKeyFile) {
		c.Vault.MasterKeyFile = filepath.Join(baseDir, c.Vault.MasterKeyFile)
	}
}

// MasterKey resolves and validates the vault master key. Called exactly once
// at startup; any failure here is fatal, never deferred to a signing call.
func (c *Config) MasterKey() ([]byte, error) {
	encoded := strings.TrimSpace(c.Vault.MasterKeyHex)
	if encoded == "" && c.Vault.MasterKeyFile != "" {
		raw, err := os.ReadFile(c.Vault.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read master key file: %w", err)
		}
		encoded = strings.TrimSpace(string(raw))
	}
	if encoded == "" {
		return nil, errors.New("vault master key is not configured")
	}
	key, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be exactly 32 bytes, got %d", len(key))
	}
	return key, nil
}
