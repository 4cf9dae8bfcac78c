package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wylloh/features"

	"github.com/spf13/viper"
)

// Config holds configuration for the key management services.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Encryption    EncryptionConfig    `mapstructure:"encryption"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	IPFS          IPFSConfig          `mapstructure:"ipfs"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	KeyManager    KeyManagerConfig    `mapstructure:"key_manager"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // dev, staging, production
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	GracefulStop time.Duration `mapstructure:"graceful_stop"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig holds settings for the postgres replica.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// CacheConfig holds lookup cache lifetimes and the redis connection shared
// with the redis replica.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	KeyTTL   time.Duration `mapstructure:"key_ttl"`
	GrantTTL time.Duration `mapstructure:"grant_ttl"`
	Redis    RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StorageConfig lists key-value replicas in read priority order.
type StorageConfig struct {
	Replicas   []string `mapstructure:"replicas"` // badger, redis, postgres, memory
	BadgerPath string   `mapstructure:"badger_path"`
	Table      string   `mapstructure:"table"`
}

// EncryptionConfig controls where the master wrapping secret comes from.
type EncryptionConfig struct {
	MasterSecretSource string            `mapstructure:"master_secret_source"` // env, config, aws
	MasterSecret       string            `mapstructure:"master_secret"`        // hex, 32 bytes
	MasterSecretEnv    string            `mapstructure:"master_secret_env"`
	WrapAlgorithm      string            `mapstructure:"wrap_algorithm"` // aes-256-gcm, xchacha20-poly1305
	Scope              string            `mapstructure:"scope"`          // defaults to ledger.contract_address
	AWS                AWSSecretSettings `mapstructure:"aws"`
}

type AWSSecretSettings struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	SecretID string `mapstructure:"secret_id"`
	Field    string `mapstructure:"field"`
}

// LedgerConfig points at the ERC-1155 contract that records ownership.
type LedgerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PrimaryRPC      string        `mapstructure:"primary_rpc"`
	SecondaryRPC    string        `mapstructure:"secondary_rpc"`
	ContractAddress string        `mapstructure:"contract_address"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

type IPFSConfig struct {
	APIURL      string        `mapstructure:"api_url"`
	MetadataURL string        `mapstructure:"metadata_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RetryMax    int           `mapstructure:"retry_max"`
}

// RetrievalConfig orders the transport endpoints used to fetch ciphertext.
type RetrievalConfig struct {
	CDNURL         string        `mapstructure:"cdn_url"`
	CDNTimeout     time.Duration `mapstructure:"cdn_timeout"`
	APIURL         string        `mapstructure:"api_url"`
	APITimeout     time.Duration `mapstructure:"api_timeout"`
	PublicGateways []string      `mapstructure:"public_gateways"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
	RetryMax       int           `mapstructure:"retry_max"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

type SecurityConfig struct {
	RateLimiting RateLimitConfig `mapstructure:"rate_limiting"`
	CORS         CORSConfig      `mapstructure:"cors"`
	Auth         AuthConfig      `mapstructure:"auth"`
}

type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	RequestsPerMin int  `mapstructure:"requests_per_min"`
	Burst          int  `mapstructure:"burst"`
}

type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// AuthConfig selects how API callers prove their wallet identity.
type AuthConfig struct {
	Mode      string `mapstructure:"mode"` // jwt, header
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"` // otlp
	Endpoint string `mapstructure:"endpoint"`
}

// KeyManagerConfig holds key-manager specific settings.
type KeyManagerConfig struct {
	SeedSampleData bool   `mapstructure:"seed_sample_data"`
	SeedDataPath   string `mapstructure:"seed_data_path"`
}

// Load reads configuration with precedence env > file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("wylloh")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/wylloh/")
		v.AddConfigPath("$HOME/.wylloh")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WYLLOH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	applyFeatureFlags(&cfg)

	return &cfg, nil
}

func LoadFromEnv() (*Config, error) {
	return Load("")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "wylloh-key-manager")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_stop", "30s")
	v.SetDefault("server.tls.enabled", false)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "wylloh")
	v.SetDefault("database.user", "wylloh")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.key_ttl", "30m")
	v.SetDefault("cache.grant_ttl", "5m")
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "wylloh:")

	v.SetDefault("storage.replicas", []string{"badger", "memory"})
	v.SetDefault("storage.badger_path", "./data/keystore")
	v.SetDefault("storage.table", "kv_entries")

	v.SetDefault("encryption.master_secret_source", "env")
	v.SetDefault("encryption.master_secret_env", "WYLLOH_MASTER_SECRET")
	v.SetDefault("encryption.aws.field", "master_secret")
	v.SetDefault("encryption.wrap_algorithm", "aes-256-gcm")

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("ledger.retry_backoff", "1s")

	v.SetDefault("ipfs.api_url", "http://localhost:5001")
	v.SetDefault("ipfs.timeout", "30s")
	v.SetDefault("ipfs.retry_max", 2)

	v.SetDefault("retrieval.cdn_timeout", "10s")
	v.SetDefault("retrieval.api_timeout", "15s")
	v.SetDefault("retrieval.public_gateways", []string{
		"https://ipfs.io/ipfs/",
		"https://gateway.pinata.cloud/ipfs/",
		"https://cloudflare-ipfs.com/ipfs/",
		"https://dweb.link/ipfs/",
	})
	v.SetDefault("retrieval.gateway_timeout", "30s")
	v.SetDefault("retrieval.retry_max", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_min", 120)
	v.SetDefault("security.rate_limiting.burst", 30)
	v.SetDefault("security.cors.enabled", true)
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"Authorization", "Content-Type", "X-Wallet-Address"})
	v.SetDefault("security.auth.mode", "jwt")

	v.SetDefault("observability.metrics.enabled", false)
	v.SetDefault("observability.metrics.address", ":9090")
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.tracing.enabled", false)

	v.SetDefault("key_manager.seed_sample_data", false)
	v.SetDefault("key_manager.seed_data_path", "")
}

var knownReplicas = map[string]bool{"badger": true, "redis": true, "postgres": true, "memory": true}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
		if !fileExists(cfg.Server.TLS.CertFile) {
			return fmt.Errorf("TLS certificate file not found: %s", cfg.Server.TLS.CertFile)
		}
		if !fileExists(cfg.Server.TLS.KeyFile) {
			return fmt.Errorf("TLS key file not found: %s", cfg.Server.TLS.KeyFile)
		}
	}

	if len(cfg.Storage.Replicas) == 0 {
		return fmt.Errorf("storage.replicas must list at least one replica")
	}
	seen := make(map[string]bool)
	for _, r := range cfg.Storage.Replicas {
		name := strings.ToLower(strings.TrimSpace(r))
		if !knownReplicas[name] {
			return fmt.Errorf("storage.replicas: unsupported replica %q", r)
		}
		if seen[name] {
			return fmt.Errorf("storage.replicas: duplicate replica %q", r)
		}
		seen[name] = true
	}
	if seen["postgres"] && cfg.Database.Driver == "" {
		return fmt.Errorf("database.driver is required when the postgres replica is enabled")
	}
	if seen["badger"] && cfg.Storage.BadgerPath == "" {
		return fmt.Errorf("storage.badger_path is required when the badger replica is enabled")
	}

	if cfg.Database.Driver != "" {
		if cfg.Database.Host == "" {
			return fmt.Errorf("database.host is required when database is configured")
		}
		if cfg.Database.Database == "" {
			return fmt.Errorf("database.database is required when database is configured")
		}
	}

	switch strings.ToLower(cfg.Encryption.MasterSecretSource) {
	case "env", "config":
	case "aws":
		if cfg.Encryption.AWS.SecretID == "" {
			return fmt.Errorf("encryption.aws.secret_id is required when master_secret_source is aws")
		}
	default:
		return fmt.Errorf("encryption.master_secret_source %q is not supported", cfg.Encryption.MasterSecretSource)
	}

	switch strings.ToLower(cfg.Encryption.WrapAlgorithm) {
	case "", "aes-256-gcm", "xchacha20-poly1305":
	default:
		return fmt.Errorf("encryption.wrap_algorithm %q is not supported", cfg.Encryption.WrapAlgorithm)
	}

	if cfg.Ledger.Enabled {
		if cfg.Ledger.PrimaryRPC == "" {
			return fmt.Errorf("ledger.primary_rpc is required when the ledger is enabled")
		}
		if cfg.Ledger.ContractAddress == "" {
			return fmt.Errorf("ledger.contract_address is required when the ledger is enabled")
		}
		if cfg.Ledger.Timeout <= 0 {
			return fmt.Errorf("ledger.timeout must be positive")
		}
	}

	switch strings.ToLower(cfg.Security.Auth.Mode) {
	case "header":
	case "jwt":
		if cfg.Security.Auth.JWTSecret == "" && !cfg.IsDevelopment() {
			return fmt.Errorf("security.auth.jwt_secret is required in jwt mode")
		}
	default:
		return fmt.Errorf("security.auth.mode %q is not supported", cfg.Security.Auth.Mode)
	}

	return nil
}

// GetDatabaseURL builds a connection URL for the postgres replica.
func (c *Config) GetDatabaseURL() string {
	if c.Database.Driver == "" {
		return ""
	}

	return fmt.Sprintf("%s://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Driver,
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

func (c *Config) IsDevelopment() bool {
	return c.Service.Environment == "development" || c.Service.Environment == "dev"
}

func (c *Config) IsProduction() bool {
	return c.Service.Environment == "production" || c.Service.Environment == "prod"
}

// WrappingScope is the HKDF scope for primary wrapping secrets.
func (c *Config) WrappingScope() string {
	if c.Encryption.Scope != "" {
		return c.Encryption.Scope
	}
	return strings.ToLower(c.Ledger.ContractAddress)
}

// MaskSensitive returns a copy with secrets blanked for logging.
func (c *Config) MaskSensitive() *Config {
	masked := *c
	masked.Database.Password = "***"
	masked.Cache.Redis.Password = "***"
	masked.Encryption.MasterSecret = "***"
	masked.Security.Auth.JWTSecret = "***"
	return &masked
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	expanded := os.ExpandEnv(path)
	if !filepath.IsAbs(expanded) {
		return false
	}
	_, err := os.Stat(expanded)
	return err == nil
}

// applyFeatureFlags lets build-time flags override file and env settings.
func applyFeatureFlags(cfg *Config) {
	if !features.ShouldEnableMetrics() {
		cfg.Observability.Metrics.Enabled = false
	}

	if !features.ShouldEnableObservability() {
		cfg.Observability.Tracing.Enabled = false
		cfg.Observability.Metrics.Enabled = false
	}

	if features.ShouldUseShortTimeouts() {
		cfg.Server.ReadTimeout = 5 * time.Second
		cfg.Server.WriteTimeout = 10 * time.Second
		cfg.Server.IdleTimeout = 30 * time.Second
		cfg.Server.GracefulStop = 5 * time.Second
		cfg.Ledger.Timeout = 3 * time.Second
		cfg.Retrieval.CDNTimeout = 3 * time.Second
		cfg.Retrieval.APITimeout = 5 * time.Second
		cfg.Retrieval.GatewayTimeout = 10 * time.Second
	}

	if features.ShouldEnableRateLimiting() {
		cfg.Security.RateLimiting.Enabled = true
	}

	if !features.ShouldEnableCaching() {
		cfg.Cache.Enabled = false
	}
}
