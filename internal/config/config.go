// Package config loads process configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved process configuration.
type Config struct {
	DevMode    bool
	ListenAddr string

	SettingsBackend string
	SettingsTable   string
	StoreBackend    string
	DatabaseURL     string
	FilesTable      string
	UsersTable      string
	LocksTable      string
	KMSKeyID        string

	GoogleClientID          string
	GoogleClientSecretParam string
	GoogleRedirectURL       string
	StateSecretParam        string
	APIGatewaySecretParam   string
	OIDCIssuer              string
	FrontendURL             string

	SyncInterval       time.Duration
	SyncJitter         float64
	SyncPageSize       int
	SyncQuery          string
	SweepLease         bool
	BatchChunkSize     int
	BatchConcurrency   int
	ConfigPollInterval time.Duration
	ProviderQPS        float64

	LogLevel  string
	LogFormat string
	LogFile   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev_mode", false)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("settings_backend", "dynamodb")
	v.SetDefault("settings_table", "SyncSettings")
	v.SetDefault("store_backend", "dynamodb")
	v.SetDefault("database_url", "")
	v.SetDefault("files_table", "Files")
	v.SetDefault("users_table", "Users")
	v.SetDefault("locks_table", "SyncLocks")
	v.SetDefault("kms_key_id", "alias/drivesync-token-key")
	v.SetDefault("google_client_id", "")
	v.SetDefault("google_client_secret_param", "/drivesync/google-client-secret")
	v.SetDefault("google_redirect_url", "")
	v.SetDefault("state_secret_param", "/drivesync/state-secret")
	v.SetDefault("api_gateway_secret_param", "/drivesync/api-gateway-secret")
	v.SetDefault("oidc_issuer", "")
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("sync_jitter", 0.1)
	v.SetDefault("sync_page_size", 100)
	v.SetDefault("sync_query", "trashed = false")
	v.SetDefault("sweep_lease", false)
	v.SetDefault("batch_chunk_size", 500)
	v.SetDefault("batch_concurrency", 16)
	v.SetDefault("config_poll_interval", 10*time.Second)
	v.SetDefault("provider_qps", 10.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
}

// Load reads configuration from environment variables (DEV_MODE, SYNC_INTERVAL, ...)
// and, when DRIVESYNC_CONFIG names a file, from that file first.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("config_file", "DRIVESYNC_CONFIG"); err != nil {
		return nil, err
	}
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	settingsExplicit := v.IsSet("settings_backend")
	storeExplicit := v.IsSet("store_backend")
	setDefaults(v)

	cfg := &Config{
		DevMode:                 v.GetBool("dev_mode"),
		ListenAddr:              v.GetString("listen_addr"),
		SettingsBackend:         v.GetString("settings_backend"),
		SettingsTable:           v.GetString("settings_table"),
		StoreBackend:            strings.ToLower(v.GetString("store_backend")),
		DatabaseURL:             v.GetString("database_url"),
		FilesTable:              v.GetString("files_table"),
		UsersTable:              v.GetString("users_table"),
		LocksTable:              v.GetString("locks_table"),
		KMSKeyID:                v.GetString("kms_key_id"),
		GoogleClientID:          v.GetString("google_client_id"),
		GoogleClientSecretParam: v.GetString("google_client_secret_param"),
		GoogleRedirectURL:       v.GetString("google_redirect_url"),
		StateSecretParam:        v.GetString("state_secret_param"),
		APIGatewaySecretParam:   v.GetString("api_gateway_secret_param"),
		OIDCIssuer:              v.GetString("oidc_issuer"),
		FrontendURL:             v.GetString("frontend_url"),
		SyncInterval:            v.GetDuration("sync_interval"),
		SyncJitter:              v.GetFloat64("sync_jitter"),
		SyncPageSize:            v.GetInt("sync_page_size"),
		SyncQuery:               v.GetString("sync_query"),
		SweepLease:              v.GetBool("sweep_lease"),
		BatchChunkSize:          v.GetInt("batch_chunk_size"),
		BatchConcurrency:        v.GetInt("batch_concurrency"),
		ConfigPollInterval:      v.GetDuration("config_poll_interval"),
		ProviderQPS:             v.GetFloat64("provider_qps"),
		LogLevel:                v.GetString("log_level"),
		LogFormat:               v.GetString("log_format"),
		LogFile:                 v.GetString("log_file"),
	}

	if cfg.GoogleRedirectURL == "" {
		if cfg.DevMode {
			cfg.GoogleRedirectURL = "http://localhost:8080/auth/callback"
		} else {
			cfg.GoogleRedirectURL = strings.TrimRight(cfg.FrontendURL, "/") + "/api/auth/callback"
		}
	}
	if cfg.DevMode {
		if !settingsExplicit {
			cfg.SettingsBackend = "memory"
		}
		if !storeExplicit {
			cfg.StoreBackend = "memory"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	switch c.StoreBackend {
	case "dynamodb", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.SettingsBackend == "" {
		problems = append(problems, "SETTINGS_BACKEND must not be empty")
	}
	if c.SyncInterval <= 0 {
		problems = append(problems, "SYNC_INTERVAL must be positive")
	}
	if c.SyncJitter < 0 || c.SyncJitter >= 1 {
		problems = append(problems, "SYNC_JITTER must be in [0,1)")
	}
	if c.SyncPageSize <= 0 || c.SyncPageSize > 1000 {
		problems = append(problems, "SYNC_PAGE_SIZE must be between 1 and 1000")
	}
	if c.BatchChunkSize <= 0 {
		problems = append(problems, "BATCH_CHUNK_SIZE must be positive")
	}
	if c.BatchConcurrency <= 0 {
		problems = append(problems, "BATCH_CONCURRENCY must be positive")
	}
	if c.ConfigPollInterval <= 0 {
		problems = append(problems, "CONFIG_POLL_INTERVAL must be positive")
	}
	if c.ProviderQPS <= 0 {
		problems = append(problems, "PROVIDER_QPS must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
