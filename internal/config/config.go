package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingCredentials is returned by AirtableConfig.Validate when any of the
// required credentials is unset
var ErrMissingCredentials = errors.New("airtable credentials not configured")

// Config holds all configuration for airlookup
type Config struct {
	Airtable  AirtableConfig
	Lookup    LookupConfig
	Sync      SyncConfig
	Expansion ExpansionConfig
	Server    ServerConfig
	Breaker   BreakerConfig
	Log       LogConfig
}

type AirtableConfig struct {
	APIKey  string // AIRTABLE_API_KEY
	BaseID  string // AIRTABLE_BASE_ID
	TableID string // AIRTABLE_TABLE_ID
	ViewID  string // AIRTABLE_VIEW_ID (optional, lookups only)
	BaseURL string // REST root, overridable for proxies and tests
	Client  string // Query executor strategy: auto, nethttp, fasthttp
}

type LookupConfig struct {
	MaxRecords     int // Candidate matches returned for a point lookup
	TimeoutSeconds int
}

type SyncConfig struct {
	PageSize       int
	TimeoutSeconds int
	TimestampField string   // Field compared by IS_AFTER in incremental mode
	ExpandFields   []string // Linked fields expanded per record in incremental mode
}

type ExpansionConfig struct {
	MaxIDs         int // Linked ids fetched per field per parent record
	TimeoutSeconds int
	Concurrency    int           // Parallel linked-record resolutions
	LinkedFields   []LinkedField // Static linked-field table
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	AuthToken    string // Static bearer token for /api/v1/*; empty disables the check
	TLSEnabled   bool
	TLSCertFile  string
	TLSKeyFile   string

	RateLimitPerMinute int // Inbound requests per client IP on /api/v1/*; 0 disables
}

type BreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from defaults, an optional airlookup.toml and the environment
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AIRLOOKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credentials keep the names the calling backend already provisions
	for key, env := range map[string]string{
		"airtable.api_key":  "AIRTABLE_API_KEY",
		"airtable.base_id":  "AIRTABLE_BASE_ID",
		"airtable.table_id": "AIRTABLE_TABLE_ID",
		"airtable.view_id":  "AIRTABLE_VIEW_ID",
	} {
		if err := v.BindEnv(key, "AIRLOOKUP_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	v.SetConfigName("airlookup")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/airlookup/")
	v.AddConfigPath("$HOME/.airlookup/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	linked, err := ParseLinkedFields(v.GetString("expansion.linked_fields"))
	if err != nil {
		return nil, fmt.Errorf("invalid expansion.linked_fields: %w", err)
	}

	cfg := &Config{
		Airtable: AirtableConfig{
			APIKey:  strings.TrimSpace(v.GetString("airtable.api_key")),
			BaseID:  strings.TrimSpace(v.GetString("airtable.base_id")),
			TableID: strings.TrimSpace(v.GetString("airtable.table_id")),
			ViewID:  strings.TrimSpace(v.GetString("airtable.view_id")),
			BaseURL: strings.TrimRight(v.GetString("airtable.base_url"), "/"),
			Client:  strings.ToLower(v.GetString("airtable.client")),
		},
		Lookup: LookupConfig{
			MaxRecords:     Bounded(v.GetInt("lookup.max_records"), MaxLookupRecords),
			TimeoutSeconds: v.GetInt("lookup.timeout_seconds"),
		},
		Sync: SyncConfig{
			PageSize:       v.GetInt("sync.page_size"),
			TimeoutSeconds: v.GetInt("sync.timeout_seconds"),
			TimestampField: v.GetString("sync.timestamp_field"),
			ExpandFields:   SplitList(v.GetString("sync.expand_fields")),
		},
		Expansion: ExpansionConfig{
			MaxIDs:         Bounded(v.GetInt("expansion.max_ids"), MaxLinkedIDs),
			TimeoutSeconds: v.GetInt("expansion.timeout_seconds"),
			Concurrency:    v.GetInt("expansion.concurrency"),
			LinkedFields:   linked,
		},
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
			AuthToken:    v.GetString("server.auth_token"),
			TLSEnabled:   v.GetBool("server.tls_enabled"),
			TLSCertFile:  v.GetString("server.tls_cert_file"),
			TLSKeyFile:   v.GetString("server.tls_key_file"),

			RateLimitPerMinute: v.GetInt("server.rate_limit_per_minute"),
		},
		Breaker: BreakerConfig{
			MaxFailures:    v.GetInt("breaker.max_failures"),
			TimeoutSeconds: v.GetInt("breaker.timeout_seconds"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("airtable.base_url", "https://api.airtable.com/v0")
	v.SetDefault("airtable.client", "auto")

	// A point lookup never scans: at most 3 candidates
	v.SetDefault("lookup.max_records", 3)
	v.SetDefault("lookup.timeout_seconds", 10)

	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.timeout_seconds", 30)
	v.SetDefault("sync.timestamp_field", "Completed Timestamp")
	v.SetDefault("sync.expand_fields", "Applications ↗")

	v.SetDefault("expansion.max_ids", 10)
	v.SetDefault("expansion.timeout_seconds", 10)
	v.SetDefault("expansion.concurrency", 4)
	v.SetDefault("expansion.linked_fields", "Applications ↗=tbl5llU1H1vvOJV34;Transactions ↗=tblremNCbcR0kUIDF")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 90)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.rate_limit_per_minute", 0)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.timeout_seconds", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that the credentials needed to reach the Airtable API are present
func (c *AirtableConfig) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "AIRTABLE_API_KEY")
	}
	if c.BaseID == "" {
		missing = append(missing, "AIRTABLE_BASE_ID")
	}
	if c.TableID == "" {
		missing = append(missing, "AIRTABLE_TABLE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// Hard caps on remote reads. A point lookup never scans and a linked field
// never pulls more than one bounded request.
const (
	MaxLookupRecords = 3
	MaxLinkedIDs     = 10
)

// Bounded returns n when it is within 1..limit, otherwise limit
func Bounded(n, limit int) int {
	if n <= 0 || n > limit {
		return limit
	}
	return n
}

// Timeout converts a seconds setting into a duration, falling back when unset
func Timeout(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// ValidateTLS validates TLS configuration when TLS is enabled.
// Returns nil if TLS is disabled or if configuration is valid.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}

	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}

	for kind, path := range map[string]string{"certificate": cfg.TLSCertFile, "key": cfg.TLSKeyFile} {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("TLS %s file not found: %s", kind, path)
			}
			return fmt.Errorf("cannot access TLS %s file %s: %w", kind, path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("TLS %s path is a directory, not a file: %s", kind, path)
		}
	}

	return nil
}
