package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "CARDPOLL"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultLogLevel       = "info"
	defaultStoreDriver    = "sqlite"
	defaultStoreDSN       = "cardpoll.db"
	defaultTokenTTLMinute = 720
	defaultDeviceDB       = "cardpoll-device.db"
	defaultClientTimeout  = 10
)

// Store drivers accepted by store.driver. An empty driver leaves the remote store unconfigured.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

var defaultKnownUsers = []string{"user1", "user2", "user3", "user4"}

// ServerConfig captures runtime configuration for the remote service.
type ServerConfig struct {
	HTTPAddress   string
	LogLevel      string
	StoreDriver   string
	StoreDSN      string
	SigningSecret string
	TokenTTL      time.Duration
	KnownUsers    []string
}

// ClientConfig captures runtime configuration for the device client.
type ClientConfig struct {
	LogLevel   string
	RemoteURL  string
	DeviceDB   string
	SeedFile   string
	Timeout    time.Duration
	KnownUsers []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.dsn", defaultStoreDSN)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinute)
	configViper.SetDefault("session.known_users", defaultKnownUsers)
	configViper.SetDefault("client.device_db", defaultDeviceDB)
	configViper.SetDefault("client.timeout_seconds", defaultClientTimeout)
}

// LoadServer parses the remote service configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:      configViper.GetString("log.level"),
		StoreDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StoreDSN:      strings.TrimSpace(configViper.GetString("store.dsn")),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		KnownUsers:    normalizeList(configViper.GetStringSlice("session.known_users")),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses the device client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		LogLevel:   configViper.GetString("log.level"),
		RemoteURL:  strings.TrimRight(strings.TrimSpace(configViper.GetString("client.remote_url")), "/"),
		DeviceDB:   strings.TrimSpace(configViper.GetString("client.device_db")),
		SeedFile:   strings.TrimSpace(configViper.GetString("client.seed_file")),
		Timeout:    time.Duration(configViper.GetInt("client.timeout_seconds")) * time.Second,
		KnownUsers: normalizeList(configViper.GetStringSlice("session.known_users")),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// StoreConfigured reports whether the service has a backing store.
func (c ServerConfig) StoreConfigured() bool {
	return c.StoreDriver != ""
}

func (c ServerConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.StoreDriver {
	case "", StoreDriverMemory:
	case StoreDriverSQLite, StoreDriverPostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.StoreDriver)
	}
	if strings.TrimSpace(c.SigningSecret) != "" && c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if len(c.KnownUsers) == 0 {
		return fmt.Errorf("session.known_users must name at least one user")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if c.DeviceDB == "" {
		return fmt.Errorf("client.device_db is required")
	}
	if c.RemoteURL != "" && !strings.HasPrefix(c.RemoteURL, "http://") && !strings.HasPrefix(c.RemoteURL, "https://") {
		return fmt.Errorf("client.remote_url must be an http(s) url")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("client.timeout_seconds must be positive")
	}
	return nil
}

func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if _, ok := seen[trimmed]; ok {
				continue
			}
			seen[trimmed] = struct{}{}
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
