package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type StoreConfig struct {
	Directory string        `yaml:"directory"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

type SessionsConfig struct {
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int           `yaml:"maxConnections"`
	SendBufferSize           int           `yaml:"sendBufferSize"`
	LivenessInterval         time.Duration `yaml:"livenessInterval"`
}

type SyncConfig struct {
	// StrictCompare switches the undeployed-changes heuristic from a
	// file-count comparison to a full content comparison. Off by
	// default for compatibility with existing controllers.
	StrictCompare bool `yaml:"strictCompare"`
}

type DriverAuthorConfig struct {
	// Provider selects the model backend: "openai", "anthropic" or
	// "grok". Driver generation is disabled when left empty.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Files   RateLimiterConfig `yaml:"files"`
	Sync    RateLimiterConfig `yaml:"sync"`
	System  RateLimiterConfig `yaml:"system"`
	Default RateLimiterConfig `yaml:"default"`
}

type Gateway struct {
	HttpBinding  string             `yaml:"httpBinding"`
	AdminToken   string             `yaml:"adminToken"`
	TLS          TLS                `yaml:"tls"`
	Store        StoreConfig        `yaml:"store"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Sync         SyncConfig         `yaml:"sync"`
	DriverAuthor DriverAuthorConfig `yaml:"driverAuthor"`
	RateLimiters RateLimiters       `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing       = errors.New("httpBinding is missing in config")
	ErrAdminTokenMissing        = errors.New("adminToken is missing in config")
	ErrStoreDirectoryMissing    = errors.New("store.directory is missing in config and is required for the artifact database")
	ErrTLSIncomplete            = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrDriverAuthorIncomplete   = errors.New("driverAuthor.apiKey is required when driverAuthor.provider is set")
)

const (
	DefaultLivenessInterval = 30 * time.Second
	DefaultSendBufferSize   = 256
	DefaultReadBufferSize   = 4096
	DefaultWriteBufferSize  = 4096
	DefaultMaxConnections   = 2048
	DefaultCacheTTL         = time.Minute
)

func Load(configFile string) (*Gateway, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Gateway
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Gateway) Validate() error {
	if c.HttpBinding == "" {
		return ErrHttpBindingMissing
	}
	if c.AdminToken == "" {
		return ErrAdminTokenMissing
	}
	if c.Store.Directory == "" {
		return ErrStoreDirectoryMissing
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return ErrTLSIncomplete
	}
	if c.DriverAuthor.Provider != "" && c.DriverAuthor.APIKey == "" {
		return ErrDriverAuthorIncomplete
	}
	return nil
}

func (c *Gateway) applyDefaults() {
	if c.Sessions.LivenessInterval <= 0 {
		c.Sessions.LivenessInterval = DefaultLivenessInterval
	}
	if c.Sessions.SendBufferSize <= 0 {
		c.Sessions.SendBufferSize = DefaultSendBufferSize
	}
	if c.Sessions.WebSocketReadBufferSize <= 0 {
		c.Sessions.WebSocketReadBufferSize = DefaultReadBufferSize
	}
	if c.Sessions.WebSocketWriteBufferSize <= 0 {
		c.Sessions.WebSocketWriteBufferSize = DefaultWriteBufferSize
	}
	if c.Sessions.MaxConnections <= 0 {
		c.Sessions.MaxConnections = DefaultMaxConnections
	}
	if c.Store.CacheTTL <= 0 {
		c.Store.CacheTTL = DefaultCacheTTL
	}
	if c.RateLimiters.Default.Limit <= 0 {
		c.RateLimiters.Default = RateLimiterConfig{Limit: 50, Burst: 100}
	}
	if c.RateLimiters.Files.Limit <= 0 {
		c.RateLimiters.Files = c.RateLimiters.Default
	}
	if c.RateLimiters.Sync.Limit <= 0 {
		c.RateLimiters.Sync = c.RateLimiters.Default
	}
	if c.RateLimiters.System.Limit <= 0 {
		c.RateLimiters.System = c.RateLimiters.Default
	}
}
