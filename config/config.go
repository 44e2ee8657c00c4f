// Package config provides configuration management for the pricegate service
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"

	"github.com/sljivkov/pricegate/chains"
	"github.com/sljivkov/pricegate/fee"
)

// Config holds the application configuration
type Config struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8080"`                                          // HTTP listen address
	DbDir             string        `envconfig:"DB_DIR"`                                                               // Feed database directory, in memory when empty
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`                                             // logrus level
	SingleUpdateFee   string        `envconfig:"SINGLE_UPDATE_FEE" default:"1"`                                        // Fee charged per price update, base 10
	GuardianSetIndex  uint32        `envconfig:"GUARDIAN_SET_INDEX" default:"0"`                                       // Index of the configured guardian set
	Guardians         string        `envconfig:"GUARDIANS"`                                                            // Comma-separated guardian addresses
	DataSources       string        `envconfig:"DATA_SOURCES"`                                                         // Comma-separated chainID:emitter pairs
	VerifiedCacheSize int           `envconfig:"VERIFIED_CACHE_SIZE" default:"1024"`                                   // Remembered verified digests
	RelayURL          string        `envconfig:"RELAY_URL"`                                                            // Upstream update endpoint, relay disabled when empty
	RelayFeeds        string        `envconfig:"RELAY_FEEDS"`                                                          // Comma-separated feed ids to relay
	RelayInterval     time.Duration `envconfig:"RELAY_INTERVAL" default:"10s"`                                         // Relay polling interval
	RelayerAddress    string        `envconfig:"RELAYER_ADDRESS" default:"0x0000000000000000000000000000000000000000"` // Caller identity of relayed updates
	UpdateRateLimit   float64       `envconfig:"UPDATE_RATE_LIMIT" default:"0"`                                        // Update submissions per second per client, 0 disables
	UpdateBurst       int           `envconfig:"UPDATE_BURST" default:"10"`                                            // Burst allowed above UPDATE_RATE_LIMIT
}

// Option is a function that modifies Config
type Option func(*Config) error

// WithEnvFile loads configuration from a .env file
func WithEnvFile(path string) Option {
	return func(c *Config) error {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	}
}

// WithListenAddr sets the HTTP listen address
func WithListenAddr(addr string) Option {
	return func(c *Config) error {
		c.ListenAddr = addr
		return nil
	}
}

// validate performs validation on the config values
func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if _, err := fee.ParseSchedule(c.SingleUpdateFee); err != nil {
		return err
	}

	if _, err := c.GuardianAddresses(); err != nil {
		return err
	}

	if _, err := chains.ParseDataSources(c.DataSources); err != nil {
		return fmt.Errorf("invalid data sources: %w", err)
	}

	if c.RelayURL != "" {
		if _, err := url.ParseRequestURI(c.RelayURL); err != nil {
			return fmt.Errorf("invalid relay URL: %s", c.RelayURL)
		}
		if len(c.FeedList()) == 0 {
			return fmt.Errorf("relay enabled without feeds")
		}
		for _, feed := range c.FeedList() {
			if len(feed) != 2*common.HashLength || !isHex(feed) {
				return fmt.Errorf("invalid feed id: %s", feed)
			}
		}
		if c.RelayInterval <= 0 {
			return fmt.Errorf("relay interval must be positive")
		}
	}

	if c.UpdateRateLimit < 0 || c.UpdateBurst < 1 {
		return fmt.Errorf("invalid update rate limit: %v/s burst %d", c.UpdateRateLimit, c.UpdateBurst)
	}

	if !common.IsHexAddress(c.RelayerAddress) {
		return fmt.Errorf("invalid relayer address: %s", c.RelayerAddress)
	}

	return nil
}

// isHex checks if a string is valid hexadecimal
func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// NewConfig creates a new validated Config instance
func NewConfig(opts ...Option) (*Config, error) {
	var cfg Config

	// Options run first so an env file can feed the environment
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			log.WithError(err).Warn("option application failed")
		}
	}

	listenAddr := cfg.ListenAddr
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// GuardianAddresses parses the guardian list
func (c *Config) GuardianAddresses() ([]common.Address, error) {
	var keys []common.Address
	for _, g := range splitList(c.Guardians) {
		if !common.IsHexAddress(g) {
			return nil, fmt.Errorf("invalid guardian address: %s", g)
		}
		keys = append(keys, common.HexToAddress(g))
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no guardians specified")
	}
	return keys, nil
}

// FeedList returns the relayed feed ids without 0x prefix
func (c *Config) FeedList() []string {
	feeds := splitList(c.RelayFeeds)
	for i, f := range feeds {
		feeds[i] = strings.TrimPrefix(f, "0x")
	}
	return feeds
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
