package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	guardianA = "0x58CC3AE5C097b213cE3c81979e1B9f9570746AA5"
	guardianB = "0xfF6CB952589BDE862c25Ef4392132fb9D4A42157"
	emitter   = "0xe101faedac5851e32b9b23b5f9411a8c2bac4aae3ed4dd7b811dd1a72ea4aa71"
	btcFeed   = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
)

func setRequired(t *testing.T) {
	t.Setenv("GUARDIANS", guardianA+","+guardianB)
	t.Setenv("DATA_SOURCES", "26:"+emitter)
}

func TestNewConfig(t *testing.T) {
	// Test case 1: Test with environment variables
	t.Run("with environment variables", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LISTEN_ADDR", ":9000")
		t.Setenv("DB_DIR", "/tmp/feeds")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("SINGLE_UPDATE_FEE", "1000")
		t.Setenv("GUARDIAN_SET_INDEX", "4")
		t.Setenv("RELAY_URL", "http://hermes.test/v2/updates/price/latest")
		t.Setenv("RELAY_FEEDS", "0x"+btcFeed)
		t.Setenv("RELAY_INTERVAL", "2s")
		t.Setenv("RELAYER_ADDRESS", guardianB)
		t.Setenv("UPDATE_RATE_LIMIT", "2.5")
		t.Setenv("UPDATE_BURST", "4")

		cfg, err := NewConfig()
		require.NoError(t, err)

		// Verify all fields
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, "/tmp/feeds", cfg.DbDir)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "1000", cfg.SingleUpdateFee)
		assert.Equal(t, uint32(4), cfg.GuardianSetIndex)
		assert.Equal(t, 2*time.Second, cfg.RelayInterval)
		assert.Equal(t, []string{btcFeed}, cfg.FeedList())
		assert.Equal(t, guardianB, cfg.RelayerAddress)
		assert.Equal(t, 2.5, cfg.UpdateRateLimit)
		assert.Equal(t, 4, cfg.UpdateBurst)

		keys, err := cfg.GuardianAddresses()
		require.NoError(t, err)
		assert.Equal(t, []common.Address{common.HexToAddress(guardianA), common.HexToAddress(guardianB)}, keys)
	})

	// Test case 2: Test defaults
	t.Run("with defaults", func(t *testing.T) {
		setRequired(t)

		cfg, err := NewConfig()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Equal(t, "", cfg.DbDir)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "1", cfg.SingleUpdateFee)
		assert.Equal(t, 1024, cfg.VerifiedCacheSize)
		assert.Equal(t, 10*time.Second, cfg.RelayInterval)
		assert.Empty(t, cfg.FeedList())
		assert.Zero(t, cfg.UpdateRateLimit)
		assert.Equal(t, 10, cfg.UpdateBurst)
	})

	// Test case 3: Test with missing environment variables
	t.Run("with missing environment variables", func(t *testing.T) {
		t.Setenv("GUARDIANS", "")
		t.Setenv("DATA_SOURCES", "")

		cfg, err := NewConfig()
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("with listen address option", func(t *testing.T) {
		setRequired(t)

		cfg, err := NewConfig(WithListenAddr("127.0.0.1:1234"))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:1234", cfg.ListenAddr)
	})

	t.Run("with env file", func(t *testing.T) {
		// godotenv does not override variables that are already set
		t.Setenv("GUARDIANS", "")
		os.Unsetenv("GUARDIANS")
		t.Setenv("DATA_SOURCES", "")
		os.Unsetenv("DATA_SOURCES")

		path := filepath.Join(t.TempDir(), ".env")
		content := "GUARDIANS=" + guardianA + "\nDATA_SOURCES=26:" + emitter + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		t.Cleanup(func() {
			os.Unsetenv("GUARDIANS")
			os.Unsetenv("DATA_SOURCES")
		})

		cfg, err := NewConfig(WithEnvFile(path))
		require.NoError(t, err)
		assert.Equal(t, guardianA, cfg.Guardians)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}},
		{name: "negative fee", env: map[string]string{"SINGLE_UPDATE_FEE": "-1"}},
		{name: "bad guardian", env: map[string]string{"GUARDIANS": "0x123"}},
		{name: "bad data source", env: map[string]string{"DATA_SOURCES": "pythnet"}},
		{name: "bad relay url", env: map[string]string{"RELAY_URL": "::", "RELAY_FEEDS": btcFeed}},
		{name: "relay without feeds", env: map[string]string{"RELAY_URL": "http://hermes.test"}},
		{name: "bad relay feed", env: map[string]string{"RELAY_URL": "http://hermes.test", "RELAY_FEEDS": "0xabc"}},
		{name: "negative rate limit", env: map[string]string{"UPDATE_RATE_LIMIT": "-1"}},
		{name: "zero burst", env: map[string]string{"UPDATE_BURST": "0"}},
		{name: "bad relayer", env: map[string]string{"RELAYER_ADDRESS": "relayer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}
