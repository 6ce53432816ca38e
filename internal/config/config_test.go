package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	var (
		addr = "localhost:8080"
		dsn  = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name string
		addr string
		dsn  string
		key  string
		orig []string
		err  bool
	}{
		{
			name: "valid config",
			addr: addr,
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  false,
		},
		{
			name: "empty address",
			addr: "",
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty DSN",
			addr: addr,
			dsn:  "",
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty signing key",
			addr: addr,
			dsn:  dsn,
			key:  "",
			orig: orig,
			err:  true,
		},
		{
			name: "invalid signing key",
			addr: addr,
			dsn:  dsn,
			key:  "invalid_base64",
			orig: orig,
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config := &Config{
				ServerAddr:     tc.addr,
				DatabaseDSN:    tc.dsn,
				Store:          StorePostgres,
				SigningSecret:  tc.key,
				AllowedOrigins: tc.orig,
				TypingTimeout:  5 * time.Second,
				EventRate:      20,
				EventBurst:     40,
			}
			err := config.Validate()
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, tc.dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, tc.orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("reads environment", func(t *testing.T) {
		t.Setenv("GOSOCIAL_ADDR", ":9000")
		t.Setenv("GOSOCIAL_STORE", "badger")
		t.Setenv("GOSOCIAL_SIGNING_KEY", "c29tZV9zZWNyZXQ=")
		t.Setenv("GOSOCIAL_ALLOWED_ORIGINS", "http://a.example,http://b.example")
		t.Setenv("GOSOCIAL_TYPING_TIMEOUT", "3s")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.ServerAddr)
		assert.Equal(t, StoreBadger, cfg.Store)
		assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
		assert.Equal(t, 3*time.Second, cfg.TypingTimeout)
		assert.Equal(t, 40, cfg.EventBurst, "expected default burst")

		require.NoError(t, cfg.Validate())
		assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
	})

	t.Run("reads env file", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		err := os.WriteFile(envFile, []byte("GOSOCIAL_LOG_LEVEL=debug\n"), 0o600)
		require.NoError(t, err)
		t.Cleanup(func() { os.Unsetenv("GOSOCIAL_LOG_LEVEL") })

		cfg, err := Load(envFile)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		require.NoError(t, err)
		assert.Equal(t, "localhost:8000", cfg.ServerAddr)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ServerAddr:    ":8000",
			Store:         StoreBadger,
			SigningSecret: "c29tZV9zZWNyZXQ=",
			TypingTimeout: time.Second,
			EventRate:     1,
			EventBurst:    1,
		}
	}

	tcases := []struct {
		name   string
		modify func(c *Config)
		err    bool
	}{
		{name: "badger without dsn", modify: func(c *Config) {}, err: false},
		{name: "unknown store", modify: func(c *Config) { c.Store = "mongo" }, err: true},
		{name: "postgres without dsn", modify: func(c *Config) { c.Store = StorePostgres }, err: true},
		{name: "zero typing timeout", modify: func(c *Config) { c.TypingTimeout = 0 }, err: true},
		{name: "zero event burst", modify: func(c *Config) { c.EventBurst = 0 }, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
