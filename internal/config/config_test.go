package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newFlagSet() *pflag.FlagSet {
	return pflag.NewFlagSet("test", pflag.ContinueOnError)
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()

	assert.Equal(t, BackendGlacier, c.Backend)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 200, c.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, c.RetryBaseDelay)
	assert.Equal(t, 5*time.Second, c.RetryMaxDelay)
	assert.Equal(t, 60, c.ClientLife)
	assert.Equal(t, 15*time.Minute, c.PollInterval)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "auto", c.LogFormat)
	assert.NoError(t, c.Validate())
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "cfg.json", `{
		"vault_name": "photos",
		"service_endpoint": "glacier.eu-central-1.amazonaws.com",
		"signing_region": "eu-central-1",
		"workers": 8,
		"retry_base_delay": "250ms",
		"retry_max_delay": 2000000000
	}`)

	c := defaults()
	require.NoError(t, LoadFile(c, path))

	want := defaults()
	want.VaultName = "photos"
	want.ServiceEndpoint = "glacier.eu-central-1.amazonaws.com"
	want.SigningRegion = "eu-central-1"
	want.Workers = 8
	want.RetryBaseDelay = 250 * time.Millisecond
	want.RetryMaxDelay = 2 * time.Second

	assert.Empty(t, cmp.Diff(want, c), "keys missing from the file keep their defaults")
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
backend: s3
vault_name: backups
service_endpoint: http://127.0.0.1:9000
s3_path_style: true
poll_interval: 30s
requests_per_second: 12.5
log_format: json
`)

	c := defaults()
	require.NoError(t, LoadFile(c, path))

	assert.Equal(t, BackendS3, c.Backend)
	assert.Equal(t, "backups", c.VaultName)
	assert.True(t, c.S3PathStyle)
	assert.Equal(t, 30*time.Second, c.PollInterval)
	assert.Equal(t, 12.5, c.RequestsPerSecond)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, 4, c.Workers)
}

func TestLoadFile_Errors(t *testing.T) {
	c := defaults()

	err := LoadFile(c, filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read config file")

	err = LoadFile(c, writeFile(t, "bad.json", `{"workers": "many"}`))
	assert.ErrorContains(t, err, "parse config file")

	err = LoadFile(c, writeFile(t, "bad.yml", "retry_base_delay: soon\n"))
	assert.ErrorContains(t, err, "parse config file")
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"vault_name": "from-file", "workers": 8, "max_attempts": 10}`)

	fs := newFlagSet()
	var file string
	fs.StringVar(&file, "file", "", "")

	cfg, err := Load(fs, []string{"--file", "a.bin", "-c", path, "--workers", "2", "--retry-base-delay", "0s"})
	require.NoError(t, err)

	assert.Equal(t, "a.bin", file, "command flags parse alongside shared ones")
	assert.Equal(t, "from-file", cfg.VaultName, "file overrides defaults")
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, 2, cfg.Workers, "flags override the file")
	assert.Zero(t, cfg.RetryBaseDelay)
	assert.Equal(t, 5*time.Second, cfg.RetryMaxDelay, "untouched values keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(newFlagSet(), []string{"--no-such-flag"})
	assert.Error(t, err)

	_, err = Load(newFlagSet(), []string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.ErrorContains(t, err, "read config file")

	_, err = Load(newFlagSet(), []string{"--backend", "tape"})
	assert.ErrorIs(t, err, errInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "memory backend", mutate: func(c *Config) { c.Backend = BackendMemory }, ok: true},
		{name: "client life zero", mutate: func(c *Config) { c.ClientLife = 0 }, ok: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "ftp" }},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }},
		{name: "no attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "negative life", mutate: func(c *Config) { c.ClientLife = -1 }},
		{name: "negative delay", mutate: func(c *Config) { c.RetryBaseDelay = -time.Second }},
		{name: "negative rate", mutate: func(c *Config) { c.RequestsPerSecond = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errInvalid)
			}
		})
	}
}
