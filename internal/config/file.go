package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/glaciermpu/internal/timex"
)

// FileConfig is the on-disk form of Config. Durations accept "5s" or
// integer nanoseconds. Keys missing from the file keep their current value.
type FileConfig struct {
	Backend           string         `json:"backend" yaml:"backend"`
	VaultName         string         `json:"vault_name" yaml:"vault_name"`
	ServiceEndpoint   string         `json:"service_endpoint" yaml:"service_endpoint"`
	SigningRegion     string         `json:"signing_region" yaml:"signing_region"`
	AccessKeyID       string         `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey   string         `json:"secret_access_key" yaml:"secret_access_key"`
	S3PathStyle       bool           `json:"s3_path_style" yaml:"s3_path_style"`
	Workers           int            `json:"workers" yaml:"workers"`
	MaxAttempts       int            `json:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay    timex.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay     timex.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	ClientLife        int            `json:"client_life" yaml:"client_life"`
	RequestsPerSecond float64        `json:"requests_per_second" yaml:"requests_per_second"`
	PollInterval      timex.Duration `json:"poll_interval" yaml:"poll_interval"`
	LogLevel          string         `json:"log_level" yaml:"log_level"`
	LogFormat         string         `json:"log_format" yaml:"log_format"`
}

func toFile(c *Config) FileConfig {
	return FileConfig{
		Backend:           c.Backend,
		VaultName:         c.VaultName,
		ServiceEndpoint:   c.ServiceEndpoint,
		SigningRegion:     c.SigningRegion,
		AccessKeyID:       c.AccessKeyID,
		SecretAccessKey:   c.SecretAccessKey,
		S3PathStyle:       c.S3PathStyle,
		Workers:           c.Workers,
		MaxAttempts:       c.MaxAttempts,
		RetryBaseDelay:    timex.Duration{Duration: c.RetryBaseDelay},
		RetryMaxDelay:     timex.Duration{Duration: c.RetryMaxDelay},
		ClientLife:        c.ClientLife,
		RequestsPerSecond: c.RequestsPerSecond,
		PollInterval:      timex.Duration{Duration: c.PollInterval},
		LogLevel:          c.LogLevel,
		LogFormat:         c.LogFormat,
	}
}

func (f FileConfig) apply(c *Config) {
	c.Backend = f.Backend
	c.VaultName = f.VaultName
	c.ServiceEndpoint = f.ServiceEndpoint
	c.SigningRegion = f.SigningRegion
	c.AccessKeyID = f.AccessKeyID
	c.SecretAccessKey = f.SecretAccessKey
	c.S3PathStyle = f.S3PathStyle
	c.Workers = f.Workers
	c.MaxAttempts = f.MaxAttempts
	c.RetryBaseDelay = f.RetryBaseDelay.Duration
	c.RetryMaxDelay = f.RetryMaxDelay.Duration
	c.ClientLife = f.ClientLife
	c.RequestsPerSecond = f.RequestsPerSecond
	c.PollInterval = f.PollInterval.Duration
	c.LogLevel = f.LogLevel
	c.LogFormat = f.LogFormat
}

// LoadFile overlays the file at path onto c. Files ending in .yaml or .yml
// are YAML; anything else is JSON.
func LoadFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	f := toFile(c)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	f.apply(c)
	return nil
}
