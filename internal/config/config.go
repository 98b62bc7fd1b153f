// Package config assembles the uploader's settings from defaults, an
// optional JSON or YAML file and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/flagx"
)

// Backends accepted by the Backend field.
const (
	BackendGlacier = "glacier"
	BackendS3      = "s3"
	BackendMemory  = "memory"
)

// Config holds runtime settings shared by every command.
type Config struct {
	// Backend selects the archive store: glacier, s3 or memory.
	Backend         string
	VaultName       string
	ServiceEndpoint string
	SigningRegion   string
	// Static credentials; empty means the AWS default credential chain.
	AccessKeyID     string
	SecretAccessKey string
	// S3PathStyle addresses buckets as endpoint/bucket (MinIO).
	S3PathStyle bool

	Workers           int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	ClientLife        int
	RequestsPerSecond float64
	PollInterval      time.Duration

	LogLevel  string
	LogFormat string
}

// LoadDefaults populates Config with production defaults.
func (c *Config) LoadDefaults() {
	c.Backend = BackendGlacier
	c.Workers = common.DefaultWorkers
	c.MaxAttempts = common.DefaultMaxAttempts
	c.RetryBaseDelay = 100 * time.Millisecond
	c.RetryMaxDelay = 5 * time.Second
	c.ClientLife = common.DefaultClientLife
	c.PollInterval = 15 * time.Minute
	c.LogLevel = "info"
	c.LogFormat = "auto"
}

// Load builds a Config from defaults, then the file named by -c/--config in
// args, then the flags in args. fs may already carry command-specific flags;
// Load adds the shared ones and parses args into fs.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if path := flagx.ConfigFile(args); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	BindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

var errInvalid = errors.New("invalid configuration")

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendGlacier, BackendS3, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("backend %q is not one of glacier, s3, memory", c.Backend))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.ClientLife < 0 {
		errs = append(errs, fmt.Errorf("client life must not be negative, got %d", c.ClientLife))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 || c.PollInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests per second must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errInvalid, errors.Join(errs...))
	}
	return nil
}
