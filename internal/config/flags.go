package config

import "github.com/spf13/pflag"

// BindFlags registers the shared flags on fs with the current values of c
// as defaults, so flags given on the command line override the file.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	// Consumed by Load before parsing; registered so it is not unknown.
	fs.StringP("config", "c", "", "path to a JSON or YAML config file")

	fs.StringVar(&c.Backend, "backend", c.Backend, "archive store: glacier, s3 or memory")
	fs.StringVar(&c.VaultName, "vault-name", c.VaultName, "vault (or bucket) name")
	fs.StringVar(&c.ServiceEndpoint, "service-endpoint", c.ServiceEndpoint, "service endpoint, e.g. glacier.eu-central-1.amazonaws.com")
	fs.StringVar(&c.SigningRegion, "signing-region", c.SigningRegion, "region used to sign requests")
	fs.StringVar(&c.AccessKeyID, "access-key-id", c.AccessKeyID, "static access key id (default: credential chain)")
	fs.StringVar(&c.SecretAccessKey, "secret-access-key", c.SecretAccessKey, "static secret access key")
	fs.BoolVar(&c.S3PathStyle, "s3-path-style", c.S3PathStyle, "use path-style bucket addressing")

	fs.IntVarP(&c.Workers, "workers", "w", c.Workers, "concurrent part uploads")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "attempts per part before giving up")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", c.RetryBaseDelay, "first retry delay, doubled per attempt (0 retries at once)")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", c.RetryMaxDelay, "cap on the retry delay")
	fs.IntVar(&c.ClientLife, "client-life", c.ClientLife, "calls served by one client before it is rebuilt (0 never)")
	fs.Float64Var(&c.RequestsPerSecond, "requests-per-second", c.RequestsPerSecond, "limit on part upload attempts per second (0 unlimited)")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "how often a retrieval job is polled")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text, json or auto")
}
