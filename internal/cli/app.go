// Package cli implements the glacier command: it wires configuration,
// logging, the selected archive store and the upload pipeline, and maps
// outcomes to exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/archive/glacierstore"
	"github.com/dmitrijs2005/glaciermpu/internal/archive/memstore"
	"github.com/dmitrijs2005/glaciermpu/internal/archive/s3store"
	"github.com/dmitrijs2005/glaciermpu/internal/buildinfo"
	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/config"
	"github.com/dmitrijs2005/glaciermpu/internal/connmgr"
	"github.com/dmitrijs2005/glaciermpu/internal/logging"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

const usage = `usage: glacier <command> [flags]

commands:
  upload     upload a file as a multipart archive
  download   retrieve an archive into a local file
  version    print build information

Run "glacier <command> --help" for the flags of a command.
`

// newFactory builds the client factory for the configured backend.
var newFactory = func(ctx context.Context, cfg *config.Config, logger logging.Logger) (connmgr.Factory, error) {
	switch cfg.Backend {
	case config.BackendGlacier:
		return glacierstore.NewFactory(ctx, glacierstore.Options{
			Endpoint:        cfg.ServiceEndpoint,
			Region:          cfg.SigningRegion,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			PollInterval:    cfg.PollInterval,
			Logger:          logger,
		})
	case config.BackendS3:
		return s3store.NewFactory(ctx, s3store.Options{
			Endpoint:        cfg.ServiceEndpoint,
			Region:          cfg.SigningRegion,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
			Logger:          logger,
		})
	case config.BackendMemory:
		store := memstore.New()
		return func(context.Context) (archive.Client, error) { return store.Handle(), nil }, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// App runs one command.
type App struct {
	stdout io.Writer
	stderr io.Writer
}

// NewApp returns an App printing results to stdout and diagnostics, logs
// included, to stderr.
func NewApp(stdout, stderr io.Writer) *App {
	return &App{stdout: stdout, stderr: stderr}
}

// Run executes the command in args (without the program name) and returns
// the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer initSignalHandler(cancel)()

	if len(args) == 0 {
		fmt.Fprint(a.stderr, usage)
		return ExitUsage
	}

	switch args[0] {
	case "upload":
		return a.upload(ctx, args[1:])
	case "download":
		return a.download(ctx, args[1:])
	case "version":
		buildinfo.PrintBuildData(a.stdout)
		return ExitOK
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, usage)
		return ExitOK
	default:
		fmt.Fprintf(a.stderr, "unknown command %q\n\n%s", args[0], usage)
		return ExitUsage
	}
}

// initSignalHandler cancels the run on SIGINT or SIGTERM. The returned
// function stops listening.
func initSignalHandler(cancelFunc context.CancelFunc) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cancelFunc()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// command is the state shared by upload and download once flags are parsed.
type command struct {
	cfg    *config.Config
	logger logging.Logger
	conns  *connmgr.Manager
}

// setup parses args into fs plus the shared flags, checks required flags and
// builds the logger and connection manager. A non-negative code means the
// command must stop with that exit code.
func (a *App) setup(ctx context.Context, name string, fs *pflag.FlagSet, args []string, required func(*config.Config) error) (*command, int) {
	fs.SetOutput(a.stderr)

	cfg, err := config.Load(fs, args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil, ExitOK
	}
	if err == nil && fs.NArg() > 0 {
		err = fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if err == nil {
		err = required(cfg)
	}
	if err != nil {
		return nil, a.usageError(name, fs, err)
	}

	logger, err := logging.New(a.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, a.usageError(name, fs, err)
	}
	l := logger.With("run_id", uuid.NewString(), "command", name)

	factory, err := newFactory(ctx, cfg, l)
	if err != nil {
		l.Error(ctx, "backend setup failed", "backend", cfg.Backend, "error", err)
		fmt.Fprintf(a.stderr, "%s failed: %v\n", name, err)
		return nil, ExitFailure
	}

	return &command{
		cfg:    cfg,
		logger: l,
		conns:  connmgr.New(factory, cfg.ClientLife, l),
	}, -1
}

func (c *command) close(ctx context.Context) {
	if err := c.conns.Shutdown(); err != nil {
		c.logger.Warn(ctx, "closing store client", "error", err)
	}
	s := c.conns.Stats()
	c.logger.Debug(ctx, "store clients", "builds", s.Builds, "borrows", s.Borrows, "retired", s.Retired)
}

func (a *App) usageError(name string, fs *pflag.FlagSet, err error) int {
	err = common.Usage(name, err)
	fmt.Fprintf(a.stderr, "%v\n\nusage: glacier %s [flags]\n%s", err, name, fs.FlagUsages())
	return ExitUsage
}

func requireFlag(value, name string) error {
	if value == "" {
		return fmt.Errorf("%w: --%s", common.ErrMissingFlag, name)
	}
	return nil
}
