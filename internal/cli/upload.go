package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/config"
	"github.com/dmitrijs2005/glaciermpu/internal/upload"
)

func (a *App) upload(ctx context.Context, args []string) int {
	var file, description string

	fs := pflag.NewFlagSet("upload", pflag.ContinueOnError)
	fs.StringVarP(&file, "file", "f", "", "file to upload (required)")
	fs.StringVarP(&description, "description", "d", "", "archive description")

	cmd, code := a.setup(ctx, "upload", fs, args, func(cfg *config.Config) error {
		return errors.Join(requireFlag(file, "file"), requireFlag(cfg.VaultName, "vault-name"))
	})
	if code >= 0 {
		return code
	}
	defer cmd.close(ctx)

	orch := upload.NewOrchestrator(cmd.conns, upload.Options{
		Workers: cmd.cfg.Workers,
		Retry: upload.RetryOptions{
			MaxAttempts:       cmd.cfg.MaxAttempts,
			BaseDelay:         cmd.cfg.RetryBaseDelay,
			MaxDelay:          cmd.cfg.RetryMaxDelay,
			RequestsPerSecond: cmd.cfg.RequestsPerSecond,
		},
	}, cmd.logger)

	res, err := orch.UploadFile(ctx, file, description, cmd.cfg.VaultName)
	if err != nil {
		fmt.Fprintf(a.stderr, "upload failed: %v\n", err)
		if id := common.UploadIDOf(err); id != "" {
			fmt.Fprintf(a.stderr, "the multipart upload %s is still open\n", id)
		}
		return ExitFailure
	}

	fmt.Fprintf(a.stdout, "archive id: %s\nchecksum:   %s\nlocation:   %s\n", res.ArchiveID, res.Checksum, res.Location)
	return ExitOK
}
