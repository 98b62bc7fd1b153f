package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/config"
	"github.com/dmitrijs2005/glaciermpu/internal/filex"
)

func (a *App) download(ctx context.Context, args []string) int {
	var (
		archiveID, path string
		overwrite       bool
	)

	fs := pflag.NewFlagSet("download", pflag.ContinueOnError)
	fs.StringVar(&archiveID, "archive-id", "", "archive to retrieve (required)")
	fs.StringVarP(&path, "download-path", "o", "", "destination file (required)")
	fs.BoolVar(&overwrite, "overwrite", false, "replace the destination if it exists")

	cmd, code := a.setup(ctx, "download", fs, args, func(cfg *config.Config) error {
		return errors.Join(
			requireFlag(archiveID, "archive-id"),
			requireFlag(path, "download-path"),
			requireFlag(cfg.VaultName, "vault-name"),
		)
	})
	if code >= 0 {
		return code
	}
	defer cmd.close(ctx)

	dest, err := filex.PrepareDest(path, overwrite)
	if err != nil {
		cmd.logger.Error(ctx, "download failed", "error", err)
		fmt.Fprintf(a.stderr, "download failed: %v\n", err)
		return ExitFailure
	}

	cmd.logger.Info(ctx, "starting download", "archive_id", archiveID, "dest", dest)
	err = cmd.conns.Do(ctx, func(c archive.Client) error {
		return c.Download(ctx, cmd.cfg.VaultName, archiveID, dest)
	})
	if err != nil {
		cmd.logger.Error(ctx, "download failed", "archive_id", archiveID, "error", err)
		fmt.Fprintf(a.stderr, "download failed: %v\n", err)
		return ExitFailure
	}

	cmd.logger.Info(ctx, "download finished", "archive_id", archiveID, "dest", dest)
	fmt.Fprintf(a.stdout, "downloaded %s to %s\n", archiveID, dest)
	return ExitOK
}
