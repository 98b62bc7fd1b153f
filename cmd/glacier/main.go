package main

import (
	"context"
	"os"

	"github.com/dmitrijs2005/glaciermpu/internal/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	os.Exit(app.Run(context.Background(), os.Args[1:]))
}
