// Package flagx holds helpers for pre-scanning command-line arguments before
// the full flag set is known.
package flagx

import (
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// FilterArgs returns the arguments in args that belong to one of
// allowedFlags, together with their values.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.yaml
//  2. Flag and value combined with '=':      --config=conf.yaml
//
// A separate value is only taken when it does not itself start with '-'.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" ends flag parsing; the rest are positional.
		if arg == "--" {
			break
		}

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// ConfigFile returns the path given with -c or --config in args, or "" when
// neither is present. When the flag repeats, the last value wins. Other
// arguments are ignored so the caller can parse them once its flag set is
// complete.
func ConfigFile(args []string) string {
	var path string

	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&path, "config", "c", "", "path to config file")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "--config"}))

	return path
}
