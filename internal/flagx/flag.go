// Package flagx lets several components parse their own subset of os.Args
// without tripping over each other's flags.
package flagx

import (
	"flag"
	"os"
	"strings"
)

// ConfigEnvVar names the environment variable consulted when no config flag is given.
const ConfigEnvVar = "FILEVAULT_CONFIG"

// FilterArgs returns the subset of args made of the allowed flags and their
// values. Everything else is dropped so each component can hand the result
// to its own flag.FlagSet.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value joined with '=':        --config=conf.json
//
// Parameters:
//
//	args:         the command-line arguments (usually os.Args[1:])
//	allowedFlags: flag names to keep, spelled as on the command line (e.g. "-c", "--config")
//
// Returns:
//
//	A non-nil slice holding the kept flags, each followed by its value when
//	the value was given as a separate argument.
func FilterArgs(args []string, allowedFlags []string) []string {
	// set of allowed names for constant-time lookup
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "-flag=value": keep the whole token when the name is allowed
		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name, _, _ := strings.Cut(arg, "=")
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; !ok {
			continue
		}
		filtered = append(filtered, arg)

		// "-flag value": the next token is the value unless it looks like a flag
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++ // value consumed
		}
	}

	return filtered
}

// JsonConfigFlags extracts the config file path given with -c, -config or
// --config.
//
// Only these flags are parsed and every other argument is ignored, so the
// server's own flag set and cobra commands can read os.Args independently.
//
// If none of the flags is present, an empty string is returned.
func JsonConfigFlags() string {
	var config string

	args := FilterArgs(os.Args[1:], []string{"-c", "-config", "--config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(args)

	return config
}

// ConfigPath resolves the config file: flags first, then FILEVAULT_CONFIG.
func ConfigPath() string {
	if p := JsonConfigFlags(); p != "" {
		return p
	}
	return os.Getenv(ConfigEnvVar)
}
