package flagenv

import (
	"errors"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
)

// Name returns the environment variable for a flag: prefix, underscore,
// then the flag name upper-cased with dashes as underscores.
func Name(prefix, flagName string) string {
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Apply fills every flag that was not set on the command line from its
// environment variable. Command-line values win.
func Apply(fs *flag.FlagSet, prefix string) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Changed {
			return
		}
		key := Name(prefix, f.Name)
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	})
	return errors.Join(errs...)
}
