// Package mainboilerplate contains shared boilerplate of keepsake programs:
// configuration parsing, logging, diagnostics, and process identity.
package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

var (
	// Version of the build, set via -ldflags.
	Version = "development"
	// BuildDate of the build, set via -ldflags.
	BuildDate = "unknown"
)

// ConfigPaths returns candidate paths of INI file |name|, in order of
// preference: $KEEPSAKE_CONFIG if set, the working directory, and then
// ~/.config/keepsake under $HOME or %UserProfile%.
func ConfigPaths(name string) []string {
	var out []string
	if p := os.Getenv("KEEPSAKE_CONFIG"); p != "" {
		out = append(out, p)
	}
	out = append(out, name)

	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			out = append(out, filepath.Join(home, ".config", "keepsake", name))
		}
	}
	return out
}

// ParseINI parses the first existing file of |paths| into |parser|.
// Options unknown to the parser are ignored. It returns the parsed path,
// which is empty if no file exists.
func ParseINI(parser *flags.Parser, paths []string) (string, error) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var ini = flags.NewIniParser(parser)
	for _, path := range paths {
		if err := ini.ParseFile(path); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return path, err
		}
		return path, nil
	}
	return "", nil
}

// MustParseConfig parses |parser| from the first INI file of
// ConfigPaths(|configName|), then environment bindings, then flags.
func MustParseConfig(parser *flags.Parser, configName string) {
	if path, err := ParseINI(parser, ConfigPaths(configName)); err != nil {
		fmt.Fprintf(os.Stderr, "parsing %s: %s\n", path, err)
		os.Exit(1)
	}
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A developer error in the configuration object, rather than an input error.
		panic(err)
	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		usageExit(parser)
	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors != 0 {
			os.Exit(1)
		}
		usageExit(parser)
	default:
		// go-flags has already printed a message describing the input error.
		os.Exit(1)
	}
}

func usageExit(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
	os.Exit(1)
}

// AddPrintConfigCmd adds a "print-config" command to the Parser, which
// writes the combined configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
