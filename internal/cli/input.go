package cli

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	ExitSuccess           = 0
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitDataError         = 4
	ExitStageFailure      = 5
	ExitInternalError     = 6
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// Invocation is the canonical description of one run.
//
// DBPath is required and must be absolute. Relative --config and --trace
// paths are resolved under DBPath, never under the process working directory.
type Invocation struct {
	Site       string
	Year       int
	DBPath     string
	ConfigPath string
	Trace      TraceConfig
	Verbose    bool
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a canonical Invocation. It reads no
// environment variables.
func ParseInvocation(args []string) (Invocation, error) {
	fs := flag.NewFlagSet("fluxweaver", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		site       string
		year       int
		dbPath     string
		configPath string
		tracePath  string
		verbose    bool
	)
	fs.StringVar(&site, "site", "", "Site ID. Required.")
	fs.IntVar(&year, "year", 0, "Year to gap-fill. Required.")
	fs.StringVar(&dbPath, "db-path", "", "Absolute path of the flux database. Required.")
	fs.StringVar(&configPath, "config", "", "Run configuration override (optional).")
	fs.StringVar(&tracePath, "trace", "", "Decision trace output path (optional).")
	fs.BoolVar(&verbose, "verbose", false, "Development logging at debug level.")

	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	site = strings.TrimSpace(site)
	switch {
	case site == "":
		return Invocation{}, invalidInvocationf("--site is required")
	case site == "." || site == ".." || strings.ContainsAny(site, `/\`) || strings.HasPrefix(site, "."):
		return Invocation{}, invalidInvocationf("--site %q is not a valid site ID", site)
	}
	if year <= 0 {
		return Invocation{}, invalidInvocationf("--year is required and must be positive")
	}

	if strings.TrimSpace(dbPath) == "" {
		return Invocation{}, invalidInvocationf("--db-path is required")
	}
	dbPath = filepath.Clean(dbPath)
	if !filepath.IsAbs(dbPath) {
		return Invocation{}, invalidInvocationf("--db-path must be an absolute path (got %q)", dbPath)
	}

	inv := Invocation{Site: site, Year: year, DBPath: dbPath, Verbose: verbose}
	if strings.TrimSpace(configPath) != "" {
		p, err := resolveUnderDB(dbPath, configPath)
		if err != nil {
			return Invocation{}, err
		}
		inv.ConfigPath = p
	}
	if strings.TrimSpace(tracePath) != "" {
		p, err := resolveUnderDB(dbPath, tracePath)
		if err != nil {
			return Invocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: p}
	}
	return inv, nil
}

func resolveUnderDB(dbPath, p string) (string, error) {
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Join(dbPath, clean), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// Anything that is not an invocation error maps to ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
