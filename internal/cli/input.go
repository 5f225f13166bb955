package cli

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"dumpprep/internal/config"
)

const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

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

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a validated Config.
//
// The config file named by --config is loaded first; flags given on the command
// line override it. The environment is not consulted.
func ParseInvocation(args []string) (*config.Config, error) {
	fs := pflag.NewFlagSet("dumpprep", pflag.ContinueOnError)
	var usage bytes.Buffer
	fs.SetOutput(&usage)

	var (
		configPath  string
		mirror      string
		domain      string
		ws          string
		keep        bool
		workers     int
		logLevel    string
		logFormat   string
		metricsFile string
		tracePath   string
	)
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&mirror, "mirror", config.DefaultMirror, "Base URL of the dump mirror")
	fs.StringVar(&domain, "domain", "", "Site to prepare, e.g. cooking.stackexchange.com")
	fs.StringVar(&ws, "workspace", "", "Workspace directory")
	fs.BoolVar(&keep, "keep-intermediate-files", false, "Keep containers and consumed raw streams")
	fs.IntVar(&workers, "workers", 0, "Concurrent container downloads (0: one per container)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	fs.StringVar(&metricsFile, "metrics-file", "", "Write prometheus textfile metrics to this path")
	fs.StringVar(&tracePath, "trace", "", "Write the canonical decision trace to this path")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, &InvocationError{ExitCode: ExitSuccess, Message: "Usage of dumpprep:\n" + fs.FlagUsages()}
		}
		return nil, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return nil, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	cfg := config.Default()
	if strings.TrimSpace(configPath) != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return nil, configErrorf("load config: %v", err)
		}
		cfg = loaded
	}

	if fs.Changed("mirror") {
		cfg.Mirror = mirror
	}
	if fs.Changed("domain") {
		cfg.Domain = domain
	}
	if fs.Changed("workspace") {
		cfg.Workspace = ws
	}
	if fs.Changed("keep-intermediate-files") {
		cfg.KeepIntermediateFiles = keep
	}
	if fs.Changed("workers") {
		cfg.Workers = workers
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if fs.Changed("metrics-file") {
		cfg.MetricsFile = metricsFile
	}
	if fs.Changed("trace") {
		cfg.TraceFile = tracePath
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, configErrorf("invalid configuration:\n%v", err)
	}
	return cfg, nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// Unknown errors map to ExitInternalError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		return invErr.ExitCode
	}
	return ExitInternalError
}
