// Package config loads the settings of a preparation run.
//
// Settings come from an optional YAML file and are then overridden by command
// line flags. Unknown keys in the file are rejected so typos do not silently
// fall back to defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"dumpprep/internal/acquire"
	"dumpprep/internal/workspace"
)

const (
	DefaultMirror        = "https://archive.org/download/stackexchange"
	DefaultContainerExt  = "7z"
	DefaultSortChunkRows = 200_000

	// StateDirName is the state directory created inside the workspace when
	// state_dir is not set.
	StateDirName = ".dumpprep"
)

// Config is the complete configuration of one run.
type Config struct {
	// Mirror is the base URL containers are downloaded from.
	Mirror string `yaml:"mirror"`

	// Domain is the site whose dump is prepared, e.g. cooking.stackexchange.com.
	Domain string `yaml:"domain"`

	// Workspace is the directory holding containers, streams and artifacts.
	Workspace string `yaml:"workspace"`

	// KeepIntermediateFiles keeps containers and consumed raw streams.
	KeepIntermediateFiles bool `yaml:"keep_intermediate_files"`

	// Workers bounds concurrent container acquisition. 0 means one per container.
	Workers int `yaml:"workers"`

	// ContainerExt is the container suffix on the mirror: 7z, tar.zst or tar.lz4.
	ContainerExt string `yaml:"container_ext"`

	// ShardedDomains lists the domains published as one container per stream.
	ShardedDomains []string `yaml:"sharded_domains"`

	// Downloader is auto, http or wget.
	Downloader string `yaml:"downloader"`
	UserAgent  string `yaml:"user_agent"`

	// SortChunkRows bounds the rows each external sort keeps in memory.
	SortChunkRows int `yaml:"sort_chunk_rows"`

	// StateDir holds run records. Defaults to <workspace>/.dumpprep.
	StateDir string `yaml:"state_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsFile, if set, receives a node exporter textfile after the run.
	MetricsFile string `yaml:"metrics_file"`

	// TraceFile, if set, receives the canonical decision trace after the run.
	TraceFile string `yaml:"trace_file"`
}

// Default returns the configuration used before the file and flags are applied.
func Default() *Config {
	return &Config{
		Mirror:         DefaultMirror,
		ContainerExt:   DefaultContainerExt,
		ShardedDomains: []string{"stackoverflow.com"},
		Downloader:     string(acquire.DownloaderAuto),
		SortChunkRows:  DefaultSortChunkRows,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Normalize fills derived defaults. Call it after flags are applied.
func (c *Config) Normalize() {
	c.Mirror = strings.TrimRight(strings.TrimSpace(c.Mirror), "/")
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
	c.ContainerExt = strings.TrimPrefix(strings.TrimSpace(c.ContainerExt), ".")
	if c.Workspace != "" {
		c.Workspace = filepath.Clean(c.Workspace)
	}
	if c.StateDir == "" && c.Workspace != "" {
		c.StateDir = filepath.Join(c.Workspace, StateDirName)
	}
	if c.SortChunkRows == 0 {
		c.SortChunkRows = DefaultSortChunkRows
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Mirror == "" {
		errs = append(errs, errors.New("mirror is required"))
	} else if !strings.HasPrefix(c.Mirror, "http://") && !strings.HasPrefix(c.Mirror, "https://") {
		errs = append(errs, fmt.Errorf("mirror must be an http(s) URL: %q", c.Mirror))
	}
	if c.Domain == "" {
		errs = append(errs, errors.New("domain is required"))
	} else if strings.ContainsAny(c.Domain, "/\\ ") {
		errs = append(errs, fmt.Errorf("domain must be a bare host name: %q", c.Domain))
	}
	if c.Workspace == "" {
		errs = append(errs, errors.New("workspace is required"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must be >= 0"))
	}
	if !acquire.SupportedExtension(c.ContainerExt) {
		errs = append(errs, fmt.Errorf("container_ext %q is not supported (want 7z, tar.zst or tar.lz4)", c.ContainerExt))
	}
	if _, err := acquire.ParseDownloader(c.Downloader); err != nil {
		errs = append(errs, err)
	}
	if c.SortChunkRows < 0 {
		errs = append(errs, errors.New("sort_chunk_rows must be > 0"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json: %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// DeleteSource reports whether containers and consumed streams are removed.
func (c *Config) DeleteSource() bool { return !c.KeepIntermediateFiles }

// Sharded reports whether the domain is published as one container per stream.
func (c *Config) Sharded() bool { return slices.Contains(c.ShardedDomains, c.Domain) }

func (c *Config) Layout() workspace.Layout {
	return workspace.Layout{
		Mirror:  c.Mirror,
		Domain:  c.Domain,
		Ext:     c.ContainerExt,
		Sharded: c.Sharded(),
	}
}

// ContainerSpecs is the full container set of the configured domain.
func (c *Config) ContainerSpecs() []workspace.ContainerSpec {
	return c.Layout().ContainerSpecs()
}
