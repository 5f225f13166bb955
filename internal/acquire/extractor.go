package acquire

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"

	"dumpprep/internal/metrics"
	"dumpprep/internal/workspace"
)

type containerFormat int

const (
	formatUnknown containerFormat = iota
	format7z
	formatTarZstd
	formatTarLz4
)

func detectFormat(name string) containerFormat {
	n := strings.ToLower(name)
	switch {
	case strings.HasSuffix(n, ".7z"):
		return format7z
	case strings.HasSuffix(n, ".tar.zst"), strings.HasSuffix(n, ".tar.zstd"):
		return formatTarZstd
	case strings.HasSuffix(n, ".tar.lz4"):
		return formatTarLz4
	default:
		return formatUnknown
	}
}

// SupportedExtension reports whether containers named with ext can be extracted.
func SupportedExtension(ext string) bool {
	return detectFormat("x."+strings.TrimPrefix(ext, ".")) != formatUnknown
}

var sevenZipBinaries = []string{"7z", "7zz", "7za"}

// Extractor expands a container and keeps only the recognized raw streams.
//
// The container is expanded into a private staging directory inside the
// workspace. Streams are moved to the workspace root only after the whole
// container expanded, so a failed extraction leaves no stream behind.
type Extractor struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// LookPath resolves external binaries; nil means exec.LookPath.
	LookPath func(file string) (string, error)
	// InProcess7z forces the built-in 7z decoder even when a 7z binary exists.
	InProcess7z bool
}

func NewExtractor(logger logrus.FieldLogger, m *metrics.Metrics) *Extractor {
	return &Extractor{Logger: logger, Metrics: m}
}

// Extract expands containerPath into workspaceDir and returns the streams it
// promoted, sorted by name. With deleteSource the container file is removed
// after a successful extraction. Failures are returned as *ExtractionError.
func (x *Extractor) Extract(ctx context.Context, containerPath, workspaceDir string, deleteSource bool) ([]workspace.StreamName, error) {
	name := filepath.Base(containerPath)
	log := x.logger().WithFields(logrus.Fields{"action": "extract", "container": name})
	fail := func(err error) ([]workspace.StreamName, error) {
		return nil, &ExtractionError{Container: name, Err: err}
	}

	format := detectFormat(name)
	if format == formatUnknown {
		return fail(ErrUnsupportedContainer)
	}

	staging, err := workspace.ExtractDir(workspaceDir, name)
	if err != nil {
		return fail(err)
	}
	defer os.RemoveAll(staging)

	log.Info("extracting")
	switch format {
	case format7z:
		err = x.expand7z(ctx, containerPath, staging)
	case formatTarZstd:
		err = expandTar(ctx, containerPath, staging, func(r io.Reader) (io.Reader, func(), error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr, zr.Close, nil
		})
	case formatTarLz4:
		err = expandTar(ctx, containerPath, staging, func(r io.Reader) (io.Reader, func(), error) {
			return lz4.NewReader(r), func() {}, nil
		})
	}
	if err != nil {
		return fail(err)
	}

	streams, pruned, err := promote(staging, workspaceDir)
	if err != nil {
		return fail(err)
	}

	if deleteSource {
		if err := os.Remove(containerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fail(fmt.Errorf("delete container: %w", err))
		}
	}

	x.Metrics.StreamsExtracted(len(streams), pruned)
	log.WithFields(logrus.Fields{"streams": len(streams), "pruned": pruned}).Info("extracted")
	return streams, nil
}

func (x *Extractor) logger() logrus.FieldLogger {
	if x.Logger == nil {
		return logrus.StandardLogger()
	}
	return x.Logger
}

func (x *Extractor) expand7z(ctx context.Context, src, staging string) error {
	if !x.InProcess7z {
		lookPath := x.LookPath
		if lookPath == nil {
			lookPath = exec.LookPath
		}
		for _, bin := range sevenZipBinaries {
			if p, err := lookPath(bin); err == nil {
				return run7z(ctx, p, src, staging)
			}
		}
	}
	return expand7zInProcess(ctx, src, staging)
}

func run7z(ctx context.Context, bin, src, staging string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "x", "-y", "-bd", "-o"+staging, src)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, lastLine(strings.TrimSpace(out.String())))
	}
	return nil
}

func expand7zInProcess(ctx context.Context, src, staging string) error {
	r, err := sevenzip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := stagingPath(staging, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		err = writeEntry(target, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

type decompressor func(io.Reader) (io.Reader, func(), error)

func expandTar(ctx context.Context, src, staging string, decompress decompressor) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	dr, closeFn, err := decompress(f)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := stagingPath(staging, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return fmt.Errorf("%s: %w", hdr.Name, err)
			}
		default:
			// Links and device entries never carry streams.
		}
	}
}

// stagingPath resolves an archive entry name inside staging and rejects names
// that escape it.
func stagingPath(staging, name string) (string, error) {
	target := filepath.Join(staging, filepath.FromSlash(name))
	rel, err := filepath.Rel(staging, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("entry %q escapes the extraction directory", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	return errors.Join(copyErr, closeErr)
}

// promote moves recognized stream files from staging into dir and counts the
// files left behind. A stream name found twice in staging is an error. When a
// rename fails, streams already moved are removed again.
func promote(staging, dir string) ([]workspace.StreamName, int, error) {
	found := make(map[workspace.StreamName]string)
	pruned := 0
	err := filepath.WalkDir(staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		s, ok := workspace.ParseStreamFile(d.Name())
		if !ok {
			pruned++
			return nil
		}
		if prev, dup := found[s]; dup {
			return fmt.Errorf("stream %s appears twice: %s and %s", s, relTo(staging, prev), relTo(staging, path))
		}
		found[s] = path
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	streams := make([]workspace.StreamName, 0, len(found))
	for s := range found {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })

	for i, s := range streams {
		if err := os.Rename(found[s], filepath.Join(dir, s.FileName())); err != nil {
			for _, done := range streams[:i] {
				_ = os.Remove(filepath.Join(dir, done.FileName()))
			}
			return nil, 0, err
		}
	}
	return streams, pruned, nil
}

func relTo(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}
