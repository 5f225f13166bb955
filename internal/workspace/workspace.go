package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Prefixes of transient entries that a crashed run can leave behind.
const (
	extractPrefix = ".extract-"
	sortPrefix    = ".sort-"
	tmpInfix      = ".tmp."
)

// Workspace is the directory serving as working area and completion cache.
type Workspace struct {
	dir string
}

// New opens (creating if needed) the workspace rooted at dir.
func New(dir string) (*Workspace, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("workspace dir is required")
	}
	clean := filepath.Clean(dir)
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: clean}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// Path resolves name inside the workspace.
func (w *Workspace) Path(name string) string { return filepath.Join(w.dir, name) }

// Exists reports whether a regular file called name is present.
func (w *Workspace) Exists(name string) (bool, error) {
	info, err := os.Stat(w.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// Remove deletes the named files. Missing files are not an error.
func (w *Workspace) Remove(names ...string) error {
	var errs []error
	for _, name := range names {
		if err := os.Remove(w.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExtractDir creates a fresh staging directory under root for expanding container.
func ExtractDir(root, container string) (string, error) {
	return os.MkdirTemp(root, extractPrefix+container+"-")
}

// SortDir creates a fresh directory for spill files of one sort or merge stage.
func (w *Workspace) SortDir(stage string) (string, error) {
	return os.MkdirTemp(w.dir, sortPrefix+stage+"-")
}

// CleanStale removes staging dirs, sort dirs and uncommitted temp files left by
// an interrupted run. Partial downloads (.part) are kept so they can resume.
func (w *Workspace) CleanStale() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	var removed []string
	var errs []error
	for _, e := range entries {
		name := e.Name()
		stale := false
		switch {
		case e.IsDir():
			stale = strings.HasPrefix(name, extractPrefix) || strings.HasPrefix(name, sortPrefix)
		default:
			stale = strings.Contains(name, tmpInfix)
		}
		if !stale {
			continue
		}
		if err := os.RemoveAll(w.Path(name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

// Create starts writing the workspace file name. See CreateAtomic.
func (w *Workspace) Create(name string) (*PendingFile, error) {
	return CreateAtomic(w.Path(name))
}

// PendingFile is a file being written under a temporary name in its final
// directory. Nothing is visible under the final path until Commit succeeds.
type PendingFile struct {
	*os.File
	path     string
	finished bool
}

// CreateAtomic opens a temporary file next to path.
func CreateAtomic(path string) (*PendingFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+tmpInfix+"*")
	if err != nil {
		return nil, err
	}
	return &PendingFile{File: f, path: path}, nil
}

// Path is the final path the file is committed to.
func (p *PendingFile) Path() string { return p.path }

// Commit syncs, closes and renames the file into place, then syncs the directory.
func (p *PendingFile) Commit() error {
	if p.finished {
		return fmt.Errorf("pending file %s already finished", p.path)
	}
	p.finished = true
	tmpName := p.File.Name()
	if err := p.File.Sync(); err != nil {
		_ = p.File.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := p.File.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return fsyncDir(filepath.Dir(p.path))
}

// Abort discards the file. It is a no-op after Commit, so it is safe to defer.
func (p *PendingFile) Abort() {
	if p.finished {
		return
	}
	p.finished = true
	_ = p.File.Close()
	_ = os.Remove(p.File.Name())
}

// WriteFileAtomic writes data to path with PendingFile semantics.
func WriteFileAtomic(path string, data []byte) error {
	p, err := CreateAtomic(path)
	if err != nil {
		return err
	}
	defer p.Abort()
	if _, err := p.Write(data); err != nil {
		return err
	}
	return p.Commit()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
