package extsort

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pierrec/lz4/v4"

	"dumpprep/internal/workspace"
	"dumpprep/internal/xmlstream"
)

// DefaultChunkRows bounds the rows held in memory when Options.ChunkRows is unset.
const DefaultChunkRows = 200_000

const runRoot = "run"

// Options configures one sort.
type Options struct {
	// Key is the integer attribute to sort by. Required.
	Key string

	// Keep, if set, drops rows for which it returns false before sorting.
	Keep func(xmlstream.Row) bool

	// ChunkRows is the maximum number of rows buffered before spilling.
	ChunkRows int

	// TempDir receives spill runs. If empty, a .sort-* directory is created next
	// to the destination and removed afterwards.
	TempDir string

	// Root and Element name the output root and row elements.
	// They default to the source root and "row".
	Root    string
	Element string
}

// Stats summarizes a sort.
type Stats struct {
	Rows int64
	Runs int
}

type keyedRow struct {
	key int64
	row xmlstream.Row
}

// Sort reads src, orders its rows by opts.Key and commits the result to dst.
// dst is only created if the whole sort succeeded.
func Sort(ctx context.Context, src, dst string, opts Options) (Stats, error) {
	if opts.Key == "" {
		return Stats{}, errors.New("extsort: key is required")
	}
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = DefaultChunkRows
	}
	if opts.Element == "" {
		opts.Element = "row"
	}

	in, err := xmlstream.Open(src)
	if err != nil {
		return Stats{}, fmt.Errorf("open sort input: %w", err)
	}
	defer in.Close()

	s := &sorter{opts: opts, dst: dst}
	defer s.cleanup()

	var stats Stats
	buf := make([]keyedRow, 0, min(opts.ChunkRows, 4096))
	for {
		row, err := in.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Stats{}, err
		}
		if opts.Keep != nil && !opts.Keep(row) {
			continue
		}
		key, err := row.IntKey(opts.Key)
		if err != nil {
			return Stats{}, &xmlstream.DataIntegrityError{Stream: in.Name(), Key: opts.Key, Row: in.Rows(), Err: err}
		}
		buf = append(buf, keyedRow{key: key, row: row})
		stats.Rows++
		if len(buf) >= opts.ChunkRows {
			if err := ctx.Err(); err != nil {
				return Stats{}, err
			}
			if err := s.spill(buf); err != nil {
				return Stats{}, err
			}
			buf = buf[:0]
		}
	}
	if s.opts.Root == "" {
		s.opts.Root = in.Root()
	}

	if len(s.runs) == 0 {
		sortChunk(buf)
		return stats, s.writeSorted(buf)
	}
	if len(buf) > 0 {
		if err := s.spill(buf); err != nil {
			return Stats{}, err
		}
	}
	stats.Runs = len(s.runs)
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	return stats, s.mergeRuns(ctx)
}

func sortChunk(buf []keyedRow) {
	sort.SliceStable(buf, func(i, j int) bool { return buf[i].key < buf[j].key })
}

type sorter struct {
	opts    Options
	dst     string
	tempDir string
	ownDir  bool
	runs    []string
}

func (s *sorter) dir() (string, error) {
	if s.tempDir != "" {
		return s.tempDir, nil
	}
	if s.opts.TempDir != "" {
		s.tempDir = s.opts.TempDir
		return s.tempDir, os.MkdirAll(s.tempDir, 0o755)
	}
	d, err := os.MkdirTemp(filepath.Dir(s.dst), ".sort-"+filepath.Base(s.dst)+"-")
	if err != nil {
		return "", err
	}
	s.tempDir, s.ownDir = d, true
	return d, nil
}

func (s *sorter) spill(buf []keyedRow) error {
	sortChunk(buf)
	dir, err := s.dir()
	if err != nil {
		return fmt.Errorf("create sort dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%05d.xml.lz4", len(s.runs)))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create spill run: %w", err)
	}
	s.runs = append(s.runs, path)

	zw := lz4.NewWriter(f)
	w := xmlstream.NewWriter(zw, runRoot)
	for _, kr := range buf {
		if err := w.Write("row", kr.row); err != nil {
			_ = f.Close()
			return fmt.Errorf("write spill run: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write spill run: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush spill run: %w", err)
	}
	return f.Close()
}

func (s *sorter) writeSorted(buf []keyedRow) error {
	out, err := workspace.CreateAtomic(s.dst)
	if err != nil {
		return fmt.Errorf("create sort output: %w", err)
	}
	defer out.Abort()
	w := xmlstream.NewWriter(out, s.opts.Root)
	for _, kr := range buf {
		if err := w.Write(s.opts.Element, kr.row); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return out.Commit()
}

type runCursor struct {
	r    *xmlstream.Reader
	f    *os.File
	idx  int
	head keyedRow
}

func (s *sorter) mergeRuns(ctx context.Context) error {
	h := &runHeap{}
	defer func() {
		for _, c := range *h {
			_ = c.f.Close()
		}
	}()
	for i, path := range s.runs {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open spill run: %w", err)
		}
		c := &runCursor{r: xmlstream.NewReader(lz4.NewReader(f), filepath.Base(path)), f: f, idx: i}
		ok, err := c.advance(s.opts.Key)
		if err != nil {
			_ = f.Close()
			return err
		}
		if !ok {
			_ = f.Close()
			continue
		}
		heap.Push(h, c)
	}

	out, err := workspace.CreateAtomic(s.dst)
	if err != nil {
		return fmt.Errorf("create sort output: %w", err)
	}
	defer out.Abort()
	w := xmlstream.NewWriter(out, s.opts.Root)

	var n int
	for h.Len() > 0 {
		c := (*h)[0]
		if err := w.Write(s.opts.Element, c.head.row); err != nil {
			return err
		}
		if n++; n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		ok, err := c.advance(s.opts.Key)
		if err != nil {
			return err
		}
		if ok {
			heap.Fix(h, 0)
			continue
		}
		heap.Pop(h)
		_ = c.f.Close()
	}
	if err := w.Close(); err != nil {
		return err
	}
	return out.Commit()
}

func (c *runCursor) advance(key string) (bool, error) {
	row, err := c.r.Next()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read spill run: %w", err)
	}
	k, err := row.IntKey(key)
	if err != nil {
		return false, fmt.Errorf("read spill run: %w", err)
	}
	c.head = keyedRow{key: k, row: row}
	return true, nil
}

func (s *sorter) cleanup() {
	if s.ownDir {
		_ = os.RemoveAll(s.tempDir)
		return
	}
	for _, r := range s.runs {
		_ = os.Remove(r)
	}
}

// runHeap orders cursors by head key, then by run index so equal keys keep input order.
type runHeap []*runCursor

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	if h[i].head.key != h[j].head.key {
		return h[i].head.key < h[j].head.key
	}
	return h[i].idx < h[j].idx
}
func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)   { *h = append(*h, x.(*runCursor)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
