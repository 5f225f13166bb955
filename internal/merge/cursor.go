package merge

import (
	"errors"
	"io"

	"dumpprep/internal/xmlstream"
)

// cursor walks one input, exposing the current row and its key.
//
// Order contract: primary keys must be strictly ascending (keys are unique
// upstream, a repeat is a violation); secondary keys must be non-decreasing.
type cursor struct {
	r      *xmlstream.Reader
	key    string
	keep   func(xmlstream.Row) bool
	strict bool

	ok      bool
	row     xmlstream.Row
	rowKey  int64
	started bool
}

func openCursor(in Input, strict bool) (*cursor, error) {
	r, err := xmlstream.Open(in.Path)
	if err != nil {
		return nil, err
	}
	c := &cursor{r: r, key: in.Key, keep: in.Keep, strict: strict}
	if err := c.advance(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return c, nil
}

// advance moves to the next kept row. At the end of the stream ok is false.
func (c *cursor) advance() error {
	for {
		row, err := c.r.Next()
		if errors.Is(err, io.EOF) {
			c.ok = false
			return nil
		}
		if err != nil {
			return err
		}
		if c.keep != nil && !c.keep(row) {
			continue
		}
		k, err := row.IntKey(c.key)
		if err != nil {
			return c.violation(0, err)
		}
		if c.started && (k < c.rowKey || (c.strict && k == c.rowKey)) {
			return c.violation(k, xmlstream.ErrKeyOrder)
		}
		c.row, c.rowKey, c.ok, c.started = row, k, true, true
		return nil
	}
}

func (c *cursor) violation(got int64, err error) error {
	return &xmlstream.DataIntegrityError{
		Stream: c.r.Name(),
		Key:    c.key,
		Row:    c.r.Rows(),
		Prev:   c.rowKey,
		Got:    got,
		Err:    err,
	}
}

func (c *cursor) close() error { return c.r.Close() }
