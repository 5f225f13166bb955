package xmlstream

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Reader is a forward-only cursor over the rows of one stream.
type Reader struct {
	name   string
	dec    *xml.Decoder
	closer io.Closer
	root   string
	done   bool
	rows   int64
}

// Open opens the stream file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(bufio.NewReaderSize(f, 1<<20), filepath.Base(path))
	r.closer = f
	return r, nil
}

// NewReader reads rows from src. name identifies the stream in errors.
func NewReader(src io.Reader, name string) *Reader {
	return &Reader{name: name, dec: xml.NewDecoder(src)}
}

// Name identifies the stream.
func (r *Reader) Name() string { return r.name }

// Root is the root element name, known after the first call to Next.
func (r *Reader) Root() string { return r.root }

// Rows is the number of rows returned so far.
func (r *Reader) Rows() int64 { return r.rows }

// Next returns the next row, or io.EOF after the last one.
func (r *Reader) Next() (Row, error) {
	if r.done {
		return Row{}, io.EOF
	}
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.done = true
				if r.root == "" {
					return Row{}, fmt.Errorf("%s: no root element", r.name)
				}
				return Row{}, fmt.Errorf("%s: unexpected end of document", r.name)
			}
			return Row{}, fmt.Errorf("%s: %w", r.name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if r.root == "" {
				r.root = t.Name.Local
				continue
			}
			var row Row
			if err := r.dec.DecodeElement(&row, &t); err != nil {
				return Row{}, fmt.Errorf("%s row %d: %w", r.name, r.rows+1, err)
			}
			r.rows++
			return row, nil
		case xml.EndElement:
			// Only the root can close at depth zero: DecodeElement consumes row ends.
			r.done = true
			return Row{}, io.EOF
		}
	}
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
