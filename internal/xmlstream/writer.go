package xmlstream

import (
	"bufio"
	"encoding/xml"
	"io"
)

const header = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// Group is a set of rows nested under a wrapper element of a parent row, e.g.
// <badges><badge .../><badge .../></badges>.
type Group struct {
	Wrapper string
	Element string
	Rows    []Row
}

// Writer writes a stream: header, root element, one row per line.
type Writer struct {
	bw   *bufio.Writer
	root string
	rows int64
	err  error
}

// NewWriter starts a stream with the given root element on dst.
func NewWriter(dst io.Writer, root string) *Writer {
	w := &Writer{bw: bufio.NewWriterSize(dst, 1<<20), root: root}
	w.str(header)
	w.str("<" + root + ">\n")
	return w
}

// Rows is the number of rows written so far.
func (w *Writer) Rows() int64 { return w.rows }

// Write emits row as element name, followed by its inner XML and any
// non-empty groups as child elements.
func (w *Writer) Write(name string, row Row, groups ...Group) error {
	if w.err != nil {
		return w.err
	}
	w.str("  ")
	w.element(name, row, groups)
	w.str("\n")
	if w.err == nil {
		w.rows++
	}
	return w.err
}

// Close ends the root element and flushes. It does not close dst.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	w.str("</" + w.root + ">\n")
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

func (w *Writer) element(name string, row Row, groups []Group) {
	w.str("<" + name)
	for _, a := range row.Attrs {
		w.str(" " + a.Name.Local + `="`)
		if w.err == nil {
			w.err = xml.EscapeText(w.bw, []byte(a.Value))
		}
		w.str(`"`)
	}
	hasChildren := len(row.Inner) > 0
	for _, g := range groups {
		if len(g.Rows) > 0 {
			hasChildren = true
			break
		}
	}
	if !hasChildren {
		w.str(" />")
		return
	}
	w.str(">")
	if len(row.Inner) > 0 && w.err == nil {
		_, w.err = w.bw.Write(row.Inner)
	}
	for _, g := range groups {
		if len(g.Rows) == 0 {
			continue
		}
		w.str("<" + g.Wrapper + ">")
		for _, child := range g.Rows {
			w.element(g.Element, child, nil)
		}
		w.str("</" + g.Wrapper + ">")
	}
	w.str("</" + name + ">")
}

func (w *Writer) str(s string) {
	if w.err != nil {
		return
	}
	_, w.err = w.bw.WriteString(s)
}
