package xmlstream

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// Row is one record: its attributes in document order and its raw inner XML.
type Row struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Inner []byte     `xml:",innerxml"`
}

// Attr returns the value of the attribute called name.
func (r Row) Attr(name string) (string, bool) {
	for _, a := range r.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// IntKey parses attribute name as a base-10 int64.
// The error wraps ErrKeyMissing or ErrKeyInvalid.
func (r Row) IntKey(name string) (int64, error) {
	v, ok := r.Attr(name)
	if !ok {
		return 0, ErrKeyMissing
	}
	k, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrKeyInvalid, v)
	}
	return k, nil
}

// AttrEquals returns a row predicate matching rows whose attribute name has value.
func AttrEquals(name, value string) func(Row) bool {
	return func(r Row) bool {
		v, ok := r.Attr(name)
		return ok && v == value
	}
}

// Not negates a row predicate.
func Not(pred func(Row) bool) func(Row) bool {
	return func(r Row) bool { return !pred(r) }
}
