package xmlstream

import (
	"errors"
	"fmt"
)

var (
	ErrKeyOrder   = errors.New("key out of order")
	ErrKeyMissing = errors.New("key attribute missing")
	ErrKeyInvalid = errors.New("key is not an integer")
)

// DataIntegrityError reports a row that breaks the stream's keying contract:
// a missing or non-integer key, or a key that is not in the required order.
type DataIntegrityError struct {
	Stream string
	Key    string
	Row    int64 // 1-based row index within the stream
	Prev   int64
	Got    int64
	Err    error
}

func (e *DataIntegrityError) Error() string {
	if e == nil {
		return ""
	}
	if errors.Is(e.Err, ErrKeyOrder) {
		return fmt.Sprintf("data integrity violation in %s row %d: %s %d after %d: %v", e.Stream, e.Row, e.Key, e.Got, e.Prev, e.Err)
	}
	return fmt.Sprintf("data integrity violation in %s row %d: %s: %v", e.Stream, e.Row, e.Key, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }
