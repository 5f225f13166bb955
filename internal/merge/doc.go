// Package merge implements the streaming sort-merge-join that builds derived
// artifacts from raw dump streams.
//
// Every input is read through a forward-only cursor, so memory use is bounded by
// the rows attached to a single primary row, never by stream size. Inputs must be
// sorted ascending by their join key; the engine verifies this as it reads and
// fails the stage rather than emit a partially sorted artifact.
package merge
