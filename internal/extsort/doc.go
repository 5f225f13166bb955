// Package extsort re-keys a row stream by an integer attribute using bounded memory.
//
// Raw dump streams are sorted by their own Id, but joins need secondary streams
// sorted by the join key (badges by UserId, comments by PostId). Sort buffers at
// most ChunkRows rows, spills each sorted chunk to an lz4-compressed run file and
// merges the runs with a min-heap. Equal keys keep their input order.
package extsort
