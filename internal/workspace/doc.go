// Package workspace models the directory a preparation run works in.
//
// The workspace is a cache keyed by fixed filenames: containers, raw streams and
// derived artifacts are each identified by a well-known name, and the presence of
// that file is the only signal that the step producing it completed.
//
// Two rules keep that signal trustworthy:
//   - Every file is produced through PendingFile, which writes to a temporary
//     name and renames on Commit. A file present under its final name is complete.
//   - Pipeline state is derived once per run by Probe. Callers act on the Snapshot
//     instead of re-probing ad hoc.
package workspace
