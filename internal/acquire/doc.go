// Package acquire downloads dump containers from the mirror and expands them
// into raw stream files.
//
// Fetcher and Extractor each handle one container. Coordinator runs them for a
// whole container set on a bounded pool and aggregates failures into a single
// AcquisitionError once every task has finished.
package acquire
