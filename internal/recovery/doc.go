// Package recovery keeps a durable record of each preparation run and, for
// failed runs, a classified failure.
//
// Records never drive the pipeline: resumption is decided from the workspace
// files alone. They exist so an operator (or the next run's log) can tell what
// happened last time.
package recovery
