// Package graph implements a concurrency-safe directed acyclic graph keyed
// by string IDs. It is the shared dependency-tracking primitive used both
// for dataset lineage inside the engine and for pipeline-level ordering in
// the app layer.
package graph
