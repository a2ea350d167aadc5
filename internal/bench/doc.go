// Package bench persists execution telemetry for benchmarking pipeline
// runs. Every run gets a UUID and a row in the runs table; every executed
// (stage, partition) task and every completed stage is recorded against it.
// The store is a single SQLite database so results from repeated runs can
// be compared with plain SQL.
//
// A nil *Recorder is valid and drops all records, so callers never need to
// guard telemetry calls on whether benchmarking is enabled.
package bench
