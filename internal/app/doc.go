// Package app wires the voxelflow subsystems together: it loads the job
// model, registers the pipeline kinds, builds the dependency graph between
// configured pipelines and runs them in order on a shared engine session,
// with benchmarking and progress events attached when configured.
package app
