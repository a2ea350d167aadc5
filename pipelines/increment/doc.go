// Package increment implements the incrementation benchmark pipeline. Each
// input chunk is read once, its voxels are incremented by one per iteration
// with an optional artificial delay, and the result is written back with an
// "inc-" prefix. The pipeline exists to measure scheduling and I/O overhead,
// not to compute anything useful.
package increment
