// Package template builds a per-subject anatomical T1w template from a BIDS
// layout. Each subject's images are conformed to a common grid (smallest
// zooms, largest shape), subjects with several images get a voxelwise median
// merge, and the result is reoriented to RAS and written out together with a
// JSON report of the conformation targets.
package template
