// Package kmeans implements one-dimensional k-means over voxel intensities,
// distributed across volume chunks. Each iteration histograms every chunk's
// voxels by nearest centroid, merges the histograms per centroid and moves
// each centroid to the weighted mean of its assigned intensities. Once the
// centroids stop moving (or the iteration cap is hit) every chunk is written
// back with voxels replaced by their centroid's index.
package kmeans
