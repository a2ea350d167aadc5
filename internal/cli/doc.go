// Package cli parses the voxelflow command line into an app.Config.
package cli
