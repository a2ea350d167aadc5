// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). It supports both byte orders, the common scalar datatypes, and
// scl_slope/scl_inter intensity scaling. Only 3-D volumes are handled; the
// pipelines in this repository operate on anatomical images and BigBrain
// chunks, which are all 3-D.
package nifti
