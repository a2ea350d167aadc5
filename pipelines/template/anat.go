package template

import (
	"fmt"
	"math"
	"sort"

	"github.com/voxelflow/voxelflow/internal/nifti"
)

// conform resamples img onto the target grid with nearest-neighbour
// interpolation. Output voxels falling outside the source stay zero.
func conform(img *nifti.Image, targetZooms [3]float64, targetShape [3]int) *nifti.Image {
	zooms := img.Zooms()
	shape := img.Shape()
	out := nifti.NewImage(targetShape, targetZooms)

	for i := 0; i < targetShape[0]; i++ {
		si := nearestIndex(i, targetZooms[0], zooms[0], shape[0])
		for j := 0; j < targetShape[1]; j++ {
			sj := nearestIndex(j, targetZooms[1], zooms[1], shape[1])
			for k := 0; k < targetShape[2]; k++ {
				sk := nearestIndex(k, targetZooms[2], zooms[2], shape[2])
				if si < 0 || sj < 0 || sk < 0 {
					continue
				}
				out.SetAt(i, j, k, img.At(si, sj, sk))
			}
		}
	}
	return out
}

// nearestIndex maps an output index to the nearest source index, or -1 when
// the physical position lies outside the source volume.
func nearestIndex(i int, targetZoom, srcZoom float64, srcDim int) int {
	s := int(math.Round(float64(i) * targetZoom / srcZoom))
	if s < 0 || s >= srcDim {
		return -1
	}
	return s
}

// medianMerge combines same-grid volumes into one by taking the voxelwise
// median.
func medianMerge(imgs []*nifti.Image) (*nifti.Image, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("nothing to merge")
	}
	first := imgs[0]
	for _, img := range imgs[1:] {
		if img.Shape() != first.Shape() {
			return nil, fmt.Errorf("merge shape mismatch: %v vs %v", img.Shape(), first.Shape())
		}
	}

	out := nifti.NewImage(first.Shape(), first.Zooms())
	vals := make([]float64, len(imgs))
	for i := range out.Data {
		for n, img := range imgs {
			vals[n] = img.Data[i]
		}
		out.Data[i] = median(vals)
	}
	return out, nil
}

// median returns the median of vals, reordering them in place.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

// reorientRAS permutes and flips the volume's axes so its affine becomes a
// positive diagonal, the RAS+ orientation downstream tools expect.
func reorientRAS(img *nifti.Image) *nifti.Image {
	aff := img.Affine()
	shape := img.Shape()
	zooms := img.Zooms()

	// axis[a] is the input axis feeding output (world) axis a.
	var axis [3]int
	var flip [3]bool
	var used [3]bool
	for j := 0; j < 3; j++ {
		best, bestAbs := -1, 0.0
		for a := 0; a < 3; a++ {
			if used[a] {
				continue
			}
			if v := math.Abs(aff[a][j]); v > bestAbs || best < 0 {
				best, bestAbs = a, v
			}
		}
		used[best] = true
		axis[best] = j
		flip[best] = aff[best][j] < 0
	}

	outShape := [3]int{shape[axis[0]], shape[axis[1]], shape[axis[2]]}
	outZooms := [3]float64{zooms[axis[0]], zooms[axis[1]], zooms[axis[2]]}
	out := nifti.NewImage(outShape, outZooms)

	var src [3]int
	for i := 0; i < outShape[0]; i++ {
		for j := 0; j < outShape[1]; j++ {
			for k := 0; k < outShape[2]; k++ {
				idx := [3]int{i, j, k}
				for a := 0; a < 3; a++ {
					v := idx[a]
					if flip[a] {
						v = outShape[a] - 1 - v
					}
					src[axis[a]] = v
				}
				out.SetAt(i, j, k, img.At(src[0], src[1], src[2]))
			}
		}
	}
	return out
}
