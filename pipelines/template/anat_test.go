package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelflow/voxelflow/internal/nifti"
)

func TestConform_UpsamplesToTargetGrid(t *testing.T) {
	src := nifti.NewImage([3]int{2, 2, 2}, [3]float64{2, 2, 2})
	for i := range src.Data {
		src.Data[i] = float64(i + 1)
	}

	out := conform(src, [3]float64{1, 1, 1}, [3]int{4, 4, 4})
	assert.Equal(t, [3]int{4, 4, 4}, out.Shape())
	assert.Equal(t, [3]float64{1, 1, 1}, out.Zooms())

	// Output voxel (0,0,0) sits on source voxel (0,0,0).
	assert.Equal(t, src.At(0, 0, 0), out.At(0, 0, 0))
	// Output voxel (2,2,2) is 2mm out, which is source voxel (1,1,1).
	assert.Equal(t, src.At(1, 1, 1), out.At(2, 2, 2))
}

func TestConform_SameGridIsIdentity(t *testing.T) {
	src := nifti.NewImage([3]int{3, 2, 2}, [3]float64{1, 1, 1})
	for i := range src.Data {
		src.Data[i] = float64(i)
	}

	out := conform(src, src.Zooms(), src.Shape())
	assert.Equal(t, src.Data, out.Data)
}

func TestConform_OutOfBoundsStaysZero(t *testing.T) {
	src := nifti.NewImage([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	for i := range src.Data {
		src.Data[i] = 5
	}

	out := conform(src, [3]float64{1, 1, 1}, [3]int{4, 4, 4})
	assert.Equal(t, 5.0, out.At(1, 1, 1))
	assert.Equal(t, 0.0, out.At(3, 3, 3))
}

func TestMedianMerge(t *testing.T) {
	mk := func(fill float64) *nifti.Image {
		img := nifti.NewImage([3]int{2, 2, 1}, [3]float64{1, 1, 1})
		for i := range img.Data {
			img.Data[i] = fill
		}
		return img
	}

	out, err := medianMerge([]*nifti.Image{mk(1), mk(3), mk(100)})
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.At(0, 0, 0))

	out, err = medianMerge([]*nifti.Image{mk(1), mk(3)})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out.At(0, 0, 0))
}

func TestMedianMerge_ShapeMismatchFails(t *testing.T) {
	a := nifti.NewImage([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	b := nifti.NewImage([3]int{2, 2, 3}, [3]float64{1, 1, 1})
	_, err := medianMerge([]*nifti.Image{a, b})
	require.Error(t, err)
}

func TestMedianMerge_EmptyFails(t *testing.T) {
	_, err := medianMerge(nil)
	require.Error(t, err)
}

func TestReorientRAS_IdentityIsNoOp(t *testing.T) {
	img := nifti.NewImage([3]int{2, 3, 4}, [3]float64{1, 1, 1})
	for i := range img.Data {
		img.Data[i] = float64(i)
	}

	out := reorientRAS(img)
	assert.Equal(t, img.Shape(), out.Shape())
	assert.Equal(t, img.Data, out.Data)
}

func TestReorientRAS_FlipsNegativeAxis(t *testing.T) {
	img := nifti.NewImage([3]int{3, 2, 2}, [3]float64{1, 1, 1})
	// Flip the first axis: x increases as the index decreases.
	img.Header.SrowX = [4]float32{-1, 0, 0, 2}
	for i := 0; i < 3; i++ {
		img.SetAt(i, 0, 0, float64(i+1))
	}

	out := reorientRAS(img)
	assert.Equal(t, [3]int{3, 2, 2}, out.Shape())
	assert.Equal(t, 3.0, out.At(0, 0, 0))
	assert.Equal(t, 2.0, out.At(1, 0, 0))
	assert.Equal(t, 1.0, out.At(2, 0, 0))
}

func TestReorientRAS_PermutesSwappedAxes(t *testing.T) {
	img := nifti.NewImage([3]int{2, 3, 2}, [3]float64{1, 2, 1})
	// Input axis 0 points along world y and axis 1 along world x.
	img.Header.SrowX = [4]float32{0, 2, 0, 0}
	img.Header.SrowY = [4]float32{1, 0, 0, 0}
	img.SetAt(1, 2, 0, 7)

	out := reorientRAS(img)
	assert.Equal(t, [3]int{3, 2, 2}, out.Shape())
	assert.Equal(t, 7.0, out.At(2, 1, 0))
}
