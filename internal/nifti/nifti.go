package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Image is an in-memory 3-D volume. Voxel intensities are held as float64
// regardless of the on-disk datatype; scl_slope/scl_inter scaling has
// already been applied. Data is laid out x-fastest, matching the on-disk
// order.
type Image struct {
	Header Header
	Data   []float64
}

// IsVolumeFile reports whether path looks like a NIfTI volume by extension.
func IsVolumeFile(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

// Load reads a single-file NIfTI-1 volume from path. Gzip compression is
// inferred from a .gz suffix.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	img, err := read(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// read decodes a full image from an uncompressed NIfTI-1 stream.
func read(r io.Reader) (*Image, error) {
	hdr, order, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return nil, fmt.Errorf("invalid number of dimensions %d", hdr.Dim[0])
	}
	// dim[0] > 3 with trailing singleton dimensions is still a volume.
	for d := hdr.Dim[0]; d > 3; d-- {
		if hdr.Dim[d] > 1 {
			return nil, fmt.Errorf("%d-dimensional image not supported, expected a 3-D volume", hdr.Dim[0])
		}
	}

	width, err := bytesPerVoxel(hdr.Datatype)
	if err != nil {
		return nil, err
	}

	shape := headerShape(hdr)
	n := shape[0] * shape[1] * shape[2]
	if n <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %v", shape)
	}

	// Skip from the end of the header to vox_offset.
	offset := int64(hdr.VoxOffset)
	if offset < headerSize {
		offset = defaultVoxOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("seeking to voxel data: %w", err)
	}

	raw := make([]byte, n*width)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading voxel data: %w", err)
	}

	data := make([]float64, n)
	for i := 0; i < n; i++ {
		data[i] = decodeVoxel(raw[i*width:(i+1)*width], hdr.Datatype, order)
	}

	// Per the NIfTI spec a slope of 0 means "no scaling".
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Image{Header: *hdr, Data: data}, nil
}

// Save writes img to path as a single-file NIfTI-1 volume, gzip-compressed
// when path ends in .gz. The on-disk datatype is taken from the header, so
// a volume loaded as int16 is written back as int16.
func Save(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := write(w, img); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Close()
}

// write encodes a full image to an uncompressed NIfTI-1 stream.
func write(w io.Writer, img *Image) error {
	hdr := img.Header
	hdr.SizeofHdr = headerSize
	hdr.Magic = [4]byte{'n', '+', '1', 0}
	hdr.VoxOffset = defaultVoxOffset
	// Intensities in memory are already scaled; never double-apply on reload.
	hdr.SclSlope = 1
	hdr.SclInter = 0

	width, err := bytesPerVoxel(hdr.Datatype)
	if err != nil {
		return err
	}
	hdr.Bitpix = int16(width * 8)

	shape := headerShape(&hdr)
	if n := shape[0] * shape[1] * shape[2]; n != len(img.Data) {
		return fmt.Errorf("header dimensions %v do not match %d voxels of data", shape, len(img.Data))
	}

	if err := writeHeader(w, &hdr); err != nil {
		return err
	}

	raw := make([]byte, len(img.Data)*width)
	for i, v := range img.Data {
		encodeVoxel(raw[i*width:(i+1)*width], v, hdr.Datatype)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing voxel data: %w", err)
	}
	return nil
}

// NewImage allocates a zero-filled float32 volume with the given shape and
// voxel sizes and an identity RAS orientation.
func NewImage(shape [3]int, zooms [3]float64) *Image {
	hdr := Header{
		SizeofHdr: headerSize,
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: defaultVoxOffset,
		SclSlope:  1,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	hdr.Dim[1], hdr.Dim[2], hdr.Dim[3] = int16(shape[0]), int16(shape[1]), int16(shape[2])
	for d := 4; d < 8; d++ {
		hdr.Dim[d] = 1
	}
	hdr.Pixdim[1], hdr.Pixdim[2], hdr.Pixdim[3] = float32(zooms[0]), float32(zooms[1]), float32(zooms[2])
	hdr.SrowX = [4]float32{float32(zooms[0]), 0, 0, 0}
	hdr.SrowY = [4]float32{0, float32(zooms[1]), 0, 0}
	hdr.SrowZ = [4]float32{0, 0, float32(zooms[2]), 0}

	n := shape[0] * shape[1] * shape[2]
	return &Image{Header: hdr, Data: make([]float64, n)}
}

// Shape returns the volume dimensions (nx, ny, nz).
func (img *Image) Shape() [3]int {
	return headerShape(&img.Header)
}

// Zooms returns the voxel sizes along each axis in header units.
func (img *Image) Zooms() [3]float64 {
	return [3]float64{
		math.Abs(float64(img.Header.Pixdim[1])),
		math.Abs(float64(img.Header.Pixdim[2])),
		math.Abs(float64(img.Header.Pixdim[3])),
	}
}

// At returns the voxel intensity at (i, j, k). Indices are not bounds-checked
// beyond what the backing slice enforces.
func (img *Image) At(i, j, k int) float64 {
	s := img.Shape()
	return img.Data[i+s[0]*(j+s[1]*k)]
}

// SetAt stores an intensity at (i, j, k).
func (img *Image) SetAt(i, j, k int, v float64) {
	s := img.Shape()
	img.Data[i+s[0]*(j+s[1]*k)] = v
}

// Affine returns the voxel-to-world matrix as rows. The sform is used when
// set; otherwise a diagonal affine is derived from pixdim (identity
// orientation).
func (img *Image) Affine() [3][4]float64 {
	h := &img.Header
	if h.SformCode > 0 {
		return [3][4]float64{
			row4(h.SrowX), row4(h.SrowY), row4(h.SrowZ),
		}
	}
	z := img.Zooms()
	return [3][4]float64{
		{z[0], 0, 0, 0},
		{0, z[1], 0, 0},
		{0, 0, z[2], 0},
	}
}

func row4(r [4]float32) [4]float64 {
	return [4]float64{float64(r[0]), float64(r[1]), float64(r[2]), float64(r[3])}
}

func headerShape(hdr *Header) [3]int {
	shape := [3]int{1, 1, 1}
	for d := 0; d < 3 && d < int(hdr.Dim[0]); d++ {
		shape[d] = int(hdr.Dim[d+1])
	}
	return shape
}

func decodeVoxel(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case DTUint8:
		return float64(b[0])
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0 // Unreachable: datatype is validated before decoding.
}

func encodeVoxel(b []byte, v float64, datatype int16) {
	switch datatype {
	case DTUint8:
		b[0] = uint8(math.Round(v))
	case DTInt16:
		binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(v))))
	case DTUint16:
		binary.LittleEndian.PutUint16(b, uint16(math.Round(v)))
	case DTInt32:
		binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(v))))
	case DTFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case DTFloat64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}
