package nifti

import (
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the fixed size of a NIfTI-1 header in bytes.
const headerSize = 348

// defaultVoxOffset is where voxel data starts in a single-file NIfTI-1
// image: the header plus the 4-byte extension flag.
const defaultVoxOffset = headerSize + 4

// NIfTI-1 datatype codes for the scalar types this package supports.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTUint16  int16 = 512
)

// Header is the on-disk NIfTI-1 header. Field order and sizes follow the
// nifti1.h reference layout exactly so the struct can be encoded and decoded
// with encoding/binary.
type Header struct {
	SizeofHdr    int32
	DataTypeName [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    int8
	XyztUnits    int8
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// bytesPerVoxel returns the storage width of the header's datatype.
func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype code %d", datatype)
	}
}

// readHeader decodes a NIfTI-1 header, detecting byte order from the
// sizeof_hdr field.
func readHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[0:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[0:4]) != headerSize {
			return nil, nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is neither %d little- nor big-endian", headerSize)
		}
		order = binary.BigEndian
	}

	var hdr Header
	if _, err := binary.Decode(raw, order, &hdr); err != nil {
		return nil, nil, fmt.Errorf("decoding header: %w", err)
	}

	if hdr.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, nil, fmt.Errorf("unsupported magic %q: only single-file (n+1) NIfTI-1 images are handled", hdr.Magic[:3])
	}

	return &hdr, order, nil
}

// writeHeader encodes hdr in little-endian byte order followed by the
// 4-byte "no extensions" flag, leaving the writer positioned at vox_offset.
func writeHeader(w io.Writer, hdr *Header) error {
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	// Extension flag: all zero means no header extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("writing extension flag: %w", err)
	}
	return nil
}
