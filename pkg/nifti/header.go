package nifti

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/pkg/affine"
)

const (
	headerSize = 348

	// Single-file images store voxel data after the header plus a 4 byte
	// extension flag.
	defaultVoxOffset = 352
)

// NIfTI-1 datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
	DTInt64   = 1024
	DTUint64  = 1280
)

// Header mirrors the 348 byte NIfTI-1 header.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// parseHeader decodes raw header bytes, detecting the byte order from the
// sizeof_hdr field.
func parseHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return nil, nil, errors.Wrapf(ErrFormat, "header too short: %d bytes", len(raw))
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, nil, errors.Wrap(ErrFormat, "sizeof_hdr is not 348")
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &h); err != nil {
		return nil, nil, errors.Wrap(err, "decode header")
	}

	magic := string(h.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return nil, nil, errors.Wrapf(ErrFormat, "bad magic %q", h.Magic[:])
	}
	return &h, order, nil
}

// Shape returns the spatial dimensions. Images with more than three
// dimensions are accepted only when every extra dimension is singleton.
func (h *Header) Shape() ([3]int, error) {
	rank := int(h.Dim[0])
	if rank < 1 || rank > 7 {
		return [3]int{}, errors.Wrapf(ErrFormat, "invalid dim[0] = %d", rank)
	}

	shape := [3]int{1, 1, 1}
	for axis := 1; axis <= rank; axis++ {
		n := int(h.Dim[axis])
		if n <= 0 {
			return [3]int{}, errors.Wrapf(ErrFormat, "invalid dim[%d] = %d", axis, n)
		}
		if axis <= 3 {
			shape[axis-1] = n
		} else if n != 1 {
			return [3]int{}, errors.Wrapf(ErrFormat, "non-singleton dimension %d (size %d)", axis, n)
		}
	}
	return shape, nil
}

// bytesPerVoxel returns the storage size for the header's datatype.
func (h *Header) bytesPerVoxel() (int, error) {
	switch h.Datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTInt64, DTUint64, DTFloat64:
		return 8, nil
	default:
		return 0, errors.Wrapf(ErrFormat, "unsupported datatype %d", h.Datatype)
	}
}

// Affine returns the voxel-to-world transform using the standard precedence:
// sform, then qform, then plain pixdim scaling.
func (h *Header) Affine() (*affine.Transform, error) {
	switch {
	case h.SformCode > 0:
		return affine.New([16]float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	case h.QformCode > 0:
		return h.qformAffine()
	default:
		return affine.Scaling(h.spacing(), r3.Vec{})
	}
}

func (h *Header) spacing() r3.Vec {
	s := [3]float64{1, 1, 1}
	for i := range s {
		if v := float64(h.Pixdim[i+1]); v != 0 {
			s[i] = math.Abs(v)
		}
	}
	return r3.Vec{X: s[0], Y: s[1], Z: s[2]}
}

// qformAffine builds the rotation from the unit quaternion (b, c, d) with
// a = sqrt(1 - b^2 - c^2 - d^2) and scales its columns by the voxel size.
func (h *Header) qformAffine() (*affine.Transform, error) {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		norm := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/norm, c/norm, d/norm
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	sp := h.spacing()
	dx, dy, dz := sp.X, sp.Y, sp.Z*qfac

	return affine.New([16]float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ),
		0, 0, 0, 1,
	})
}
