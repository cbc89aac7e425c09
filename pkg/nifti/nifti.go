// Package nifti reads and writes NIfTI-1 volumes, the labeled-volume format
// produced by the segmentation stage.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"segmesh/internal/models"
)

// ErrFormat marks files that are not valid or supported NIfTI-1 images.
var ErrFormat = errors.New("nifti: invalid format")

var gzipMagic = []byte{0x1f, 0x8b}

// MaxVoxels bounds the volumes Load accepts; larger headers are rejected
// before any voxel memory is allocated.
const MaxVoxels = 1 << 28

// Load reads a .nii or .nii.gz file (or a .hdr/.img pair) into a Volume.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, closer, err := maybeGzip(f)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer closer()

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(ErrFormat, "read header: "+err.Error())
	}
	h, order, err := parseHeader(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}

	if string(h.Magic[:3]) == "ni1" {
		return loadPair(path, h, order)
	}

	// Skip any header extensions.
	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = defaultVoxOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, errors.Wrap(ErrFormat, "skip to vox_offset: "+err.Error())
	}

	vol, err := decodeVoxels(r, h, order)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return vol, nil
}

// loadPair reads the voxel data of a two-file image from the .img sibling.
func loadPair(hdrPath string, h *Header, order binary.ByteOrder) (*models.Volume, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(hdrPath, ".gz"), ".hdr")
	var imgPath string
	for _, candidate := range []string{base + ".img", base + ".img.gz"} {
		if _, err := os.Stat(candidate); err == nil {
			imgPath = candidate
			break
		}
	}
	if imgPath == "" {
		return nil, errors.Wrapf(ErrFormat, "no image file for %s", filepath.Base(hdrPath))
	}

	f, err := os.Open(imgPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, closer, err := maybeGzip(f)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", imgPath)
	}
	defer closer()

	if off := int64(h.VoxOffset); off > 0 {
		if _, err := io.CopyN(io.Discard, r, off); err != nil {
			return nil, errors.Wrap(ErrFormat, "skip to vox_offset: "+err.Error())
		}
	}
	return decodeVoxels(r, h, order)
}

// maybeGzip wraps r in a gzip reader when the stream starts with the gzip
// magic number.
func maybeGzip(f io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, nil, errors.Wrap(ErrFormat, "file too short")
	}
	if !bytes.Equal(magic, gzipMagic) {
		return br, func() {}, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, errors.Wrap(err, "gzip")
	}
	return zr, func() { zr.Close() }, nil
}

// decodeVoxels reads the voxel block and converts it to float64, applying
// scl_slope and scl_inter when the slope is set.
func decodeVoxels(r io.Reader, h *Header, order binary.ByteOrder) (*models.Volume, error) {
	shape, err := h.Shape()
	if err != nil {
		return nil, err
	}
	size, err := h.bytesPerVoxel()
	if err != nil {
		return nil, err
	}
	aff, err := h.Affine()
	if err != nil {
		return nil, errors.Wrap(ErrFormat, "affine: "+err.Error())
	}

	n := shape[0] * shape[1] * shape[2]
	if n > MaxVoxels {
		return nil, errors.Wrapf(ErrFormat, "%dx%dx%d volume exceeds %d voxels", shape[0], shape[1], shape[2], MaxVoxels)
	}

	// The buffer grows with the data actually present, so a header claiming
	// more voxels than the file holds fails without a full allocation.
	want := int64(n) * int64(size)
	raw, err := io.ReadAll(io.LimitReader(r, want))
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "read %d voxel bytes: %v", want, err)
	}
	if int64(len(raw)) != want {
		return nil, errors.Wrapf(ErrFormat, "truncated voxel data: %d of %d bytes", len(raw), want)
	}

	vol := models.NewVolume(shape[0], shape[1], shape[2], aff)

	for i := range vol.Data {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch h.Datatype {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTInt64:
			v = float64(int64(order.Uint64(b)))
		case DTUint64:
			v = float64(order.Uint64(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		vol.Data[i] = v
	}

	if slope := float64(h.SclSlope); slope != 0 && !math.IsNaN(slope) && (slope != 1 || h.SclInter != 0) {
		inter := float64(h.SclInter)
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}
	return vol, nil
}

// Save writes vol as a single-file float32 NIfTI-1 image with the sform set
// from the volume affine. Paths ending in .gz are gzip compressed.
func Save(path string, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return errors.Wrap(err, "save nifti")
	}
	for axis, n := range vol.Dims {
		if n > math.MaxInt16 {
			return errors.Wrapf(ErrFormat, "save nifti: dim[%d] = %d does not fit the header", axis+1, n)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	bw := bufio.NewWriter(w)

	if err := encode(bw, vol); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return errors.Wrapf(err, "write %s", path)
		}
	}
	return f.Close()
}

func encode(w io.Writer, vol *models.Volume) error {
	h := Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: defaultVoxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(vol.Dims[0]), int16(vol.Dims[1]), int16(vol.Dims[2]), 1, 1, 1, 1}

	m := vol.Affine.Values()
	h.Pixdim[0] = 1
	for axis := 0; axis < 3; axis++ {
		col := math.Sqrt(m[axis]*m[axis] + m[4+axis]*m[4+axis] + m[8+axis]*m[8+axis])
		h.Pixdim[axis+1] = float32(col)
	}
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(m[c])
		h.SrowY[c] = float32(m[4+c])
		h.SrowZ[c] = float32(m[8+c])
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// Extension flag: no extensions.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
