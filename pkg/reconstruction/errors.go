package reconstruction

import (
	"errors"

	"segmesh/pkg/marching"
	"segmesh/pkg/nifti"
	"segmesh/pkg/occupancy"
	"segmesh/pkg/stl"
	"segmesh/pkg/threshold"
)

// ErrEmptyMesh is returned for zero-face results when Params.FailOnEmptyMesh is set.
var ErrEmptyMesh = errors.New("empty mesh: extraction produced no faces")

// Kind classifies why a case could not be reconstructed.
type Kind int

const (
	KindNone Kind = iota
	KindLoadFailure
	KindNoForegroundData
	KindEmptyMask
	KindExtractionFailure
	KindSerializationFailure
	KindEmptyMesh
	KindUnknown
)

var kindNames = map[Kind]string{
	KindNone:                 "none",
	KindLoadFailure:          "load_failure",
	KindNoForegroundData:     "no_foreground_data",
	KindEmptyMask:            "empty_mask",
	KindExtractionFailure:    "extraction_failure",
	KindSerializationFailure: "serialization_failure",
	KindEmptyMesh:            "empty_mesh",
	KindUnknown:              "unknown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// KindOf maps an error returned by the reconstructor to its Kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, threshold.ErrNoForegroundData):
		return KindNoForegroundData
	case errors.Is(err, occupancy.ErrEmptyMask):
		return KindEmptyMask
	case errors.Is(err, marching.ErrExtraction):
		return KindExtractionFailure
	case errors.Is(err, stl.ErrSerialization):
		return KindSerializationFailure
	case errors.Is(err, ErrEmptyMesh):
		return KindEmptyMesh
	case errors.Is(err, nifti.ErrFormat), errors.Is(err, errLoad):
		return KindLoadFailure
	default:
		return KindUnknown
	}
}

// errLoad tags I/O failures while reading the volume file.
var errLoad = errors.New("cannot load volume")
