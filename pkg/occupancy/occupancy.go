// Package occupancy binarizes a volume against a threshold.
package occupancy

import (
	"errors"
	"fmt"

	"segmesh/internal/models"
)

// ErrEmptyMask is returned when no voxel exceeds the threshold.
var ErrEmptyMask = errors.New("empty mask: no voxels above threshold")

// Build marks every voxel whose value is strictly greater than threshold.
func Build(vol *models.Volume, threshold float64) (*models.Occupancy, error) {
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("invalid volume: %w", err)
	}

	occ := &models.Occupancy{
		Mask: make([]bool, len(vol.Data)),
		Dims: vol.Dims,
	}
	for i, v := range vol.Data {
		if v > threshold {
			occ.Mask[i] = true
			occ.Count++
		}
	}

	if occ.Count == 0 {
		return nil, ErrEmptyMask
	}
	return occ, nil
}
