// Package threshold selects the binarization threshold applied to a
// segmentation output before surface extraction.
package threshold

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"segmesh/internal/models"
)

// DefaultBins is the histogram resolution used when none is configured.
const DefaultBins = 256

// ErrNoForegroundData is returned when a volume has no strictly positive voxels.
var ErrNoForegroundData = errors.New("no foreground data: volume has no voxels > 0")

// Positive returns the strictly positive voxel values of vol in index order.
func Positive(vol *models.Volume) []float64 {
	var out []float64
	for _, v := range vol.Data {
		if v > 0 {
			out = append(out, v)
		}
	}
	return out
}

// Select computes the Otsu threshold over the strictly positive voxels of vol.
func Select(vol *models.Volume, bins int) (float64, error) {
	return Otsu(Positive(vol), bins)
}

// Otsu returns the threshold t that maximises the between-class variance of
// the partitions {v <= t} and {v > t}. Candidate splits fall on the edges of
// a histogram with the given number of equal-width bins spanning the data,
// and t is the largest value below the winning edge, so {v <= t} is exactly
// the scored low class and t lies in [min(values), max(values)). When several
// splits tie the lowest one wins. Values that are all equal yield that value.
func Otsu(values []float64, bins int) (float64, error) {
	if len(values) == 0 {
		return 0, ErrNoForegroundData
	}
	if bins < 2 {
		bins = DefaultBins
	}

	lo, hi := floats.Min(values), floats.Max(values)
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0, errors.New("threshold: values must be finite")
	}
	if lo == hi {
		return lo, nil
	}

	// stat.Histogram needs sorted data and a half-open upper bound that
	// still contains the maximum.
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	dividers := make([]float64, bins+1)
	floats.Span(dividers, lo, hi)
	dividers[bins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)

	width := (hi - lo) / float64(bins)
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = lo + width*(float64(i)+0.5)
	}

	// Cumulative class weights and first moments from both ends.
	weightLow := make([]float64, bins)
	floats.CumSum(weightLow, counts)
	moments := make([]float64, bins)
	floats.MulTo(moments, counts, centers)
	momentLow := make([]float64, bins)
	floats.CumSum(momentLow, moments)

	total := weightLow[bins-1]
	totalMoment := momentLow[bins-1]

	best, bestVar := 0, -1.0
	for i := 0; i < bins-1; i++ {
		w0 := weightLow[i]
		w1 := total - w0
		if w0 == 0 || w1 == 0 {
			continue
		}
		mu0 := momentLow[i] / w0
		mu1 := (totalMoment - momentLow[i]) / w1
		v := w0 * w1 * (mu0 - mu1) * (mu0 - mu1)
		if v > bestVar {
			best, bestVar = i, v
		}
	}

	// weightLow counts the sorted values in bins 0..best.
	return sorted[int(weightLow[best])-1], nil
}
