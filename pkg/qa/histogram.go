// Package qa writes auditing artefacts for manual review of a case.
package qa

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveHistogram plots the distribution of the foreground values together
// with the selected threshold. The image format follows the file extension
// (.png, .svg, .pdf).
func SaveHistogram(path, title string, values []float64, threshold float64, bins int) error {
	if len(values) == 0 {
		return errors.New("qa: no values to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "voxel value"
	p.Y.Label.Text = "voxels"

	peak := float64(len(values))
	if floats.Min(values) < floats.Max(values) {
		h, err := plotter.NewHist(plotter.Values(values), bins)
		if err != nil {
			return fmt.Errorf("qa: histogram: %w", err)
		}
		h.FillColor = color.Gray{Y: 160}
		p.Add(h)

		peak = 0
		for _, b := range h.Bins {
			if b.Weight > peak {
				peak = b.Weight
			}
		}
	} else {
		s, err := plotter.NewScatter(plotter.XYs{{X: values[0], Y: peak}})
		if err != nil {
			return fmt.Errorf("qa: scatter: %w", err)
		}
		p.Add(s)
	}

	line, err := plotter.NewLine(plotter.XYs{{X: threshold, Y: 0}, {X: threshold, Y: peak}})
	if err != nil {
		return fmt.Errorf("qa: threshold line: %w", err)
	}
	line.Color = color.RGBA{R: 200, A: 255}
	line.Width = vg.Points(1.5)
	line.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(line)
	p.Legend.Add(fmt.Sprintf("threshold %.4g", threshold), line)
	p.Legend.Top = true

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("qa: save %s: %w", path, err)
	}
	return nil
}
