// Package report renders the per grid point criteria of a run as line plots.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"github.com/n0madic/go-fpirls/fpirls"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Criterion selects the quantity drawn on the y axis.
type Criterion int

const (
	// GCV plots the generalized cross-validation score.
	GCV Criterion = iota
	// Functional plots the final value of J.
	Functional
	// DOF plots the degrees of freedom.
	DOF
)

func (c Criterion) String() string {
	switch c {
	case GCV:
		return "GCV"
	case Functional:
		return "J"
	case DOF:
		return "DOF"
	}
	return fmt.Sprintf("Criterion(%d)", int(c))
}

func (c Criterion) value(p *fpirls.PointResult) float64 {
	switch c {
	case Functional:
		return p.JMin()
	case DOF:
		return p.DOF()
	}
	return p.GCV
}

// Plot draws one line per temporal strength λT, the criterion against
// log10 λS. Points without a finite value, and λS = 0 which has no logarithm,
// are left out.
func Plot(res *fpirls.Result, c Criterion) (*plot.Plot, error) {
	if res == nil || len(res.Points) == 0 {
		return nil, errors.New("report: empty result")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - %s by smoothing strength", res.Model, c)
	p.X.Label.Text = "log10 λS"
	p.Y.Label.Text = c.String()

	nt := res.Grid.NumT()
	colors := generateColors(nt)
	lines := 0
	for t := 0; t < nt; t++ {
		var pts plotter.XYs
		for s := 0; s < res.Grid.NumS(); s++ {
			pr := res.At(fpirls.GridPoint{S: s, T: t})
			y := c.value(pr)
			if pr.LambdaS <= 0 || math.IsNaN(y) || math.IsInf(y, 0) || (c == GCV && y == fpirls.NoGCV) {
				continue
			}
			pts = append(pts, plotter.XY{X: math.Log10(pr.LambdaS), Y: y})
		}
		if len(pts) == 0 {
			continue
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("line for λT index %d: %w", t, err)
		}
		line.Color = colors[t]
		line.Width = vg.Points(1)
		marks, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("markers for λT index %d: %w", t, err)
		}
		marks.Color = colors[t]

		p.Add(line, marks)
		if nt > 1 {
			_, lt := res.Grid.Lambdas(fpirls.GridPoint{T: t})
			p.Legend.Add(fmt.Sprintf("λT=%g", lt), line)
		}
		lines++
	}
	if lines == 0 {
		return nil, fmt.Errorf("report: no finite %s values to plot", c)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// Save writes the plot of res to path. The image format follows the file
// extension.
func Save(res *fpirls.Result, c Criterion, path string) error {
	p, err := Plot(res, c)
	if err != nil {
		return err
	}
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s plot: %w", c, err)
	}
	return nil
}

// generateColors creates a palette of distinct colors for the lines
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	rf := hueToRGB(p, q, h+1.0/3.0)
	gf := hueToRGB(p, q, h)
	bf := hueToRGB(p, q, h-1.0/3.0)
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
