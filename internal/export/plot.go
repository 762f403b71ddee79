package export

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"roadseg/internal/metrics"
)

// PlotLoss renders the per-epoch loss as a line chart. The format follows
// the extension of path (.svg, .png, .pdf).
func PlotLoss(path string, history []metrics.EpochStat) error {
	if len(history) == 0 {
		return errors.New("export: no epochs to plot")
	}
	p := plot.New()
	p.Title.Text = "training loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss (last batch)"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(history))
	for i, s := range history {
		pts[i].X = float64(s.Epoch + 1)
		pts[i].Y = s.Loss
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "build loss line")
	}
	line.Width = vg.Points(2)
	line.Color = plotutil.Color(0)
	p.Add(line)
	p.Legend.Add("training loss", line)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save plot %s", path)
	}
	return nil
}
