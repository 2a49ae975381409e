// Renders an alpha schedule to a PNG, for eyeballing ramp shapes before
// committing to a long training run.
package main

import (
	"log"

	arg "github.com/alexflint/go-arg"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/motionlab/bgmix/bgmix-go/videomodel/schedule"
)

func noErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	args := struct {
		Policy   string `help:"exp or linear"`
		Epochs   int
		AlphaMin float64
		AlphaMax float64
		LogY     bool   `help:"log-scale the alpha axis"`
		Out      string `help:"output PNG path"`
	}{
		Policy:   "exp",
		Epochs:   100,
		AlphaMax: 1,
		Out:      "schedule.png",
	}
	arg.MustParse(&args)

	sched, err := schedule.New(schedule.Config{
		Policy:   schedule.Policy(args.Policy),
		Epochs:   args.Epochs,
		AlphaMin: args.AlphaMin,
		AlphaMax: args.AlphaMax,
	})
	noErr(err)

	alphas := make(plotter.XYs, sched.Len())
	betas := make(plotter.XYs, sched.Len())
	for epoch, v := range sched.Values() {
		alphas[epoch].X = float64(epoch)
		alphas[epoch].Y = float64(v)
		betas[epoch].X = float64(epoch)
		betas[epoch].Y = float64(sched.Beta(epoch))
	}

	p, err := plot.New()
	noErr(err)
	p.Title.Text = args.Policy + " alpha schedule"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "alpha"
	if args.LogY {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{}
	}

	alphaLine, err := plotter.NewLine(alphas)
	noErr(err)
	betaLine, err := plotter.NewLine(betas)
	noErr(err)
	betaLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(alphaLine, betaLine)
	p.Legend.Add("alpha", alphaLine)
	p.Legend.Add("beta", betaLine)

	noErr(p.Save(8*vg.Inch, 5*vg.Inch, args.Out))
	log.Printf("wrote %s (%d epochs)", args.Out, sched.Len())
}
