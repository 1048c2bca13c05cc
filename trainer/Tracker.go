package trainer

import (
	"fmt"

	"github.com/fogleman/gg"

	"github.com/motionrl/unitrack/utils/floatutils"
)

// Tracker accumulates the per-iteration statistics of one training
// run and renders them as a learning-curve image
type Tracker struct {
	iterations []Stats
	returns    []float64
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// AddIteration records one iteration's statistics
func (tr *Tracker) AddIteration(s Stats) {
	tr.iterations = append(tr.iterations, s)
}

// AddEpisodeReturn records one completed episode's summed reward
func (tr *Tracker) AddEpisodeReturn(r float64) {
	tr.returns = append(tr.returns, r)
}

// NumIterations returns the number of recorded iterations
func (tr *Tracker) NumIterations() int { return len(tr.iterations) }

// NumEpisodes returns the number of completed episodes
func (tr *Tracker) NumEpisodes() int { return len(tr.returns) }

// MeanRewards returns the per-iteration mean step rewards in order
func (tr *Tracker) MeanRewards() []float64 {
	out := make([]float64, len(tr.iterations))
	for i, s := range tr.iterations {
		out[i] = s.MeanReward
	}
	return out
}

// EpisodeReturns returns the recorded episode returns in completion
// order
func (tr *Tracker) EpisodeReturns() []float64 {
	return append([]float64(nil), tr.returns...)
}

// SavePlot renders the mean-reward learning curve to a PNG file
func (tr *Tracker) SavePlot(path string) error {
	rewards := tr.MeanRewards()
	if len(rewards) < 2 {
		return fmt.Errorf("savePlot: %d iterations recorded, need at least 2", len(rewards))
	}

	const (
		width   = 800
		height  = 400
		marginX = 60.0
		marginY = 40.0
	)

	lo := floatutils.Min(rewards...)
	hi := floatutils.Max(rewards...)
	if hi-lo < 1e-9 {
		hi = lo + 1
	}

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	// Axes
	dc.SetRGB(0.2, 0.2, 0.2)
	dc.SetLineWidth(1)
	dc.DrawLine(marginX, marginY, marginX, height-marginY)
	dc.DrawLine(marginX, height-marginY, width-marginX, height-marginY)
	dc.Stroke()

	dc.DrawStringAnchored("iteration", width/2, height-marginY/2, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.3f", hi), marginX/2, marginY, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.3f", lo), marginX/2, height-marginY, 0.5, 0.5)

	toX := func(i int) float64 {
		return marginX + (width-2*marginX)*float64(i)/float64(len(rewards)-1)
	}
	toY := func(v float64) float64 {
		return height - marginY - (height-2*marginY)*(v-lo)/(hi-lo)
	}

	dc.SetRGB(0.1, 0.3, 0.8)
	dc.SetLineWidth(2)
	dc.MoveTo(toX(0), toY(rewards[0]))
	for i := 1; i < len(rewards); i++ {
		dc.LineTo(toX(i), toY(rewards[i]))
	}
	dc.Stroke()

	return dc.SavePNG(path)
}
