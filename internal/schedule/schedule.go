// Package schedule computes the per-epoch learning rate and the quartic
// burn-in ramp applied at the start of training.
package schedule

import (
	"math"
	"sort"
)

const (
	DefaultGamma   = 0.1
	maxBurnInBatch = 1000
)

// DefaultMilestoneFractions are the fractions of the epoch budget at which the
// learning rate steps down.
var DefaultMilestoneFractions = []float64{0.8, 0.9}

// Round rounds half to even, matching the rounding used when the milestones
// were first tuned.
func Round(x float64) int {
	return int(math.RoundToEven(x))
}

// MultiStep is a piecewise-constant schedule: the base rate is multiplied by
// Gamma once for every milestone at or before the epoch.
type MultiStep struct {
	BaseLR     float64
	Milestones []int
	Gamma      float64
}

func NewMultiStep(baseLR float64, totalEpochs int) MultiStep {
	milestones := make([]int, 0, len(DefaultMilestoneFractions))
	for _, f := range DefaultMilestoneFractions {
		milestones = append(milestones, Round(float64(totalEpochs)*f))
	}
	sort.Ints(milestones)
	return MultiStep{BaseLR: baseLR, Milestones: milestones, Gamma: DefaultGamma}
}

func (s MultiStep) LR(epoch int) float64 {
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return s.BaseLR * math.Pow(s.Gamma, float64(passed))
}

// Controller steps a MultiStep schedule once per epoch. The zero epoch counter
// is -1 so the first Step lands on epoch 0.
type Controller struct {
	schedule  MultiStep
	lastEpoch int
}

func NewController(s MultiStep) *Controller {
	return &Controller{schedule: s, lastEpoch: -1}
}

// Resume positions the counter so the next Step returns the rate for startEpoch.
func (c *Controller) Resume(startEpoch int) {
	c.lastEpoch = startEpoch - 1
}

func (c *Controller) Step() float64 {
	c.lastEpoch++
	return c.schedule.LR(c.lastEpoch)
}

func (c *Controller) Epoch() int {
	return c.lastEpoch
}

// BurnIn ramps the learning rate from 0 to LR0 over the first batches of
// epoch 0.
type BurnIn struct {
	LR0     float64
	Batches int
}

// BurnInBatches returns min(round(nb/5 + 1), 1000).
func BurnInBatches(batchesPerEpoch int) int {
	n := Round(float64(batchesPerEpoch)/5 + 1)
	if n > maxBurnInBatch {
		n = maxBurnInBatch
	}
	return n
}

func NewBurnIn(lr0 float64, batchesPerEpoch int) BurnIn {
	return BurnIn{LR0: lr0, Batches: BurnInBatches(batchesPerEpoch)}
}

// Active reports whether batch i of epoch overrides the scheduled rate.
func (b BurnIn) Active(epoch, i int) bool {
	return epoch == 0 && i <= b.Batches
}

func (b BurnIn) LR(i int) float64 {
	if b.Batches <= 0 {
		return b.LR0
	}
	return b.LR0 * math.Pow(float64(i)/float64(b.Batches), 4)
}
