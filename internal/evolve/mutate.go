package evolve

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"yolotune/internal/hyp"
	"yolotune/internal/model"
)

// DefaultSigmas are the fractional 1-sigma perturbations per hyperparameter.
// The learning rate, its final ratio, momentum and weight decay stay fixed.
var DefaultSigmas = hyp.Vector{0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0, 0, 0, 0}

type Limit struct {
	Index    int
	Min, Max float64
}

var DefaultLimits = []Limit{
	{Index: hyp.LR0, Min: 1e-4, Max: 1e-2},
	{Index: hyp.IoUT, Min: 0, Max: 0.70},
	{Index: hyp.Momentum, Min: 0.70, Max: 0.98},
	{Index: hyp.WeightDecay, Min: 0, Max: 0.01},
}

// SelectBest returns the index of the row with the highest mAP. Ties go to
// the earliest row.
func SelectBest(rows []model.EvolutionRecord) (int, error) {
	if len(rows) == 0 {
		return 0, ErrEmptyLog
	}
	maps := make([]float64, len(rows))
	for i, rec := range rows {
		maps[i] = rec.Fitness.MAP
	}
	return floats.MaxIdx(maps), nil
}

// Mutator applies multiplicative log-normal-like noise: every value is scaled
// by (N(0,1)*sigma + 1)^2 and the limited ones are clipped afterwards.
type Mutator struct {
	Sigmas hyp.Vector
	Limits []Limit
	Rand   *rand.Rand
}

func NewMutator(seed int64) *Mutator {
	return &Mutator{
		Sigmas: DefaultSigmas,
		Limits: DefaultLimits,
		Rand:   rand.New(rand.NewSource(seed)),
	}
}

func (m *Mutator) Reseed(seed int64) {
	m.Rand.Seed(seed)
}

func (m *Mutator) Mutate(base hyp.Vector) hyp.Vector {
	out := base
	for i := range out {
		x := math.Pow(m.Rand.NormFloat64()*m.Sigmas[i]+1, 2)
		out[i] *= x
	}
	return Clip(out, m.Limits)
}

func Clip(v hyp.Vector, limits []Limit) hyp.Vector {
	for _, l := range limits {
		v[l.Index] = math.Min(math.Max(v[l.Index], l.Min), l.Max)
	}
	return v
}
