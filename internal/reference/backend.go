// Package reference implements every training collaborator in plain Go: a
// small detector over image statistics, its loss, SGD, a darknet list loader
// and a precision/recall validator. It makes the tools runnable end to end; it
// does not aim at detection quality.
package reference

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"yolotune/internal/darknet"
	"yolotune/internal/hyp"
	"yolotune/internal/model"
	"yolotune/internal/train"
)

type Options struct {
	// Hidden is the width of the detector's hidden layer.
	Hidden int
	// Workers sizes the validation loader pool.
	Workers int
	Seed    int64
}

// Backend builds reference collaborators. The loss it hands out differentiates
// through the most recently built model.
type Backend struct {
	hidden  int
	workers int
	rng     *rand.Rand
	current *Detector
}

var _ train.Backend = (*Backend)(nil)

func NewBackend(opts Options) *Backend {
	return &Backend{
		hidden:  opts.Hidden,
		workers: opts.Workers,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
}

func (b *Backend) NewModel(arch darknet.Architecture, classes int) (train.Model, error) {
	d, err := NewDetector(arch, classes, b.hidden, b.rng)
	if err != nil {
		return nil, err
	}
	b.current = d
	return d, nil
}

func (b *Backend) NewOptimizer(m train.Model, h hyp.Vector) (train.Optimizer, error) {
	d, err := detectorOf(m)
	if err != nil {
		return nil, err
	}
	return NewSGD(d, h[hyp.LR0], h[hyp.Momentum], h[hyp.WeightDecay])
}

func (b *Backend) NewLoader(ctx context.Context, req train.LoaderRequest) (train.Loader, error) {
	return NewLoader(ctx, req)
}

// LoadBackbone copies the leading weight values into the backbone layer and
// returns the cutoff recorded for the weights file.
func (b *Backend) LoadBackbone(m train.Model, w darknet.Weights) (int, error) {
	d, err := detectorOf(m)
	if err != nil {
		return 0, err
	}
	if len(w.Values) == 0 {
		return 0, errors.New("weights file holds no values")
	}
	d.loadBackbone(w.Values)
	return w.Cutoff, nil
}

func (b *Backend) Loss() train.LossFunc {
	return lossFunc{b: b}
}

func (b *Backend) Validator() train.Validator {
	return validator{b: b}
}

type lossFunc struct {
	b *Backend
}

func (l lossFunc) ComputeLoss(_ context.Context, preds []model.Tensor, targets []model.Target, h hyp.Vector, useGIoU bool) (train.Loss, error) {
	if l.b.current == nil {
		return nil, errors.New("no model has been built")
	}
	loss, err := computeLoss(l.b.current, preds, targets, h, useGIoU)
	if err != nil {
		return nil, err
	}
	return loss, nil
}

func detectorOf(m train.Model) (*Detector, error) {
	switch v := m.(type) {
	case *Detector:
		return v, nil
	case train.Unwrapper:
		return detectorOf(v.Unwrap())
	}
	return nil, fmt.Errorf("model %T is not a reference detector", m)
}
