package reference

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"yolotune/internal/model"
)

const momentumSuffix = ".momentum_buffer"

var ErrNonFiniteGradient = errors.New("non-finite gradient")

// SGD is stochastic gradient descent with momentum and L2 weight decay. The
// momentum buffer of a parameter starts as its first update; parameters that
// do not require gradients are left untouched.
type SGD struct {
	det         *Detector
	lr          float64
	momentum    float64
	weightDecay float64
	step        uint64
	buffers     [][]float64
	started     []bool
}

func NewSGD(d *Detector, lr, momentum, weightDecay float64) (*SGD, error) {
	if d == nil {
		return nil, errors.New("detector is required")
	}
	if lr < 0 || momentum < 0 || weightDecay < 0 {
		return nil, errors.New("lr, momentum and weight decay must be >= 0")
	}
	o := &SGD{
		det:         d,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		buffers:     make([][]float64, len(d.weights)),
		started:     make([]bool, len(d.weights)),
	}
	for i, w := range d.weights {
		o.buffers[i] = make([]float64, len(w))
	}
	return o, nil
}

func (o *SGD) LR() float64 {
	return o.lr
}

func (o *SGD) SetLR(lr float64) {
	o.lr = lr
}

func (o *SGD) Step() error {
	d := o.det
	update := make([]float64, 0)
	for i, p := range d.params {
		if !p.RequiresGrad {
			continue
		}
		w, g := d.weights[i], d.grads[i]
		update = append(update[:0], g...)
		if o.weightDecay != 0 {
			floats.AddScaled(update, o.weightDecay, w)
		}
		if o.momentum != 0 {
			buf := o.buffers[i]
			if o.started[i] {
				floats.Scale(o.momentum, buf)
				floats.Add(buf, update)
			} else {
				copy(buf, update)
				o.started[i] = true
			}
			update = append(update[:0], buf...)
		}
		floats.AddScaled(w, -o.lr, update)
	}
	o.step++
	return nil
}

func (o *SGD) ZeroGrad() {
	o.det.zeroGrad()
}

// Unscale divides the accumulated gradients by scale and rejects overflowed
// ones.
func (o *SGD) Unscale(scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("invalid loss scale %v", scale)
	}
	for i, g := range o.det.grads {
		floats.Scale(1/scale, g)
		for _, v := range g {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%s: %w", o.det.params[i].Name, ErrNonFiniteGradient)
			}
		}
	}
	return nil
}

func (o *SGD) State() model.OptimizerState {
	state := model.OptimizerState{Step: o.step, LR: o.lr}
	for i, p := range o.det.params {
		if !o.started[i] {
			continue
		}
		data := make([]float32, len(o.buffers[i]))
		for k, v := range o.buffers[i] {
			data[k] = float32(v)
		}
		state.Buffers = append(state.Buffers, model.Tensor{
			Name:  p.Name + momentumSuffix,
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
		})
	}
	return state
}

func (o *SGD) LoadState(state model.OptimizerState) error {
	index := make(map[string]int, len(o.det.params))
	for i, p := range o.det.params {
		index[p.Name+momentumSuffix] = i
	}
	for _, t := range state.Buffers {
		i, ok := index[t.Name]
		if !ok {
			return fmt.Errorf("unknown optimizer buffer %s", t.Name)
		}
		if len(t.Data) != len(o.buffers[i]) {
			return fmt.Errorf("optimizer buffer %s: %d values, want %d", t.Name, len(t.Data), len(o.buffers[i]))
		}
		for k, v := range t.Data {
			o.buffers[i][k] = float64(v)
		}
		o.started[i] = true
	}
	o.step = state.Step
	o.lr = state.LR
	return nil
}
