package reference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"yolotune/internal/darknet"
	"yolotune/internal/model"
	"yolotune/internal/train"
)

const (
	// Channels is the image channel count the detector accepts.
	Channels = 3
	// features per image: mean and standard deviation of every channel.
	featureLen    = 2 * Channels
	defaultHidden = 32
)

const (
	backboneWeight = iota
	backboneBias
	headWeight
	headBias
)

// Detector is a two-layer network over per-channel image statistics whose
// output has the layout of one YOLO head cell: for every anchor the box
// (x, y, w, h), objectness and class logits. It is small enough to train on a
// CPU and shaped like the real thing for checkpoints, transfer and freezing.
type Detector struct {
	classes   int
	anchors   int
	nf        int
	hidden    int
	headLayer int

	params   []*train.Parameter
	weights  [][]float64
	grads    [][]float64
	training bool
	cache    *forwardCache
}

type forwardCache struct {
	out    []float32
	batch  int
	feat   [][]float64
	pre    [][]float64
	hidden [][]float64
}

func NewDetector(arch darknet.Architecture, classes, hidden int, rng *rand.Rand) (*Detector, error) {
	if classes <= 0 {
		return nil, errors.New("classes must be > 0")
	}
	if hidden <= 0 {
		hidden = defaultHidden
	}
	if rng == nil {
		return nil, errors.New("rng is required")
	}
	nf, err := arch.HeadWidth()
	if err != nil {
		return nil, err
	}
	per := classes + 5
	if nf%per != 0 {
		return nil, fmt.Errorf("head width %d is not a multiple of classes+5 (%d)", nf, per)
	}
	d := &Detector{
		classes:   classes,
		anchors:   nf / per,
		nf:        nf,
		hidden:    hidden,
		headLayer: arch.YOLOLayers()[0] - 1,
		training:  true,
	}
	d.addParam("backbone.weight", 0, []int{hidden, featureLen}, rng, featureLen)
	d.addParam("backbone.bias", 0, []int{hidden}, rng, featureLen)
	d.addParam("head.weight", d.headLayer, []int{nf, hidden}, rng, hidden)
	d.addParam("head.bias", d.headLayer, []int{nf}, rng, hidden)
	return d, nil
}

func (d *Detector) addParam(name string, layer int, shape []int, rng *rand.Rand, fanIn int) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	bound := 1 / math.Sqrt(float64(fanIn))
	w := make([]float64, n)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	d.params = append(d.params, &train.Parameter{
		Name:         fmt.Sprintf("%d.%s", layer, name),
		Layer:        layer,
		Shape:        shape,
		RequiresGrad: true,
	})
	d.weights = append(d.weights, w)
	d.grads = append(d.grads, make([]float64, n))
}

func (d *Detector) Classes() int {
	return d.classes
}

func (d *Detector) Anchors() int {
	return d.anchors
}

func (d *Detector) HeadWidth() int {
	return d.nf
}

func (d *Detector) Parameters() []*train.Parameter {
	return d.params
}

func (d *Detector) SetTraining(training bool) {
	d.training = training
}

// Forward returns a single [batch, headWidth] tensor of raw logits. Only
// training mode keeps the activations needed by backward.
func (d *Detector) Forward(ctx context.Context, images model.Tensor) ([]model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(images.Shape) != 4 || images.Shape[1] != Channels {
		return nil, fmt.Errorf("expected [batch %d H W] images, got %v", Channels, images.Shape)
	}
	n, plane := images.Shape[0], images.Shape[2]*images.Shape[3]
	if plane == 0 {
		return nil, fmt.Errorf("empty image plane %v", images.Shape)
	}
	c := &forwardCache{
		out:    make([]float32, n*d.nf),
		batch:  n,
		feat:   make([][]float64, n),
		pre:    make([][]float64, n),
		hidden: make([][]float64, n),
	}
	bw, bb := d.weights[backboneWeight], d.weights[backboneBias]
	hw, hb := d.weights[headWeight], d.weights[headBias]
	for b := 0; b < n; b++ {
		feat := channelStats(images.Data[b*Channels*plane:(b+1)*Channels*plane], plane)
		pre := make([]float64, d.hidden)
		act := make([]float64, d.hidden)
		for h := range pre {
			pre[h] = floats.Dot(bw[h*featureLen:(h+1)*featureLen], feat) + bb[h]
			act[h] = relu(pre[h])
		}
		for o := 0; o < d.nf; o++ {
			c.out[b*d.nf+o] = float32(floats.Dot(hw[o*d.hidden:(o+1)*d.hidden], act) + hb[o])
		}
		c.feat[b], c.pre[b], c.hidden[b] = feat, pre, act
	}
	if d.training {
		d.cache = c
	}
	return []model.Tensor{{Name: "yolo", Shape: []int{n, d.nf}, Data: c.out}}, nil
}

func channelStats(data []float32, plane int) []float64 {
	feat := make([]float64, featureLen)
	for ch := 0; ch < Channels; ch++ {
		var sum, sq float64
		for _, v := range data[ch*plane : (ch+1)*plane] {
			sum += float64(v)
			sq += float64(v) * float64(v)
		}
		mean := sum / float64(plane)
		feat[ch] = mean
		feat[Channels+ch] = math.Sqrt(math.Max(sq/float64(plane)-mean*mean, 0))
	}
	return feat
}

// backward accumulates gradients for the output of the most recent Forward.
// grad holds dLoss/dOutput in the output layout.
func (d *Detector) backward(out []float32, grad []float64) error {
	c := d.cache
	if c == nil || len(out) == 0 || len(c.out) == 0 || &c.out[0] != &out[0] {
		return errors.New("predictions do not belong to the latest forward pass")
	}
	if len(grad) != c.batch*d.nf {
		return fmt.Errorf("gradient length %d, want %d", len(grad), c.batch*d.nf)
	}
	hw := d.weights[headWeight]
	trainHead := d.params[headWeight].RequiresGrad
	trainBackbone := d.params[backboneWeight].RequiresGrad
	for b := 0; b < c.batch; b++ {
		g := grad[b*d.nf : (b+1)*d.nf]
		if trainHead {
			for o, gv := range g {
				floats.AddScaled(d.grads[headWeight][o*d.hidden:(o+1)*d.hidden], gv, c.hidden[b])
			}
		}
		if d.params[headBias].RequiresGrad {
			floats.Add(d.grads[headBias], g)
		}
		if !trainBackbone && !d.params[backboneBias].RequiresGrad {
			continue
		}
		dpre := make([]float64, d.hidden)
		for o, gv := range g {
			floats.AddScaled(dpre, gv, hw[o*d.hidden:(o+1)*d.hidden])
		}
		for h := range dpre {
			dpre[h] *= reluDerivative(c.pre[b][h])
		}
		if trainBackbone {
			for h, dh := range dpre {
				floats.AddScaled(d.grads[backboneWeight][h*featureLen:(h+1)*featureLen], dh, c.feat[b])
			}
		}
		if d.params[backboneBias].RequiresGrad {
			floats.Add(d.grads[backboneBias], dpre)
		}
	}
	return nil
}

func (d *Detector) zeroGrad() {
	for _, g := range d.grads {
		clear(g)
	}
}

func (d *Detector) StateDict() []model.Tensor {
	out := make([]model.Tensor, len(d.params))
	for i, p := range d.params {
		data := make([]float32, len(d.weights[i]))
		for k, v := range d.weights[i] {
			data[k] = float32(v)
		}
		out[i] = model.Tensor{Name: p.Name, Shape: append([]int(nil), p.Shape...), Data: data}
	}
	return out
}

func (d *Detector) LoadStateDict(ws []model.Tensor, strict bool) error {
	byName := make(map[string]model.Tensor, len(ws))
	for _, t := range ws {
		byName[t.Name] = t
	}
	matched := 0
	for i, p := range d.params {
		t, ok := byName[p.Name]
		if !ok {
			if strict {
				return fmt.Errorf("missing tensor %s", p.Name)
			}
			continue
		}
		if !sameShape(t.Shape, p.Shape) || len(t.Data) != len(d.weights[i]) {
			if strict {
				return fmt.Errorf("tensor %s: shape %v, want %v", p.Name, t.Shape, p.Shape)
			}
			continue
		}
		for k, v := range t.Data {
			d.weights[i][k] = float64(v)
		}
		matched++
	}
	if strict && matched != len(ws) {
		return fmt.Errorf("%d unexpected tensors", len(ws)-matched)
	}
	return nil
}

// loadBackbone copies darknet values into the backbone tensors in order.
func (d *Detector) loadBackbone(values []float32) int {
	n := 0
	for _, i := range []int{backboneWeight, backboneBias} {
		for k := range d.weights[i] {
			if n == len(values) {
				return n
			}
			d.weights[i][k] = float64(values[n])
			n++
		}
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
