// Package multiscale picks the training resolution for each batch and
// resamples batches to it.
package multiscale

import (
	"fmt"
	"math"
	"math/rand"

	"yolotune/internal/model"
)

const (
	Stride = 32
	// Interval is the number of accumulation groups between size draws.
	Interval = 10
	rangeF   = 1.5
)

type Controller struct {
	enabled bool
	nominal int
	minMult int
	maxMult int
	size    int
	rng     *rand.Rand
}

// New builds a controller for nominal size s. When enabled, the size starts at
// the top of the range and is redrawn every Interval accumulation groups.
func New(s int, enabled bool, rng *rand.Rand) (*Controller, error) {
	if s <= 0 || s%Stride != 0 {
		return nil, fmt.Errorf("image size %d must be a positive multiple of %d", s, Stride)
	}
	c := &Controller{enabled: enabled, nominal: s, size: s, rng: rng}
	if !enabled {
		return c, nil
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required for multi-scale training")
	}
	c.minMult = int(math.RoundToEven(float64(s) / Stride / rangeF))
	c.maxMult = int(math.RoundToEven(float64(s) / Stride * rangeF))
	if c.minMult < 1 {
		c.minMult = 1
	}
	c.size = c.maxMult * Stride
	return c, nil
}

func (c *Controller) Enabled() bool {
	return c.enabled
}

func (c *Controller) Size() int {
	return c.size
}

// Bounds returns the smallest and largest size the controller can emit.
func (c *Controller) Bounds() (int, int) {
	if !c.enabled {
		return c.nominal, c.nominal
	}
	return c.minMult * Stride, c.maxMult * Stride
}

// Next returns the size for batch i of epoch. A new size is drawn when the
// global batch index starts an accumulation group whose index is a multiple of
// Interval.
func (c *Controller) Next(i, epoch, batchesPerEpoch, accumulate int) int {
	if !c.enabled {
		return c.nominal
	}
	if accumulate < 1 {
		accumulate = 1
	}
	global := i + batchesPerEpoch*epoch
	if global%(accumulate*Interval) == 0 {
		c.size = (c.minMult + c.rng.Intn(c.maxMult-c.minMult+1)) * Stride
	}
	return c.size
}

// ScaleFactor is the single factor applied to both image axes so the larger
// one becomes size.
func ScaleFactor(size int, images model.Tensor) float64 {
	h, w := images.Shape[2], images.Shape[3]
	longest := h
	if w > longest {
		longest = w
	}
	return float64(size) / float64(longest)
}

// Resample scales an NCHW batch so its longer side becomes size.
func Resample(images model.Tensor, size int) (model.Tensor, error) {
	if len(images.Shape) != 4 {
		return model.Tensor{}, fmt.Errorf("expected NCHW batch, got shape %v", images.Shape)
	}
	return Scale(images, ScaleFactor(size, images))
}

// Scale resizes an NCHW batch by factor with bilinear interpolation using
// half-pixel centers. Output dims are floor(dim*factor).
func Scale(images model.Tensor, factor float64) (model.Tensor, error) {
	if len(images.Shape) != 4 {
		return model.Tensor{}, fmt.Errorf("expected NCHW batch, got shape %v", images.Shape)
	}
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return model.Tensor{}, fmt.Errorf("invalid scale factor %v", factor)
	}
	n, ch, h, w := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	oh := int(math.Floor(float64(h) * factor))
	ow := int(math.Floor(float64(w) * factor))
	if oh < 1 || ow < 1 {
		return model.Tensor{}, fmt.Errorf("scale factor %v collapses %dx%d batch", factor, h, w)
	}
	if oh == h && ow == w {
		return images, nil
	}
	// Source coordinates use the requested factor, not the rounded output size.
	scale := 1 / factor
	out := model.Tensor{
		Name:  images.Name,
		Shape: []int{n, ch, oh, ow},
		Data:  make([]float32, n*ch*oh*ow),
	}
	ys := axisWeights(oh, h, scale)
	xs := axisWeights(ow, w, scale)
	for plane := 0; plane < n*ch; plane++ {
		src := images.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for oy, y := range ys {
			row0 := src[y.lo*w : (y.lo+1)*w]
			row1 := src[y.hi*w : (y.hi+1)*w]
			for ox, x := range xs {
				top := float64(row0[x.lo])*(1-x.frac) + float64(row0[x.hi])*x.frac
				bottom := float64(row1[x.lo])*(1-x.frac) + float64(row1[x.hi])*x.frac
				dst[oy*ow+ox] = float32(top*(1-y.frac) + bottom*y.frac)
			}
		}
	}
	return out, nil
}

type tap struct {
	lo, hi int
	frac   float64
}

func axisWeights(outLen, inLen int, scale float64) []tap {
	taps := make([]tap, outLen)
	for o := range taps {
		src := (float64(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		lo := int(src)
		if lo > inLen-1 {
			lo = inLen - 1
		}
		hi := lo + 1
		if hi > inLen-1 {
			hi = inLen - 1
		}
		taps[o] = tap{lo: lo, hi: hi, frac: src - float64(lo)}
	}
	return taps
}
