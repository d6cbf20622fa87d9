package reference

import (
	"fmt"
	"math"

	"yolotune/internal/hyp"
	"yolotune/internal/model"
)

const giouStep = 1e-4

// Loss is the loss of one batch together with the gradient of its total with
// respect to the detector output.
type Loss struct {
	value float64
	items [5]float64
	grad  []float64
	out   []float32
	det   *Detector
}

func (l *Loss) Value() float64 {
	return l.value
}

func (l *Loss) Items() [5]float64 {
	return l.items
}

// Backward adds scale times the loss gradient to the detector's accumulated
// gradients.
func (l *Loss) Backward(scale float64) error {
	if l.det == nil {
		return fmt.Errorf("loss is not attached to a model")
	}
	scaled := make([]float64, len(l.grad))
	for i, g := range l.grad {
		scaled[i] = g * scale
	}
	return l.det.backward(l.out, scaled)
}

// assignment maps a target to the anchor slot predicting it.
type assignment struct {
	image, anchor int
	target        model.Target
}

// assign gives the k-th target of every image the k-th anchor. Targets beyond
// the anchor count are not learned from.
func assign(targets []model.Target, batch, anchors int) []assignment {
	used := make([]int, batch)
	var out []assignment
	for _, t := range targets {
		if t.Image < 0 || t.Image >= batch || used[t.Image] >= anchors {
			continue
		}
		out = append(out, assignment{image: t.Image, anchor: used[t.Image], target: t})
		used[t.Image]++
	}
	return out
}

// computeLoss scores predictions against targets. The box term is either the
// squared error of the sigmoid box against the target or, with useGIoU,
// 1-GIoU weighted by the giou gain. Objectness covers every anchor; the class
// term only covers assigned anchors.
func computeLoss(d *Detector, preds []model.Tensor, targets []model.Target, h hyp.Vector, useGIoU bool) (*Loss, error) {
	if len(preds) != 1 || len(preds[0].Shape) != 2 || preds[0].Shape[1] != d.nf {
		return nil, fmt.Errorf("unexpected prediction layout")
	}
	out := preds[0].Data
	batch := preds[0].Shape[0]
	per := d.classes + 5
	grad := make([]float64, len(out))
	logit := func(b, a, k int) float64 { return float64(out[b*d.nf+a*per+k]) }
	slot := func(b, a, k int) int { return b*d.nf + a*per + k }

	var items [5]float64
	pos := assign(targets, batch, d.anchors)
	npos := float64(len(pos))
	positive := make(map[[2]int]bool, len(pos))

	for _, p := range pos {
		positive[[2]int{p.image, p.anchor}] = true
		tbox := [4]float64{p.target.X, p.target.Y, p.target.W, p.target.H}
		var raw [4]float64
		for k := range raw {
			raw[k] = logit(p.image, p.anchor, k)
		}
		if useGIoU {
			l := 1 - giou(sigmoidBox(raw), tbox)
			items[0] += h[hyp.GIoU] * l / npos
			for k := range raw {
				up, down := raw, raw
				up[k] += giouStep
				down[k] -= giouStep
				dl := ((1 - giou(sigmoidBox(up), tbox)) - (1 - giou(sigmoidBox(down), tbox))) / (2 * giouStep)
				grad[slot(p.image, p.anchor, k)] += h[hyp.GIoU] * dl / npos
			}
		} else {
			for k := range raw {
				s := sigmoid(raw[k])
				diff := s - tbox[k]
				gain, item := h[hyp.XY], 0
				if k >= 2 {
					gain, item = h[hyp.WH], 1
				}
				items[item] += gain * diff * diff / npos
				grad[slot(p.image, p.anchor, k)] += gain * 2 * diff * s * (1 - s) / npos
			}
		}
		for c := 0; c < d.classes; c++ {
			y := 0.0
			if c == p.target.Class {
				y = 1
			}
			l, g := bceWithLogits(logit(p.image, p.anchor, 5+c), y, h[hyp.ClsPW])
			n := npos * float64(d.classes)
			items[3] += h[hyp.Cls] * l / n
			grad[slot(p.image, p.anchor, 5+c)] += h[hyp.Cls] * g / n
		}
	}

	cells := float64(batch * d.anchors)
	for b := 0; b < batch; b++ {
		for a := 0; a < d.anchors; a++ {
			y := 0.0
			if positive[[2]int{b, a}] {
				y = 1
			}
			l, g := bceWithLogits(logit(b, a, 4), y, h[hyp.ConfPW])
			items[2] += h[hyp.Conf] * l / cells
			grad[slot(b, a, 4)] += h[hyp.Conf] * g / cells
		}
	}

	items[4] = items[0] + items[1] + items[2] + items[3]
	return &Loss{value: items[4], items: items, grad: grad, out: out, det: d}, nil
}

func sigmoidBox(raw [4]float64) [4]float64 {
	return [4]float64{sigmoid(raw[0]), sigmoid(raw[1]), sigmoid(raw[2]), sigmoid(raw[3])}
}

// corners converts a center/size box to x1, y1, x2, y2.
func corners(b [4]float64) (float64, float64, float64, float64) {
	return b[0] - b[2]/2, b[1] - b[3]/2, b[0] + b[2]/2, b[1] + b[3]/2
}

func iou(a, b [4]float64) float64 {
	ax1, ay1, ax2, ay2 := corners(a)
	bx1, by1, bx2, by2 := corners(b)
	inter := math.Max(0, math.Min(ax2, bx2)-math.Max(ax1, bx1)) * math.Max(0, math.Min(ay2, by2)-math.Max(ay1, by1))
	union := a[2]*a[3] + b[2]*b[3] - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// giou is the generalized IoU: IoU minus the share of the enclosing box not
// covered by the union.
func giou(a, b [4]float64) float64 {
	ax1, ay1, ax2, ay2 := corners(a)
	bx1, by1, bx2, by2 := corners(b)
	inter := math.Max(0, math.Min(ax2, bx2)-math.Max(ax1, bx1)) * math.Max(0, math.Min(ay2, by2)-math.Max(ay1, by1))
	union := a[2]*a[3] + b[2]*b[3] - inter
	hull := (math.Max(ax2, bx2) - math.Min(ax1, bx1)) * (math.Max(ay2, by2) - math.Min(ay1, by1))
	if union <= 0 || hull <= 0 {
		return 0
	}
	return inter/union - (hull-union)/hull
}
