package reference

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"yolotune/internal/darknet"
	"yolotune/internal/model"
	"yolotune/internal/train"
)

// MatchIoU is the overlap a detection needs with a same-class target to count
// as a true positive.
const MatchIoU = 0.5

type detection struct {
	class int
	score float64
	tp    bool
}

type validator struct {
	b *Backend
}

// Evaluate runs the model over the data file's validation list (or the
// training list when none is declared) and returns mean precision, recall,
// mAP, F1 and test loss over the classes that have labels. Classes without
// labels report the overall mAP.
func (v validator) Evaluate(ctx context.Context, req train.EvalRequest, m train.Model) (model.Results, []float64, error) {
	d, err := detectorOf(m)
	if err != nil {
		return model.Results{}, nil, err
	}
	data, err := darknet.ParseDataFile(req.Data)
	if err != nil {
		return model.Results{}, nil, err
	}
	list := data.Valid
	if list == "" {
		list = data.Train
	}
	loader, err := NewLoader(ctx, train.LoaderRequest{
		ListPath:  list,
		Classes:   data.Classes,
		ImgSize:   req.ImgSize,
		BatchSize: req.BatchSize,
		Workers:   v.b.workers,
		WorldSize: 1,
	})
	if err != nil {
		return model.Results{}, nil, err
	}

	var dets []detection
	labelled := make([]int, data.Classes)
	var totalLoss float64
	err = loader.Iterate(ctx, func(i int, batch train.Batch) error {
		preds, err := m.Forward(ctx, batch.Images)
		if err != nil {
			return fmt.Errorf("batch %d: forward: %w", i, err)
		}
		loss, err := computeLoss(d, preds, batch.Targets, req.Hyp, req.GIoU)
		if err != nil {
			return fmt.Errorf("batch %d: loss: %w", i, err)
		}
		totalLoss += loss.Value()
		for _, t := range batch.Targets {
			if t.Class < len(labelled) {
				labelled[t.Class]++
			}
		}
		dets = append(dets, d.detect(preds[0], batch.Targets, req.ConfThreshold)...)
		return nil
	})
	if err != nil {
		return model.Results{}, nil, err
	}

	results, maps := summarize(dets, labelled)
	if nb := loader.Len(); nb > 0 {
		results.TestLoss = totalLoss / float64(nb)
	}
	return results, maps, nil
}

// detect thresholds objectness for every anchor of every image and marks each
// detection as a true positive when it claims an unmatched target of its
// class.
func (d *Detector) detect(out model.Tensor, targets []model.Target, confThreshold float64) []detection {
	batch := out.Shape[0]
	per := d.classes + 5
	type candidate struct {
		detection
		box [4]float64
	}
	var all []detection
	for b := 0; b < batch; b++ {
		var cands []candidate
		for a := 0; a < d.anchors; a++ {
			row := out.Data[b*d.nf+a*per : b*d.nf+(a+1)*per]
			obj := sigmoid(float64(row[4]))
			if obj <= confThreshold {
				continue
			}
			scores := make([]float64, d.classes)
			for c := range scores {
				scores[c] = sigmoid(float64(row[5+c]))
			}
			class := floats.MaxIdx(scores)
			var raw [4]float64
			for k := range raw {
				raw[k] = float64(row[k])
			}
			cands = append(cands, candidate{
				detection: detection{class: class, score: obj * scores[class]},
				box:       sigmoidBox(raw),
			})
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

		var gt []model.Target
		for _, t := range targets {
			if t.Image == b {
				gt = append(gt, t)
			}
		}
		taken := make([]bool, len(gt))
		for _, c := range cands {
			best, bestIoU := -1, MatchIoU
			for k, t := range gt {
				if taken[k] || t.Class != c.class {
					continue
				}
				if o := iou(c.box, [4]float64{t.X, t.Y, t.W, t.H}); o > bestIoU {
					best, bestIoU = k, o
				}
			}
			if best >= 0 {
				taken[best] = true
				c.tp = true
			}
			all = append(all, c.detection)
		}
	}
	return all
}

// summarize computes per-class precision, recall and average precision from
// detections ranked by score, then averages over labelled classes.
func summarize(dets []detection, labelled []int) (model.Results, []float64) {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].score > dets[j].score })
	var ps, rs, aps, f1s []float64
	apByClass := make(map[int]float64)
	for c, n := range labelled {
		if n == 0 {
			continue
		}
		var recall, precision []float64
		tp, fp := 0.0, 0.0
		for _, det := range dets {
			if det.class != c {
				continue
			}
			if det.tp {
				tp++
			} else {
				fp++
			}
			recall = append(recall, tp/float64(n))
			precision = append(precision, tp/(tp+fp))
		}
		var p, r, ap float64
		if len(recall) > 0 {
			p, r = precision[len(precision)-1], recall[len(recall)-1]
			ap = averagePrecision(recall, precision)
		}
		ps, rs, aps = append(ps, p), append(rs, r), append(aps, ap)
		f1s = append(f1s, 2*p*r/(p+r+1e-16))
		apByClass[c] = ap
	}
	var results model.Results
	if len(aps) > 0 {
		n := float64(len(aps))
		results = model.Results{
			Precision: floats.Sum(ps) / n,
			Recall:    floats.Sum(rs) / n,
			MAP:       floats.Sum(aps) / n,
			F1:        floats.Sum(f1s) / n,
		}
	}
	maps := make([]float64, len(labelled))
	for c := range maps {
		maps[c] = results.MAP
		if ap, ok := apByClass[c]; ok {
			maps[c] = ap
		}
	}
	return results, maps
}

// averagePrecision is the area under the precision envelope of a
// recall/precision curve.
func averagePrecision(recall, precision []float64) float64 {
	mrec := append(append([]float64{0}, recall...), 1)
	mpre := append(append([]float64{0}, precision...), 0)
	for i := len(mpre) - 2; i >= 0; i-- {
		if mpre[i+1] > mpre[i] {
			mpre[i] = mpre[i+1]
		}
	}
	ap := 0.0
	for i := 1; i < len(mrec); i++ {
		if mrec[i] != mrec[i-1] {
			ap += (mrec[i] - mrec[i-1]) * mpre[i]
		}
	}
	return ap
}
