package train

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"yolotune/internal/config"
	"yolotune/internal/darknet"
	"yolotune/internal/device"
	"yolotune/internal/hyp"
	"yolotune/internal/model"
)

const testCfg = `[net]
batch=2

[convolutional]
filters=8

[convolutional]
filters=21

[yolo]
classes=2
`

type fakeModel struct {
	params   []*Parameter
	weights  map[string][]float32
	training bool
	loaded   []string
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		params: []*Parameter{
			{Name: "0.weight", Layer: 0, Shape: []int{8, 3}, RequiresGrad: true},
			{Name: "1.weight", Layer: 1, Shape: []int{21, 8}, RequiresGrad: true},
		},
		weights: map[string][]float32{
			"0.weight": make([]float32, 24),
			"1.weight": make([]float32, 168),
		},
	}
}

func (m *fakeModel) Forward(_ context.Context, images model.Tensor) ([]model.Tensor, error) {
	return []model.Tensor{{Name: "yolo", Shape: []int{images.Shape[0], 21}, Data: make([]float32, images.Shape[0]*21)}}, nil
}

func (m *fakeModel) Parameters() []*Parameter { return m.params }

func (m *fakeModel) SetTraining(training bool) { m.training = training }

func (m *fakeModel) StateDict() []model.Tensor {
	out := make([]model.Tensor, 0, len(m.params))
	for _, p := range m.params {
		out = append(out, model.Tensor{Name: p.Name, Shape: append([]int(nil), p.Shape...), Data: append([]float32(nil), m.weights[p.Name]...)})
	}
	return out
}

func (m *fakeModel) LoadStateDict(ws []model.Tensor, strict bool) error {
	for _, t := range ws {
		m.weights[t.Name] = append([]float32(nil), t.Data...)
		m.loaded = append(m.loaded, t.Name)
	}
	return nil
}

func (m *fakeModel) HeadWidth() int { return 21 }

type fakeOptimizer struct {
	lr       float64
	lrs      []float64
	steps    int
	zeroed   int
	unscaled int
	restored *model.OptimizerState
}

func (o *fakeOptimizer) LR() float64 { return o.lr }

func (o *fakeOptimizer) SetLR(lr float64) {
	o.lr = lr
	o.lrs = append(o.lrs, lr)
}

func (o *fakeOptimizer) Step() error {
	o.steps++
	return nil
}

func (o *fakeOptimizer) ZeroGrad() { o.zeroed++ }

func (o *fakeOptimizer) State() model.OptimizerState {
	return model.OptimizerState{Step: uint64(o.steps), LR: o.lr}
}

func (o *fakeOptimizer) LoadState(state model.OptimizerState) error {
	o.restored = &state
	return nil
}

func (o *fakeOptimizer) Unscale(scale float64) error {
	o.unscaled++
	return nil
}

type fakeLoss struct {
	items [5]float64
}

func (l fakeLoss) Value() float64 { return l.items[4] }

func (l fakeLoss) Items() [5]float64 { return l.items }

func (l fakeLoss) Backward(scale float64) error { return nil }

// fakeLossFunc returns the loss items of call n from values, cycling, and NaN
// on call nanAt when set.
type fakeLossFunc struct {
	calls  int
	nanAt  int
	values [][5]float64
}

func (f *fakeLossFunc) ComputeLoss(_ context.Context, preds []model.Tensor, targets []model.Target, h hyp.Vector, useGIoU bool) (Loss, error) {
	n := f.calls
	f.calls++
	if f.nanAt > 0 && n == f.nanAt {
		return fakeLoss{items: [5]float64{math.NaN(), 0, 0, 0, math.NaN()}}, nil
	}
	if len(f.values) == 0 {
		return fakeLoss{items: [5]float64{1, 1, 1, 1, 4}}, nil
	}
	return fakeLoss{items: f.values[n%len(f.values)]}, nil
}

// fakeValidator reports a test loss of 1/(call+1) so every epoch improves,
// or the loss of call n from losses when set.
type fakeValidator struct {
	calls  int
	losses []float64
}

func (v *fakeValidator) Evaluate(_ context.Context, req EvalRequest, m Model) (model.Results, []float64, error) {
	v.calls++
	loss := 1 / float64(v.calls)
	if len(v.losses) > 0 {
		loss = v.losses[(v.calls-1)%len(v.losses)]
	}
	return model.Results{Precision: 0.5, Recall: 0.5, MAP: 0.1 * float64(v.calls), F1: 0.5, TestLoss: loss}, []float64{0.1, 0.2}, nil
}

type fakeLoader struct {
	batches int
}

func (l *fakeLoader) Len() int { return l.batches }

func (l *fakeLoader) Classes() int { return 2 }

func (l *fakeLoader) Samples() int { return 2 * l.batches }

func (l *fakeLoader) Iterate(ctx context.Context, fn func(i int, b Batch) error) error {
	for i := 0; i < l.batches; i++ {
		b := Batch{
			Images:  model.Tensor{Shape: []int{2, 3, 32, 32}, Data: make([]float32, 2*3*32*32)},
			Targets: []model.Target{{Image: 0, Class: 1, X: 0.5, Y: 0.5, W: 0.2, H: 0.2}},
		}
		if err := fn(i, b); err != nil {
			return err
		}
	}
	return nil
}

type fakeBackend struct {
	batches   int
	model     *fakeModel
	opt       *fakeOptimizer
	loss      *fakeLossFunc
	validator *fakeValidator
	backbone  int
	loaderReq LoaderRequest
}

func newFakeBackend(batches int) *fakeBackend {
	return &fakeBackend{
		batches:   batches,
		loss:      &fakeLossFunc{},
		validator: &fakeValidator{},
	}
}

func (b *fakeBackend) NewModel(arch darknet.Architecture, classes int) (Model, error) {
	b.model = newFakeModel()
	return b.model, nil
}

func (b *fakeBackend) NewOptimizer(m Model, h hyp.Vector) (Optimizer, error) {
	b.opt = &fakeOptimizer{lr: h[hyp.LR0]}
	return b.opt, nil
}

func (b *fakeBackend) NewLoader(ctx context.Context, req LoaderRequest) (Loader, error) {
	b.loaderReq = req
	return &fakeLoader{batches: b.batches}, nil
}

func (b *fakeBackend) LoadBackbone(m Model, w darknet.Weights) (int, error) {
	b.backbone++
	return w.Cutoff, nil
}

func (b *fakeBackend) Loss() LossFunc { return b.loss }

func (b *fakeBackend) Validator() Validator { return b.validator }

type captureRecorder struct {
	records []model.RunRecord
}

func (r *captureRecorder) RecordRun(_ context.Context, rec model.RunRecord) error {
	r.records = append(r.records, rec)
	return nil
}

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

// testConfig writes a cfg and data file and returns a single-scale config
// whose output lands in a temp directory.
func testConfig(t *testing.T) config.RunConfig {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "test.cfg")
	dataPath := filepath.Join(dir, "test.data")
	if err := os.WriteFile(cfgPath, []byte(testCfg), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if err := os.WriteFile(dataPath, []byte("classes=2\ntrain=train.txt\nvalid=valid.txt\n"), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	cfg := config.Default()
	cfg.Cfg = cfgPath
	cfg.Data = dataPath
	cfg.OutDir = filepath.Join(dir, "out")
	cfg.WeightsDir = filepath.Join(dir, "weights")
	cfg.Epochs = 1
	cfg.BatchSize = 2
	cfg.Accumulate = 1
	cfg.SingleScale = true
	cfg.MixedPrecision = false
	return cfg
}

func runDirOf(cfg config.RunConfig) string {
	return cfg.OutDir + "_" + testNow.Format(runDirTimeLayout)
}

func newTestTrainer(t *testing.T, cfg config.RunConfig, backend Backend, recorder RunRecorder) *Trainer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	tr, err := New(cfg, backend, Options{
		Logger:       logger,
		Capabilities: &device.Capabilities{},
		Recorder:     recorder,
		Progress:     io.Discard,
		Now:          func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	return tr
}
