package train

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"yolotune/internal/checkpoint"
	"yolotune/internal/darknet"
	"yolotune/internal/device"
	"yolotune/internal/hyp"
	"yolotune/internal/model"
	"yolotune/internal/report"
)

func TestStepDue(t *testing.T) {
	steps := 0
	for i := 0; i < 10; i++ {
		if StepDue(i, 10, 4) {
			steps++
		}
	}
	if steps != 3 {
		t.Fatalf("expected 3 steps for 10 batches with accumulate 4, got %d", steps)
	}
	if !StepDue(9, 10, 4) || StepDue(8, 10, 4) || !StepDue(3, 10, 4) {
		t.Fatal("unexpected step boundaries")
	}
}

func TestRunningMeanMatchesRecomputedMean(t *testing.T) {
	series := [][5]float64{
		{1, 2, 3, 4, 10},
		{3, 2, 1, 0, 6},
		{0.5, 0.25, 2, 8, 10.75},
		{7, 1, 1, 1, 10},
	}
	var mean [5]float64
	for i, items := range series {
		mean = RunningMean(mean, items, i)
		for k := range mean {
			sum := 0.0
			for _, s := range series[:i+1] {
				sum += s[k]
			}
			if want := sum / float64(i+1); math.Abs(mean[k]-want) > 1e-12 {
				t.Fatalf("batch %d item %d: expected %v, got %v", i, k, want, mean[k])
			}
		}
	}
}

func TestShouldValidate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 20
	if !ShouldValidate(cfg, 0) {
		t.Fatal("expected validation by default")
	}
	cfg.NoTest = true
	if ShouldValidate(cfg, 5) || !ShouldValidate(cfg, 19) {
		t.Fatal("notest must skip all but the final epoch")
	}
	cfg.NoTest = false
	cfg.NoSave = true
	if ShouldValidate(cfg, 9) || !ShouldValidate(cfg, 10) {
		t.Fatal("nosave must skip validation during the first 10 epochs only")
	}
}

func TestOptimizerStepsPerEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 2
	cfg.Accumulate = 2
	backend := newFakeBackend(5)
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// ceil(5/2) per epoch
	if backend.opt.steps != 6 || backend.opt.zeroed != 6 {
		t.Fatalf("expected 6 steps, got steps=%d zeroed=%d", backend.opt.steps, backend.opt.zeroed)
	}
}

func TestSingleEpochRun(t *testing.T) {
	cfg := testConfig(t)
	backend := newFakeBackend(3)
	recorder := &captureRecorder{}
	tr := newTestTrainer(t, cfg, backend, recorder)
	results, err := tr.Run(context.Background(), hyp.Default())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results.TestLoss != 1 || backend.validator.calls != 1 {
		t.Fatalf("unexpected results %+v after %d validations", results, backend.validator.calls)
	}

	runDir := runDirOf(cfg)
	data, err := os.ReadFile(filepath.Join(runDir, report.ResultsFile))
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 || !strings.HasSuffix(lines[0], report.FormatResults(results)) {
		t.Fatalf("unexpected results file %q", data)
	}

	latest, err := os.ReadFile(checkpoint.LatestPath(runDir))
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	best, err := os.ReadFile(checkpoint.BestPath(runDir))
	if err != nil {
		t.Fatalf("read best: %v", err)
	}
	if !bytes.Equal(latest, best) {
		t.Fatal("expected latest and best checkpoints to be identical")
	}
	state, err := checkpoint.Load(checkpoint.LatestPath(runDir))
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if state.Epoch != 0 || state.BestMetric != 1 || state.Optimizer == nil || state.Optimizer.Step != 3 {
		t.Fatalf("unexpected checkpoint: %+v", state)
	}
	if _, err := os.Stat(filepath.Join(runDir, report.BatchPlotName(0))); err != nil {
		t.Fatalf("expected batch plot: %v", err)
	}
	if _, ok, err := report.ReadRunConfig(runDir); err != nil || !ok {
		t.Fatalf("read run config: ok=%t err=%v", ok, err)
	}

	if len(recorder.records) != 1 {
		t.Fatalf("expected one run record, got %d", len(recorder.records))
	}
	rec := recorder.records[0]
	if rec.Epochs != 1 || rec.Aborted || rec.RunDir != runDir || rec.Hyp != [hyp.Len]float64(hyp.Default()) {
		t.Fatalf("unexpected run record %+v", rec)
	}
}

func TestBurnInOverridesScheduleInFirstEpoch(t *testing.T) {
	cfg := testConfig(t)
	backend := newFakeBackend(10)
	tr := newTestTrainer(t, cfg, backend, nil)
	h := hyp.Default()
	if _, err := tr.Run(context.Background(), h); err != nil {
		t.Fatalf("run: %v", err)
	}
	lrs := backend.opt.lrs
	// schedule step, then burn-in for batches 0..3 of 10
	if len(lrs) != 5 || lrs[0] != h[hyp.LR0] || lrs[1] != 0 || lrs[4] != h[hyp.LR0] {
		t.Fatalf("unexpected learning rates %v", lrs)
	}
}

func TestNaNLossAbortsWithPreviousResults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 3
	backend := newFakeBackend(2)
	backend.loss.nanAt = 3
	recorder := &captureRecorder{}
	tr := newTestTrainer(t, cfg, backend, recorder)
	results, err := tr.Run(context.Background(), hyp.Default())
	if !errors.Is(err, ErrNaNLoss) {
		t.Fatalf("expected ErrNaNLoss, got %v", err)
	}
	if results.TestLoss != 1 || backend.validator.calls != 1 {
		t.Fatalf("expected epoch 0 results, got %+v", results)
	}
	if backend.loss.calls != 4 {
		t.Fatalf("expected training to stop at the nan batch, got %d loss calls", backend.loss.calls)
	}
	if len(recorder.records) != 1 || !recorder.records[0].Aborted || recorder.records[0].Epochs != 1 {
		t.Fatalf("unexpected run record %+v", recorder.records)
	}
}

func TestResumeStartsAfterCheckpointEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 5
	weights := filepath.Join(t.TempDir(), "last.pt")
	state := model.TrainingState{
		Epoch:        3,
		BestMetric:   0.25,
		ModelWeights: newFakeModel().StateDict(),
		Optimizer:    &model.OptimizerState{Step: 40, LR: 0.0001},
	}
	if err := checkpoint.Save(weights, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.Resume = true
	cfg.PretrainedWeights = weights

	backend := newFakeBackend(2)
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.loss.calls != 2 {
		t.Fatalf("expected only epoch 4 to train, got %d batches", backend.loss.calls)
	}
	if backend.opt.restored == nil || backend.opt.restored.Step != 40 {
		t.Fatalf("optimizer state not restored: %+v", backend.opt.restored)
	}
	// both milestones round to epoch 4 (4.0 and 4.5 half to even)
	if want := hyp.Default()[hyp.LR0] * 0.01; math.Abs(backend.opt.lrs[0]-want) > 1e-15 {
		t.Fatalf("expected resumed lr %v, got %v", want, backend.opt.lrs[0])
	}
	// test loss 1 does not beat the restored best of 0.25
	if _, err := os.Stat(checkpoint.BestPath(runDirOf(cfg))); !os.IsNotExist(err) {
		t.Fatalf("expected no best checkpoint, err=%v", err)
	}
}

func TestResumeRejectsShapeMismatch(t *testing.T) {
	cfg := testConfig(t)
	weights := filepath.Join(t.TempDir(), "last.pt")
	if err := checkpoint.Save(weights, model.TrainingState{
		ModelWeights: []model.Tensor{{Name: "0.weight", Shape: []int{4, 3}, Data: make([]float32, 12)}},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.Resume = true
	cfg.PretrainedWeights = weights
	tr := newTestTrainer(t, cfg, newFakeBackend(1), nil)
	_, err := tr.Run(context.Background(), hyp.Default())
	if !errors.Is(err, checkpoint.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestTransferTrainsOnlyHeadWidthTensors(t *testing.T) {
	cfg := testConfig(t)
	weights := filepath.Join(t.TempDir(), "yolov3.pt")
	if err := checkpoint.Save(weights, model.TrainingState{
		Epoch: -1,
		ModelWeights: []model.Tensor{
			{Name: "0.weight", Shape: []int{8, 3}, Data: make([]float32, 24)},
			{Name: "1.weight", Shape: []int{255, 8}, Data: make([]float32, 255*8)},
			{Name: "seen", Shape: []int{1}, Data: []float32{1}},
		},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.Transfer = true
	cfg.PretrainedWeights = weights

	backend := newFakeBackend(1)
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(backend.model.loaded) != 1 || backend.model.loaded[0] != "0.weight" {
		t.Fatalf("unexpected transferred tensors %v", backend.model.loaded)
	}
	params := backend.model.Parameters()
	if params[0].RequiresGrad || !params[1].RequiresGrad {
		t.Fatalf("expected only the head to train: %+v %+v", params[0], params[1])
	}
}

func TestTransferSkipsHeadOfSameWidth(t *testing.T) {
	cfg := testConfig(t)
	weights := filepath.Join(t.TempDir(), "yolov3.pt")
	if err := checkpoint.Save(weights, model.TrainingState{
		Epoch: -1,
		ModelWeights: []model.Tensor{
			{Name: "0.weight", Shape: []int{8, 3}, Data: make([]float32, 24)},
			{Name: "1.weight", Shape: []int{21, 8}, Data: make([]float32, 21*8)},
		},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.Transfer = true
	cfg.PretrainedWeights = weights

	backend := newFakeBackend(1)
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(backend.model.loaded) != 1 || backend.model.loaded[0] != "0.weight" {
		t.Fatalf("expected only the backbone tensor to transfer, got %v", backend.model.loaded)
	}
}

func TestFreezeBackboneForFirstEpochOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 2
	cfg.FreezeBackbone = true
	if err := os.MkdirAll(cfg.WeightsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeBackbone(t, cfg.BackboneWeights())

	backend := newFakeBackend(1)
	var frozenDuringFirst bool
	observed := &observingLoss{inner: backend.loss, observe: func() {
		if backend.opt.steps == 0 {
			frozenDuringFirst = !backend.model.params[0].RequiresGrad && !backend.model.params[1].RequiresGrad
		}
	}}
	tr := newTestTrainer(t, cfg, &lossOverride{fakeBackend: backend, loss: observed}, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.backbone != 1 {
		t.Fatalf("expected backbone load, got %d", backend.backbone)
	}
	if !frozenDuringFirst {
		t.Fatal("expected layers below the cutoff to be frozen in epoch 0")
	}
	for _, p := range backend.model.params {
		if !p.RequiresGrad {
			t.Fatalf("%s still frozen after epoch 0", p.Name)
		}
	}
}

type observingLoss struct {
	inner   LossFunc
	observe func()
}

func (o *observingLoss) ComputeLoss(ctx context.Context, preds []model.Tensor, targets []model.Target, h hyp.Vector, useGIoU bool) (Loss, error) {
	o.observe()
	return o.inner.ComputeLoss(ctx, preds, targets, h, useGIoU)
}

type lossOverride struct {
	*fakeBackend
	loss LossFunc
}

func (l *lossOverride) Loss() LossFunc { return l.loss }

func writeBackbone(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backbone: %v", err)
	}
	if err := darknet.WriteWeights(f, darknet.Weights{Minor: 2, Values: []float32{0.5, -0.5}}); err != nil {
		t.Fatalf("write backbone: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close backbone: %v", err)
	}
}

func TestMixedPrecisionUnscalesBeforeStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.MixedPrecision = true
	backend := newFakeBackend(4)
	tr := newTestTrainer(t, cfg, backend, nil)
	tr.caps = device.Capabilities{HalfPrecision: true}
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.opt.unscaled != backend.opt.steps || backend.opt.steps != 4 {
		t.Fatalf("expected one unscale per step, got unscaled=%d steps=%d", backend.opt.unscaled, backend.opt.steps)
	}
}

func TestMultiScaleResamplesBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.SingleScale = false
	cfg.ImgSize = 32
	backend := newFakeBackend(2)
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(runDirOf(cfg), report.ResultsFile))
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) != 14 {
		t.Fatalf("unexpected results line %q", data)
	}
	// multiples of the stride between 32/1.5 and 32*1.5
	if size := fields[8]; size != "32" && size != "64" {
		t.Fatalf("unexpected image size %s", size)
	}
	if backend.loaderReq.ImgSize != 64 {
		t.Fatalf("expected batches loaded at the largest size 64, got %d", backend.loaderReq.ImgSize)
	}
}

func TestSingleScaleLoadsNominalSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.ImgSize = 64
	backend := newFakeBackend(1)
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.loaderReq.ImgSize != 64 {
		t.Fatalf("expected loader at 64, got %d", backend.loaderReq.ImgSize)
	}
}

func TestCancelledContextStopsRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 3
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := newTestTrainer(t, cfg, newFakeBackend(1), nil)
	if _, err := tr.Run(ctx, hyp.Default()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func checkpointFiles(t *testing.T, runDir string) string {
	t.Helper()
	entries, err := os.ReadDir(runDir)
	if err != nil {
		t.Fatalf("read run dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".pt") {
			names = append(names, e.Name())
		}
	}
	return strings.Join(names, " ")
}

func TestSaveCadenceOverManyEpochs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 12
	backend := newFakeBackend(1)
	backend.validator.losses = []float64{5, 3, 3, 4, 1, 2, 1, 1.5, 3, 2, 1, 6}
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	runDir := runDirOf(cfg)
	if got := checkpointFiles(t, runDir); got != "backup10.pt best.pt latest.pt" {
		t.Fatalf("unexpected checkpoints %q", got)
	}
	best, err := checkpoint.Load(checkpoint.BestPath(runDir))
	if err != nil {
		t.Fatalf("load best: %v", err)
	}
	// Epochs 6 and 10 only tie the loss of epoch 4.
	if best.Epoch != 4 || best.BestMetric != 1 {
		t.Fatalf("expected best from epoch 4 with loss 1, got epoch %d loss %g", best.Epoch, best.BestMetric)
	}
	backup, err := checkpoint.Load(checkpoint.BackupPath(runDir, 10))
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if backup.Epoch != 10 {
		t.Fatalf("expected backup of epoch 10, got %d", backup.Epoch)
	}
	latest, err := checkpoint.Load(checkpoint.LatestPath(runDir))
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest.Epoch != 11 || latest.BestMetric != 1 {
		t.Fatalf("unexpected latest: epoch %d best %g", latest.Epoch, latest.BestMetric)
	}
}

func TestNoSaveWritesOnlyFinalCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 12
	cfg.NoSave = true
	backend := newFakeBackend(1)
	backend.validator.losses = []float64{2, 1}
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// NoSave skips validation before epoch 10, so only epochs 10 and 11 run it.
	if backend.validator.calls != 2 {
		t.Fatalf("expected 2 validations, got %d", backend.validator.calls)
	}
	runDir := runDirOf(cfg)
	// Unvalidated epochs report a zero test loss, which no later epoch beats.
	if got := checkpointFiles(t, runDir); got != "latest.pt" {
		t.Fatalf("unexpected checkpoints %q", got)
	}
	latest, err := checkpoint.Load(checkpoint.LatestPath(runDir))
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest.Epoch != 11 {
		t.Fatalf("expected final epoch checkpoint, got epoch %d", latest.Epoch)
	}
}

func TestReseedChangesLoaderSeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Seed = 3
	backend := newFakeBackend(1)
	tr := newTestTrainer(t, cfg, backend, nil)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.loaderReq.Seed != 3 {
		t.Fatalf("expected configured seed 3, got %d", backend.loaderReq.Seed)
	}
	tr.Reseed(77)
	if _, err := tr.Run(context.Background(), hyp.Default()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if backend.loaderReq.Seed != 77 {
		t.Fatalf("expected reseeded loader seed 77, got %d", backend.loaderReq.Seed)
	}
}
