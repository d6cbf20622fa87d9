// Package train drives the epoch and batch loop of one fine-tuning run.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"yolotune/internal/checkpoint"
	"yolotune/internal/config"
	"yolotune/internal/darknet"
	"yolotune/internal/device"
	"yolotune/internal/hyp"
	"yolotune/internal/model"
	"yolotune/internal/multiscale"
	"yolotune/internal/report"
	"yolotune/internal/schedule"
)

// ErrNaNLoss aborts a run whose loss diverged. The results returned alongside
// it are the last ones computed before the divergence.
var ErrNaNLoss = errors.New("nan loss detected")

const runDirTimeLayout = "20060102_150405"

type Options struct {
	Logger       logrus.FieldLogger
	Capabilities *device.Capabilities
	Recorder     RunRecorder
	// Progress receives the per-batch status line. Defaults to stderr.
	Progress io.Writer
	LogEvery int
	Now      func() time.Time
	Rand     *rand.Rand
}

type Trainer struct {
	cfg      config.RunConfig
	backend  Backend
	log      logrus.FieldLogger
	caps     device.Capabilities
	recorder RunRecorder
	progress io.Writer
	logEvery int
	now      func() time.Time
	rng      *rand.Rand
	seed     int64
}

func New(cfg config.RunConfig, backend Backend, opts Options) (*Trainer, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	t := &Trainer{
		cfg:      cfg,
		backend:  backend,
		log:      opts.Logger,
		recorder: opts.Recorder,
		progress: opts.Progress,
		logEvery: opts.LogEvery,
		now:      opts.Now,
		rng:      opts.Rand,
		seed:     cfg.Seed,
	}
	if t.log == nil {
		t.log = logrus.StandardLogger()
	}
	if opts.Capabilities != nil {
		t.caps = *opts.Capabilities
	} else {
		t.caps = device.Probe()
	}
	if t.progress == nil {
		t.progress = os.Stderr
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewSource(cfg.Seed))
	}
	return t, nil
}

func (t *Trainer) Config() config.RunConfig {
	return t.cfg
}

// Reseed restarts the multi-scale draws and the loader shuffle from seed for
// every later Run.
func (t *Trainer) Reseed(seed int64) {
	t.seed = seed
	t.rng.Seed(seed)
}

// session is the mutable state of one Run.
type session struct {
	id        string
	createdAt time.Time
	runDir    string
	hyp       hyp.Vector

	model     Model
	canonical Model
	opt       Optimizer
	unscaler  GradientUnscaler
	loader    Loader
	nb        int

	sched     *schedule.Controller
	burnIn    schedule.BurnIn
	scale     *multiscale.Controller
	precision device.Decision

	cutoff     int
	start      int
	best       float64
	results    model.Results
	classMAPs  []float64
	resultsLog *report.ResultsLog
	progress   *report.Progress
	started    time.Time

	// stepsThisEpoch counts optimizer steps of the epoch in progress.
	stepsThisEpoch int
	lastLine       string
	lastEpoch      int
}

// Run trains with h and returns the validation results of the final epoch, or
// of the last validated epoch when the loss diverged.
func (t *Trainer) Run(ctx context.Context, h hyp.Vector) (model.Results, error) {
	if err := h.Validate(); err != nil {
		return model.Results{}, fmt.Errorf("hyperparameters: %w", err)
	}
	s, err := t.setup(ctx, h)
	if err != nil {
		return model.Results{}, err
	}
	runErr := t.loop(ctx, s)
	if err := t.record(ctx, s, runErr); err != nil && runErr == nil {
		runErr = fmt.Errorf("record run: %w", err)
	}
	return s.results, runErr
}

func (t *Trainer) setup(ctx context.Context, h hyp.Vector) (*session, error) {
	cfg := t.cfg
	s := &session{
		id:        uuid.NewString(),
		createdAt: t.now().UTC(),
		hyp:       h,
		cutoff:    -1,
		best:      math.Inf(1),
		lastEpoch: -1,
	}
	s.runDir = cfg.OutDir + "_" + s.createdAt.Format(runDirTimeLayout)

	if cfg.IsPrimary() {
		t.log.Infof("Creating directory %s", s.runDir)
		if parent := filepath.Dir(s.runDir); parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, fmt.Errorf("load: create output parent: %w", err)
			}
		}
		dir, err := makeRunDir(s.runDir)
		if err != nil {
			return nil, fmt.Errorf("load: create run directory: %w", err)
		}
		s.runDir = dir
	}

	data, err := darknet.ParseDataFile(cfg.Data)
	if err != nil {
		return nil, fmt.Errorf("load: data %s: %w", cfg.Data, err)
	}
	arch, err := darknet.ParseCfgFile(cfg.Cfg)
	if err != nil {
		return nil, fmt.Errorf("load: cfg %s: %w", cfg.Cfg, err)
	}

	s.model, err = t.backend.NewModel(arch, data.Classes)
	if err != nil {
		return nil, fmt.Errorf("load: model: %w", err)
	}
	s.canonical = s.model
	if u, ok := s.model.(Unwrapper); ok {
		s.canonical = u.Unwrap()
	}
	s.opt, err = t.backend.NewOptimizer(s.model, h)
	if err != nil {
		return nil, fmt.Errorf("load: optimizer: %w", err)
	}

	switch {
	case cfg.Transfer:
		err = t.loadTransfer(s)
	case cfg.Resume:
		err = t.loadResume(s)
	default:
		err = t.loadScratch(s)
	}
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}

	sched := schedule.NewMultiStep(h[hyp.LR0], cfg.Epochs)
	s.sched = schedule.NewController(sched)
	s.sched.Resume(s.start)

	s.scale, err = multiscale.New(cfg.ImgSize, cfg.MultiScale(), t.rng)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	// Multi-scale batches are loaded at the top of the range and resampled down.
	lo, loadSize := s.scale.Bounds()
	if s.scale.Enabled() {
		t.log.Infof("Multi-scale training between %d and %d pixels", lo, loadSize)
	}

	s.loader, err = t.backend.NewLoader(ctx, LoaderRequest{
		ListPath:  data.Train,
		Classes:   data.Classes,
		ImgSize:   loadSize,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Augment:   true,
		Shuffle:   true,
		Seed:      t.seed,
		Rank:      cfg.Rank,
		WorldSize: cfg.WorldSize,
	})
	if err != nil {
		return nil, fmt.Errorf("load: dataset %s: %w", data.Train, err)
	}
	s.nb = s.loader.Len()
	if s.nb <= 0 {
		return nil, fmt.Errorf("load: dataset %s yields no batches", data.Train)
	}
	s.burnIn = schedule.NewBurnIn(h[hyp.LR0], s.nb)


	s.unscaler, _ = s.opt.(GradientUnscaler)
	s.precision = device.Negotiate(cfg.MixedPrecision, t.caps, s.unscaler != nil)
	if s.precision.MixedPrecision {
		t.log.Info("Mixed precision training enabled")
	} else if cfg.MixedPrecision {
		t.log.Infof("Mixed precision training disabled: %s", s.precision.Reason)
	}

	t.logSummary(s)

	if cfg.IsPrimary() {
		artifact := report.RunConfigArtifact{
			RunID:          s.id,
			CreatedAtUTC:   s.createdAt.Format(time.RFC3339),
			Config:         cfg,
			MixedPrecision: s.precision.MixedPrecision,
		}
		if err := report.WriteRunConfig(s.runDir, artifact, h); err != nil {
			return nil, fmt.Errorf("load: write run config: %w", err)
		}
		s.resultsLog, err = report.CreateResultsLog(s.runDir)
		if err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
		s.progress = report.NewProgress(t.progress, t.logEvery)
	} else {
		s.progress = report.NewProgress(io.Discard, t.logEvery)
	}
	return s, nil
}

func (t *Trainer) loadTransfer(s *session) error {
	path := t.cfg.PretrainedWeights
	t.log.Infof("Loading transfer learning weights from %s", path)
	state, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	nf := s.model.HeadWidth()
	kept := checkpoint.FilterTransfer(state.ModelWeights, s.model.StateDict(), nf, t.cfg.SourceHeadWidth)
	if err := s.model.LoadStateDict(kept, false); err != nil {
		return &checkpoint.LoadError{Path: path, Err: fmt.Errorf("%w: %v", checkpoint.ErrShapeMismatch, err)}
	}
	trainable := 0
	for _, p := range s.model.Parameters() {
		p.RequiresGrad = p.LeadingDim() == nf
		if p.RequiresGrad {
			trainable++
		}
	}
	t.log.Infof("Transferred %d tensors, %d parameter tensors left trainable", len(kept), trainable)
	return t.restoreProgress(s, state)
}

func (t *Trainer) loadResume(s *session) error {
	path := t.cfg.PretrainedWeights
	t.log.Infof("Resuming from %s", path)
	state, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := checkpoint.CheckShapes(path, state.ModelWeights, s.model.StateDict()); err != nil {
		return err
	}
	if err := s.model.LoadStateDict(state.ModelWeights, true); err != nil {
		return &checkpoint.LoadError{Path: path, Err: fmt.Errorf("%w: %v", checkpoint.ErrShapeMismatch, err)}
	}
	return t.restoreProgress(s, state)
}

func (t *Trainer) restoreProgress(s *session, state model.TrainingState) error {
	s.start = state.Epoch + 1
	if state.Optimizer != nil {
		if err := s.opt.LoadState(*state.Optimizer); err != nil {
			return fmt.Errorf("restore optimizer: %w", err)
		}
		s.best = state.BestMetric
	}
	return nil
}

func (t *Trainer) loadScratch(s *session) error {
	path := t.cfg.BackboneWeights()
	weights, err := darknet.ReadWeightsFile(path)
	switch {
	case err == nil:
		s.cutoff, err = t.backend.LoadBackbone(s.model, weights)
		if err != nil {
			return fmt.Errorf("backbone %s: %w", path, err)
		}
		t.log.Infof("Loaded backbone %s up to layer %d", path, s.cutoff)
	case errors.Is(err, os.ErrNotExist):
		t.log.Warnf("Backbone weights %s not found, training from random initialization", path)
	default:
		return fmt.Errorf("backbone %s: %w", path, err)
	}
	if t.cfg.IsPrimary() {
		if _, err := report.RemoveStale(s.runDir); err != nil {
			return fmt.Errorf("remove old results: %w", err)
		}
	}
	return nil
}

func (t *Trainer) logSummary(s *session) {
	params := s.model.Parameters()
	total, trainable := 0, 0
	layers := map[int]struct{}{}
	for _, p := range params {
		n := 1
		for _, d := range p.Shape {
			n *= d
		}
		total += n
		if p.RequiresGrad {
			trainable += n
		}
		layers[p.Layer] = struct{}{}
	}
	t.log.Infof("Model Summary: %d layers, %s parameters, %s gradients",
		len(layers), report.Count(total), report.Count(trainable))
}

func (t *Trainer) loop(ctx context.Context, s *session) error {
	cfg := t.cfg
	last := cfg.Epochs - 1
	lossFn := t.backend.Loss()
	validator := t.backend.Validator()
	s.started = t.now()

	for epoch := s.start; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		s.model.SetTraining(true)
		s.opt.SetLR(s.sched.Step())
		t.applyFreeze(s, epoch)

		s.progress.Begin()
		if err := t.trainEpoch(ctx, s, lossFn, epoch); err != nil {
			s.progress.End()
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		s.progress.End()
		t.log.Info(report.Elapsed(epoch-s.start+1, t.now().Sub(s.started)))

		if ShouldValidate(cfg, epoch) {
			s.model.SetTraining(false)
			results, maps, err := validator.Evaluate(ctx, EvalRequest{
				Cfg:           cfg.Cfg,
				Data:          cfg.Data,
				BatchSize:     cfg.BatchSize,
				ImgSize:       cfg.ImgSize,
				ConfThreshold: cfg.ConfThreshold,
				Hyp:           s.hyp,
				GIoU:          cfg.GIoU,
			}, s.model)
			if err != nil {
				return fmt.Errorf("validation: epoch %d: %w", epoch, err)
			}
			s.results, s.classMAPs = results, maps
		}

		if s.resultsLog != nil {
			if err := s.resultsLog.Append(s.lastLine, s.results); err != nil {
				return fmt.Errorf("save: results: %w", err)
			}
		}

		improved := s.results.TestLoss < s.best
		if improved {
			s.best = s.results.TestLoss
		}
		s.lastEpoch = epoch

		if (!cfg.NoSave || epoch == last) && cfg.IsPrimary() {
			if err := t.save(s, epoch, improved); err != nil {
				return fmt.Errorf("save: epoch %d: %w", epoch, err)
			}
		}
	}
	return nil
}

// makeRunDir creates base, or base_<n> when runs started within the same
// second already took the plain name.
func makeRunDir(base string) (string, error) {
	dir := base
	for n := 1; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) || n > 100 {
			return "", err
		}
		dir = fmt.Sprintf("%s_%d", base, n)
	}
}

// ShouldValidate reports whether epoch ends with a validation pass. The final
// epoch is always validated. Otherwise NoTest skips it, as does NoSave during
// the first 10 epochs.
func ShouldValidate(cfg config.RunConfig, epoch int) bool {
	if epoch == cfg.Epochs-1 {
		return true
	}
	return !(cfg.NoTest || (cfg.NoSave && epoch < 10))
}

// applyFreeze freezes backbone layers below the cutoff during epoch 0 and
// releases them at epoch 1.
func (t *Trainer) applyFreeze(s *session, epoch int) {
	if !t.cfg.FreezeBackbone || epoch >= 2 || s.cutoff < 0 {
		return
	}
	frozen := 0
	for _, p := range s.model.Parameters() {
		if p.Layer < s.cutoff {
			p.RequiresGrad = epoch != 0
			if !p.RequiresGrad {
				frozen++
			}
		}
	}
	if frozen > 0 {
		t.log.Infof("Froze %d backbone parameter tensors below layer %d", frozen, s.cutoff)
	}
}

func (t *Trainer) trainEpoch(ctx context.Context, s *session, lossFn LossFunc, epoch int) error {
	cfg := t.cfg
	var mloss [5]float64
	s.stepsThisEpoch = 0
	imgSize := cfg.ImgSize

	return s.loader.Iterate(ctx, func(i int, b Batch) error {
		images := b.Images
		if s.scale.Enabled() {
			imgSize = s.scale.Next(i, epoch, s.nb, cfg.Accumulate)
			resized, err := multiscale.Resample(images, imgSize)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			images = resized
		}

		if epoch == 0 && i == 0 && cfg.IsPrimary() {
			plot := filepath.Join(s.runDir, report.BatchPlotName(i))
			if err := report.PlotBatch(plot, images, b.Targets); err != nil {
				t.log.Warnf("Could not plot first batch: %v", err)
			}
		}

		if s.burnIn.Active(epoch, i) {
			s.opt.SetLR(s.burnIn.LR(i))
		}

		preds, err := s.model.Forward(ctx, images)
		if err != nil {
			return fmt.Errorf("batch %d: forward: %w", i, err)
		}
		loss, err := lossFn.ComputeLoss(ctx, preds, b.Targets, s.hyp, cfg.GIoU)
		if err != nil {
			return fmt.Errorf("batch %d: loss: %w", i, err)
		}
		if math.IsNaN(loss.Value()) {
			t.log.Warn("WARNING: nan loss detected, ending training")
			return fmt.Errorf("batch %d: %w", i, ErrNaNLoss)
		}
		if err := loss.Backward(s.precision.LossScale); err != nil {
			return fmt.Errorf("batch %d: backward: %w", i, err)
		}

		if StepDue(i, s.nb, cfg.Accumulate) {
			if s.precision.MixedPrecision {
				if err := s.unscaler.Unscale(s.precision.LossScale); err != nil {
					return fmt.Errorf("batch %d: unscale: %w", i, err)
				}
			}
			if err := s.opt.Step(); err != nil {
				return fmt.Errorf("batch %d: optimizer step: %w", i, err)
			}
			s.opt.ZeroGrad()
			s.stepsThisEpoch++
		}

		mloss = RunningMean(mloss, loss.Items(), i)
		s.lastLine = report.FormatBatch(epoch, cfg.Epochs, i, s.nb, mloss, len(b.Targets), imgSize)
		s.progress.Update(i, s.nb, s.lastLine)
		return nil
	})
}

// StepDue reports whether the optimizer steps after batch i: every accumulate
// batches and after the final batch of the epoch.
func StepDue(i, batches, accumulate int) bool {
	return (i+1)%accumulate == 0 || i+1 == batches
}

// RunningMean folds the items of batch i into the mean of batches 0..i-1.
func RunningMean(mean, items [5]float64, i int) [5]float64 {
	var out [5]float64
	for k := range mean {
		out[k] = (mean[k]*float64(i) + items[k]) / float64(i+1)
	}
	return out
}

func (t *Trainer) save(s *session, epoch int, improved bool) error {
	optState := s.opt.State()
	state := model.TrainingState{
		Epoch:        epoch,
		BestMetric:   s.best,
		ModelWeights: s.canonical.StateDict(),
		Optimizer:    &optState,
	}
	blob := checkpoint.Encode(state)

	targets := []string{checkpoint.LatestPath(s.runDir)}
	if improved {
		targets = append(targets, checkpoint.BestPath(s.runDir))
	}
	if epoch > 0 && epoch%10 == 0 {
		targets = append(targets, checkpoint.BackupPath(s.runDir, epoch))
	}
	for _, path := range targets {
		if err := checkpoint.WriteBlob(path, blob); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	t.log.Debugf("Saved epoch %d checkpoint (%s) to %d targets", epoch, report.Size(len(blob)), len(targets))
	return nil
}

func (t *Trainer) record(ctx context.Context, s *session, runErr error) error {
	if t.recorder == nil || !t.cfg.IsPrimary() {
		return nil
	}
	rec := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: model.CurrentSchemaVersion, CodecVersion: model.CurrentCodecVersion},
		ID:              s.id,
		RunDir:          s.runDir,
		CreatedAtUTC:    s.createdAt.Format(time.RFC3339),
		Epochs:          s.lastEpoch + 1,
		Hyp:             [hyp.Len]float64(s.hyp),
		Results:         s.results,
		Aborted:         runErr != nil,
	}
	return t.recorder.RecordRun(ctx, rec)
}
