package yolotune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"yolotune/internal/config"
	"yolotune/internal/device"
	"yolotune/internal/evolve"
	"yolotune/internal/hyp"
	"yolotune/internal/model"
	"yolotune/internal/reference"
	"yolotune/internal/report"
	"yolotune/internal/storage"
	"yolotune/internal/train"
)

const defaultRunsLimit = 20

type Options struct {
	StoreKind string
	DBPath    string
	Logger    logrus.FieldLogger
	// Out receives evolution reports and defaults to stdout.
	Out io.Writer
	// Progress receives per-batch status lines and defaults to stderr.
	Progress     io.Writer
	Capabilities *device.Capabilities
	// Backend supplies the model, optimizer, loader, loss and validator. The
	// reference backend is used when nil.
	Backend train.Backend
	Now     func() time.Time
}

type Client struct {
	store    storage.Store
	log      logrus.FieldLogger
	out      io.Writer
	progress io.Writer
	caps     *device.Capabilities
	backend  train.Backend
	now      func() time.Time
}

type TrainSummary struct {
	Results model.Results
	// Evolution is set when the request ran hyperparameter evolution.
	Evolution *evolve.Summary
}

type RunsRequest struct {
	// OutDir is the run output prefix; the index lives in its parent.
	OutDir string
	Limit  int
}

type RunItem struct {
	RunID        string
	RunDir       string
	CreatedAtUTC string
	Epochs       int
	Results      model.Results
	Aborted      bool
}

type BestSummary struct {
	Index int
	Rows  int
	Row   model.EvolutionRecord
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = config.DefaultDBPath
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:    store,
		log:      opts.Logger,
		out:      opts.Out,
		progress: opts.Progress,
		caps:     opts.Capabilities,
		backend:  opts.Backend,
		now:      opts.Now,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.progress == nil {
		c.progress = os.Stderr
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Train runs a single fine-tuning job, or hyperparameter evolution when cfg
// asks for it.
func (c *Client) Train(ctx context.Context, cfg config.RunConfig) (TrainSummary, error) {
	if err := c.store.Init(ctx); err != nil {
		return TrainSummary{}, fmt.Errorf("init store: %w", err)
	}
	h, err := c.loadHyp(cfg)
	if err != nil {
		return TrainSummary{}, err
	}
	if cfg.Evolving() {
		return c.evolve(ctx, cfg, h)
	}

	t, err := c.trainer(cfg)
	if err != nil {
		return TrainSummary{}, err
	}
	results, err := t.Run(ctx, h)
	if err != nil {
		return TrainSummary{Results: results}, err
	}
	return TrainSummary{Results: results}, nil
}

func (c *Client) evolve(ctx context.Context, cfg config.RunConfig, h hyp.Vector) (TrainSummary, error) {
	cfg = cfg.ForEvolution()
	t, err := c.trainer(cfg)
	if err != nil {
		return TrainSummary{}, err
	}
	opts := evolve.Options{
		Generations: cfg.Generations,
		LogPath:     cfg.EvolveLog,
		Logger:      c.log,
		Out:         c.out,
		Now:         c.now,
	}
	if cfg.CloudEvolve {
		opts.Syncer = evolve.NewStoreSyncer(c.store, "")
	}
	ctrl, err := evolve.NewController(t, opts)
	if err != nil {
		return TrainSummary{}, err
	}
	summary, err := ctrl.Run(ctx, h)
	if err != nil {
		return TrainSummary{Evolution: &summary}, err
	}
	return TrainSummary{Results: summary.Best.Fitness, Evolution: &summary}, nil
}

func (c *Client) trainer(cfg config.RunConfig) (*train.Trainer, error) {
	backend := c.backend
	if backend == nil {
		backend = reference.NewBackend(reference.Options{Workers: cfg.Workers, Seed: cfg.Seed})
	}
	return train.New(cfg, backend, train.Options{
		Logger:       c.log,
		Capabilities: c.caps,
		Recorder:     &runRecorder{store: c.store, indexDir: indexDir(cfg.OutDir)},
		Progress:     c.progress,
		Now:          c.now,
	})
}

func (c *Client) loadHyp(cfg config.RunConfig) (hyp.Vector, error) {
	if cfg.HypPath == "" {
		return hyp.Default(), nil
	}
	h, err := hyp.Load(cfg.HypPath)
	if err != nil {
		return hyp.Vector{}, fmt.Errorf("load hyp %s: %w", cfg.HypPath, err)
	}
	return h, nil
}

// Runs lists recorded runs newest first. The file index next to the run
// directories is preferred; the store is consulted when it has no entries.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = defaultRunsLimit
	}
	if req.OutDir == "" {
		req.OutDir = config.DefaultOutDir
	}

	entries, err := report.ListRunIndex(indexDir(req.OutDir))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if err := c.store.Init(ctx); err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		recs, err := c.store.ListRunRecords(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			entries = append(entries, report.IndexEntryFromRecord(rec))
		}
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			RunDir:       e.RunDir,
			CreatedAtUTC: e.CreatedAtUTC,
			Epochs:       e.Epochs,
			Results:      e.Results,
			Aborted:      e.Aborted,
		})
	}
	return out, nil
}

// Best returns the row of the evolution log with the highest mAP.
func (c *Client) Best(ctx context.Context, logPath string, cloud bool) (BestSummary, error) {
	if logPath == "" {
		logPath = config.DefaultEvolveLog
	}
	if cloud {
		if err := c.store.Init(ctx); err != nil {
			return BestSummary{}, fmt.Errorf("init store: %w", err)
		}
		if err := evolve.NewStoreSyncer(c.store, "").Pull(ctx, logPath); err != nil {
			return BestSummary{}, err
		}
	}
	rows, err := evolve.ReadLog(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BestSummary{}, evolve.ErrEmptyLog
		}
		return BestSummary{}, err
	}
	idx, err := evolve.SelectBest(rows)
	if err != nil {
		return BestSummary{}, err
	}
	return BestSummary{Index: idx, Rows: len(rows), Row: rows[idx]}, nil
}

// indexDir is where the run index for runs under outDir is kept.
func indexDir(outDir string) string {
	return filepath.Dir(outDir)
}

// runRecorder keeps every finished run in both the store and the run index.
type runRecorder struct {
	store    storage.Store
	indexDir string
}

func (r *runRecorder) RecordRun(ctx context.Context, rec model.RunRecord) error {
	if err := r.store.SaveRunRecord(ctx, rec); err != nil {
		return err
	}
	return report.AppendRunIndex(r.indexDir, report.IndexEntryFromRecord(rec))
}
