package evolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"yolotune/internal/hyp"
	"yolotune/internal/model"
	"yolotune/internal/train"
)

// Trainer runs one full training job for a hyperparameter vector.
type Trainer interface {
	Run(ctx context.Context, h hyp.Vector) (model.Results, error)
}

// Reseeder is implemented by trainers whose runs draw from their own random
// sources. Each generation reseeds them with the mutator's seed.
type Reseeder interface {
	Reseed(seed int64)
}

// Syncer mirrors the local evolution log with shared storage so several
// hosts can evolve against the same population.
type Syncer interface {
	Pull(ctx context.Context, path string) error
	Push(ctx context.Context, path string) error
}

type Options struct {
	Generations int
	LogPath     string
	Syncer      Syncer
	Logger      logrus.FieldLogger
	// Out receives the per-generation mutation report. Defaults to stdout.
	Out     io.Writer
	Now     func() time.Time
	Mutator *Mutator
}

type Controller struct {
	trainer     Trainer
	generations int
	logPath     string
	syncer      Syncer
	log         logrus.FieldLogger
	out         io.Writer
	now         func() time.Time
	mutator     *Mutator
}

type Summary struct {
	// Generations counts completed mutation generations, excluding the
	// initial run.
	Generations int
	Rows        int
	BestIndex   int
	Best        model.EvolutionRecord
}

func NewController(trainer Trainer, opts Options) (*Controller, error) {
	if trainer == nil {
		return nil, errors.New("trainer is required")
	}
	if opts.Generations < 0 {
		return nil, errors.New("generations must be >= 0")
	}
	if opts.LogPath == "" {
		return nil, errors.New("evolution log path is required")
	}
	c := &Controller{
		trainer:     trainer,
		generations: opts.Generations,
		logPath:     opts.LogPath,
		syncer:      opts.Syncer,
		log:         opts.Logger,
		out:         opts.Out,
		now:         opts.Now,
		mutator:     opts.Mutator,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.mutator == nil {
		c.mutator = NewMutator(c.now().UnixNano())
	}
	return c, nil
}

// Run trains initial, records it, then mutates the best recorded vector for
// the configured number of generations.
func (c *Controller) Run(ctx context.Context, initial hyp.Vector) (Summary, error) {
	var summary Summary
	if err := c.trainAndRecord(ctx, initial); err != nil {
		return summary, fmt.Errorf("initial run: %w", err)
	}
	for g := 0; g < c.generations; g++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		base, err := c.seed(ctx)
		if err != nil {
			return summary, fmt.Errorf("generation %d: %w", g+1, err)
		}
		seed := c.now().UnixNano()
		c.mutator.Reseed(seed)
		if r, ok := c.trainer.(Reseeder); ok {
			r.Reseed(seed)
		}
		next := c.mutator.Mutate(base)
		c.log.Infof("Generation %d/%d", g+1, c.generations)
		if err := c.trainAndRecord(ctx, next); err != nil {
			return summary, fmt.Errorf("generation %d: %w", g+1, err)
		}
		summary.Generations++
	}

	rows, err := ReadLog(c.logPath)
	if err != nil {
		return summary, err
	}
	best, err := SelectBest(rows)
	if err != nil {
		return summary, err
	}
	summary.Rows = len(rows)
	summary.BestIndex = best
	summary.Best = rows[best]
	return summary, nil
}

// seed returns the hyperparameters of the fittest row in the log.
func (c *Controller) seed(ctx context.Context) (hyp.Vector, error) {
	if c.syncer != nil {
		if err := c.syncer.Pull(ctx, c.logPath); err != nil {
			return hyp.Vector{}, fmt.Errorf("pull evolution log: %w", err)
		}
	}
	rows, err := ReadLog(c.logPath)
	if err != nil {
		return hyp.Vector{}, err
	}
	best, err := SelectBest(rows)
	if err != nil {
		return hyp.Vector{}, err
	}
	return hyp.Vector(rows[best].Hyp), nil
}

func (c *Controller) trainAndRecord(ctx context.Context, h hyp.Vector) error {
	results, err := c.trainer.Run(ctx, h)
	if err != nil {
		if !errors.Is(err, train.ErrNaNLoss) {
			return err
		}
		c.log.Warnf("Run diverged, recording its last results: %v", err)
	}
	return c.record(ctx, h, results)
}

func (c *Controller) record(ctx context.Context, h hyp.Vector, results model.Results) error {
	if err := PrintMutation(c.out, h, results); err != nil {
		return err
	}
	if c.syncer != nil {
		if err := c.syncer.Pull(ctx, c.logPath); err != nil {
			return fmt.Errorf("pull evolution log: %w", err)
		}
	}
	if err := AppendLog(c.logPath, model.EvolutionRecord{Fitness: results, Hyp: [hyp.Len]float64(h)}); err != nil {
		return fmt.Errorf("append evolution log: %w", err)
	}
	if c.syncer != nil {
		if err := c.syncer.Push(ctx, c.logPath); err != nil {
			return fmt.Errorf("push evolution log: %w", err)
		}
	}
	return nil
}

// PrintMutation writes the hyperparameter names, their values and the
// resulting fitness as three aligned lines.
func PrintMutation(w io.Writer, h hyp.Vector, results model.Results) error {
	_, err := fmt.Fprintf(w, "\n%s\n%s\nEvolved fitness: %s\n", hyp.Header(), h.Format(), FormatFitness(results))
	return err
}
