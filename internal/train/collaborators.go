package train

import (
	"context"

	"yolotune/internal/darknet"
	"yolotune/internal/hyp"
	"yolotune/internal/model"
)

// Parameter describes one trainable tensor of a model. Layer is the index of
// the module it belongs to; RequiresGrad is honored by the model's backward.
type Parameter struct {
	Name         string
	Layer        int
	Shape        []int
	RequiresGrad bool
}

func (p *Parameter) LeadingDim() int {
	if len(p.Shape) == 0 {
		return 0
	}
	return p.Shape[0]
}

type Model interface {
	Forward(ctx context.Context, images model.Tensor) ([]model.Tensor, error)
	Parameters() []*Parameter
	SetTraining(training bool)
	StateDict() []model.Tensor
	// LoadStateDict copies ws into the model. With strict set, every model
	// tensor must be present with its exact shape.
	LoadStateDict(ws []model.Tensor, strict bool) error
	// HeadWidth is the output channel count of the convolution feeding the
	// first detection layer.
	HeadWidth() int
}

// Unwrapper is implemented by models wrapped for synchronized multi-process
// training. Unwrap returns the canonical copy whose state is checkpointed.
type Unwrapper interface {
	Unwrap() Model
}

type Optimizer interface {
	LR() float64
	SetLR(lr float64)
	Step() error
	ZeroGrad()
	State() model.OptimizerState
	LoadState(state model.OptimizerState) error
}

// GradientUnscaler is implemented by optimizers that can divide accumulated
// gradients by the loss scale before stepping. Mixed precision requires it.
type GradientUnscaler interface {
	Unscale(scale float64) error
}

type Loss interface {
	Value() float64
	// Items returns xy, wh, conf, cls and total loss for display.
	Items() [5]float64
	Backward(scale float64) error
}

type LossFunc interface {
	ComputeLoss(ctx context.Context, preds []model.Tensor, targets []model.Target, h hyp.Vector, useGIoU bool) (Loss, error)
}

type EvalRequest struct {
	Cfg           string
	Data          string
	BatchSize     int
	ImgSize       int
	ConfThreshold float64
	Hyp           hyp.Vector
	GIoU          bool
}

type Validator interface {
	// Evaluate returns the validation tuple and per-class mAP.
	Evaluate(ctx context.Context, req EvalRequest, m Model) (model.Results, []float64, error)
}

type Batch struct {
	Images  model.Tensor
	Targets []model.Target
	Paths   []string
}

type Loader interface {
	// Len is the number of batches per epoch.
	Len() int
	Classes() int
	Samples() int
	// Iterate calls fn for every batch of one epoch in loader order.
	Iterate(ctx context.Context, fn func(i int, b Batch) error) error
}

type LoaderRequest struct {
	ListPath  string
	Classes   int
	ImgSize   int
	BatchSize int
	Workers   int
	Augment   bool
	Shuffle   bool
	Seed      int64
	Rank      int
	WorldSize int
}

// Backend constructs the collaborators of a run.
type Backend interface {
	NewModel(arch darknet.Architecture, classes int) (Model, error)
	NewOptimizer(m Model, h hyp.Vector) (Optimizer, error)
	NewLoader(ctx context.Context, req LoaderRequest) (Loader, error)
	// LoadBackbone seeds the leading layers of m from darknet weights and
	// returns the cutoff layer index.
	LoadBackbone(m Model, w darknet.Weights) (int, error)
	Loss() LossFunc
	Validator() Validator
}

// RunRecorder receives the summary of every finished or aborted run.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec model.RunRecord) error
}
