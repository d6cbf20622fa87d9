package model

// Current versions stamped on persisted records.
const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Tensor is a named, dense float32 parameter or buffer in row-major order.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

func (t Tensor) Numel() int {
	if len(t.Shape) == 0 {
		return len(t.Data)
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// LeadingDim returns the size of the first dimension, or 0 for scalars.
func (t Tensor) LeadingDim() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Name:  t.Name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

func CloneTensors(ts []Tensor) []Tensor {
	if ts == nil {
		return nil
	}
	out := make([]Tensor, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

type OptimizerState struct {
	Step    uint64   `json:"step"`
	LR      float64  `json:"lr"`
	Buffers []Tensor `json:"buffers"`
}

// TrainingState is everything a checkpoint carries between runs.
type TrainingState struct {
	Epoch        int             `json:"epoch"`
	BestMetric   float64         `json:"best_metric"`
	ModelWeights []Tensor        `json:"model_weights"`
	Optimizer    *OptimizerState `json:"optimizer,omitempty"`
}

// Results is the validation tuple reported after an epoch.
type Results struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	MAP       float64 `json:"map"`
	F1        float64 `json:"f1"`
	TestLoss  float64 `json:"test_loss"`
}

func (r Results) Tuple() [5]float64 {
	return [5]float64{r.Precision, r.Recall, r.MAP, r.F1, r.TestLoss}
}

func ResultsFromTuple(v [5]float64) Results {
	return Results{Precision: v[0], Recall: v[1], MAP: v[2], F1: v[3], TestLoss: v[4]}
}

// EvolutionRecord is one row of the evolution log: fitness then hyperparameters.
type EvolutionRecord struct {
	Fitness Results     `json:"fitness"`
	Hyp     [12]float64 `json:"hyp"`
}

// EvolutionLog is a named, ordered set of evolution rows as kept by a shared
// store.
type EvolutionLog struct {
	VersionedRecord
	Name string            `json:"name"`
	Rows []EvolutionRecord `json:"rows"`
}

// RunRecord summarizes a finished training run.
// Epochs counts the epochs completed, including those before a resume.
type RunRecord struct {
	VersionedRecord
	ID           string      `json:"id"`
	RunDir       string      `json:"run_dir"`
	CreatedAtUTC string      `json:"created_at_utc"`
	Epochs       int         `json:"epochs"`
	Hyp          [12]float64 `json:"hyp"`
	Results      Results     `json:"results"`
	Aborted      bool        `json:"aborted,omitempty"`
}

// Target is one labelled box in a batch: image index in the batch, class and
// normalized center/size.
type Target struct {
	Image int     `json:"image"`
	Class int     `json:"class"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
}
