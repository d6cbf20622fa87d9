// Package hyp holds the fixed, ordered set of training hyperparameters that
// weight the loss terms and drive the optimizer.
package hyp

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const Len = 12

const (
	GIoU = iota
	XY
	WH
	Cls
	ClsPW
	Conf
	ConfPW
	IoUT
	LR0
	LRF
	Momentum
	WeightDecay
)

// Keys lists hyperparameter names in storage order. Evolution log columns and
// sigma tables are indexed by this order.
var Keys = [Len]string{
	"giou",
	"xy",
	"wh",
	"cls",
	"cls_pw",
	"conf",
	"conf_pw",
	"iou_t",
	"lr0",
	"lrf",
	"momentum",
	"weight_decay",
}

// Vector is a value type: copies never alias.
type Vector [Len]float64

func Default() Vector {
	return Vector{
		GIoU:        1.008,
		XY:          1.421,
		WH:          0.07989,
		Cls:         16.94,
		ClsPW:       6.215,
		Conf:        10.61,
		ConfPW:      4.272,
		IoUT:        0.251,
		LR0:         0.001,
		LRF:         -4,
		Momentum:    0.90,
		WeightDecay: 0.0005,
	}
}

func Index(name string) (int, bool) {
	for i, k := range Keys {
		if k == name {
			return i, true
		}
	}
	return 0, false
}

func (v Vector) Get(name string) (float64, error) {
	i, ok := Index(name)
	if !ok {
		return 0, fmt.Errorf("unknown hyperparameter: %s", name)
	}
	return v[i], nil
}

func (v *Vector) Set(name string, value float64) error {
	i, ok := Index(name)
	if !ok {
		return fmt.Errorf("unknown hyperparameter: %s", name)
	}
	v[i] = value
	return nil
}

func FromValues(values []float64) (Vector, error) {
	if len(values) != Len {
		return Vector{}, fmt.Errorf("hyperparameter vector needs %d values, got %d", Len, len(values))
	}
	var v Vector
	copy(v[:], values)
	return v, nil
}

func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, Len)
	for i, k := range Keys {
		out[k] = v[i]
	}
	return out
}

// Validate checks that every value is finite and that all values except lrf
// (a log10 ratio) are non-negative.
func (v Vector) Validate() error {
	for i, k := range Keys {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			return fmt.Errorf("hyperparameter %s is not finite: %v", k, v[i])
		}
		if i != LRF && v[i] < 0 {
			return fmt.Errorf("hyperparameter %s must be >= 0: %v", k, v[i])
		}
	}
	if v[LR0] == 0 {
		return errors.New("hyperparameter lr0 must be > 0")
	}
	return nil
}

// FinalLR is lr0 * 10^lrf.
func (v Vector) FinalLR() float64 {
	return v[LR0] * math.Pow(10, v[LRF])
}

// Header renders the key names as fixed-width columns.
func Header() string {
	var b strings.Builder
	for _, k := range Keys {
		fmt.Fprintf(&b, "%11s", k)
	}
	return b.String()
}

// Format renders values as fixed-width columns, the layout used by the
// evolution log.
func (v Vector) Format() string {
	var b strings.Builder
	for _, x := range v {
		fmt.Fprintf(&b, "%11.4g", x)
	}
	return b.String()
}

// Load reads a YAML mapping of name to value. Keys missing from the file keep
// their default value; unknown keys are rejected.
func Load(path string) (Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vector{}, err
	}
	var raw map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Vector{}, fmt.Errorf("parse hyperparameters %s: %w", path, err)
	}
	v := Default()
	for k, x := range raw {
		if err := v.Set(k, x); err != nil {
			return Vector{}, fmt.Errorf("parse hyperparameters %s: %w", path, err)
		}
	}
	if err := v.Validate(); err != nil {
		return Vector{}, err
	}
	return v, nil
}

func Save(path string, v Vector) error {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for i, k := range Keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: fmt.Sprintf("%g", v[i])},
		)
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
