// Package checkpoint persists training state to run directories.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"yolotune/internal/model"
)

const (
	LatestName = "latest.pt"
	BestName   = "best.pt"
)

var (
	ErrNotFound      = errors.New("checkpoint not found")
	ErrCorrupt       = errors.New("checkpoint corrupt")
	ErrShapeMismatch = errors.New("checkpoint incompatible with model")
)

// LoadError reports a checkpoint or pretrained-weight file that cannot be used.
// It always wraps one of ErrNotFound, ErrCorrupt or ErrShapeMismatch.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load checkpoint %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func LatestPath(runDir string) string {
	return filepath.Join(runDir, LatestName)
}

func BestPath(runDir string) string {
	return filepath.Join(runDir, BestName)
}

func BackupPath(runDir string, epoch int) string {
	return filepath.Join(runDir, "backup"+strconv.Itoa(epoch)+".pt")
}

// Save encodes state and atomically replaces path with it.
func Save(path string, state model.TrainingState) error {
	return WriteBlob(path, Encode(state))
}

// WriteBlob atomically replaces path with an already encoded checkpoint.
func WriteBlob(path string, blob []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func Load(path string) (model.TrainingState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.TrainingState{}, &LoadError{Path: path, Err: ErrNotFound}
		}
		return model.TrainingState{}, &LoadError{Path: path, Err: err}
	}
	state, err := Decode(data)
	if err != nil {
		return model.TrainingState{}, &LoadError{Path: path, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	return state, nil
}

// CheckShapes verifies that every tensor the model expects is present in the
// stored weights with an identical shape.
func CheckShapes(path string, stored, current []model.Tensor) error {
	byName := make(map[string]model.Tensor, len(stored))
	for _, t := range stored {
		byName[t.Name] = t
	}
	for _, want := range current {
		got, ok := byName[want.Name]
		if !ok {
			return &LoadError{Path: path, Err: fmt.Errorf("%w: missing tensor %s", ErrShapeMismatch, want.Name)}
		}
		if !sameShape(got.Shape, want.Shape) {
			return &LoadError{Path: path, Err: fmt.Errorf("%w: tensor %s has shape %v, model expects %v", ErrShapeMismatch, want.Name, got.Shape, want.Shape)}
		}
	}
	return nil
}

// FilterTransfer keeps the stored tensors that can seed a model with a
// different class count. Scalars and tensors whose leading dimension equals the
// current head width headWidth are dropped, as are tensors matching any of
// the extra head widths and anything the current model has no identically
// shaped slot for.
func FilterTransfer(stored, current []model.Tensor, headWidth int, extra ...int) []model.Tensor {
	shapes := make(map[string][]int, len(current))
	for _, t := range current {
		shapes[t.Name] = t.Shape
	}
	kept := make([]model.Tensor, 0, len(stored))
	for _, t := range stored {
		if t.Numel() <= 1 || isHead(t.LeadingDim(), headWidth, extra) {
			continue
		}
		shape, ok := shapes[t.Name]
		if !ok || !sameShape(shape, t.Shape) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func isHead(dim, headWidth int, extra []int) bool {
	if dim == headWidth {
		return true
	}
	for _, w := range extra {
		if w > 0 && dim == w {
			return true
		}
	}
	return false
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
