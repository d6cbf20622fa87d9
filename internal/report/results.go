// Package report renders training progress and owns the append-only text and
// JSON artifacts of a run.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"yolotune/internal/model"
)

const ResultsFile = "results.txt"

// LossLabels names the five running loss components in display order.
var LossLabels = [5]string{"xy", "wh", "conf", "cls", "total"}

// Header is the column header printed before every epoch.
func Header() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%8s%12s", "Epoch", "Batch")
	for _, label := range LossLabels {
		fmt.Fprintf(&b, "%10s", label)
	}
	fmt.Fprintf(&b, "%10s%10s", "targets", "img_size")
	return b.String()
}

// FormatBatch renders the running state after batch i of epoch.
func FormatBatch(epoch, epochs, i, batches int, mloss [5]float64, targets, imgSize int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%8s%12s", fmt.Sprintf("%d/%d", epoch, epochs-1), fmt.Sprintf("%d/%d", i, batches-1))
	for _, v := range mloss {
		fmt.Fprintf(&b, "%10.3g", v)
	}
	fmt.Fprintf(&b, "%10.3g%10.3g", float64(targets), float64(imgSize))
	return b.String()
}

// FormatResults renders the validation tuple appended after the batch summary.
func FormatResults(r model.Results) string {
	var b strings.Builder
	for _, v := range r.Tuple() {
		fmt.Fprintf(&b, "%11.3g", v)
	}
	return b.String()
}

// ResultsLog is the per-run results.txt. Lines are only ever appended.
type ResultsLog struct {
	path string
}

// CreateResultsLog starts an empty results.txt in runDir, replacing any
// previous content.
func CreateResultsLog(runDir string) (*ResultsLog, error) {
	path := filepath.Join(runDir, ResultsFile)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &ResultsLog{path: path}, nil
}

func (l *ResultsLog) Path() string {
	return l.path
}

// Append writes one epoch line: the last batch summary followed by results.
func (l *ResultsLog) Append(batchLine string, r model.Results) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s%s\n", batchLine, FormatResults(r)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RemoveStale deletes batch plots and results left in runDir by an earlier run.
func RemoveStale(runDir string) ([]string, error) {
	plots, err := filepath.Glob(filepath.Join(runDir, "*_batch*.jpg"))
	if err != nil {
		return nil, err
	}
	candidates := append(plots, filepath.Join(runDir, ResultsFile))
	var removed []string
	for _, path := range candidates {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, err
		}
		removed = append(removed, path)
	}
	return removed, nil
}
