package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"yolotune/internal/config"
	"yolotune/internal/hyp"
	"yolotune/internal/model"
)

const (
	runIndexFile = "run_index.json"
	ConfigFile   = "config.json"
	HypFile      = "hyp.yaml"
)

// RunConfigArtifact is the config.json written into every run directory.
type RunConfigArtifact struct {
	RunID          string             `json:"run_id"`
	CreatedAtUTC   string             `json:"created_at_utc"`
	Config         config.RunConfig   `json:"config"`
	Hyp            map[string]float64 `json:"hyp"`
	MixedPrecision bool               `json:"mixed_precision_active"`
}

type RunIndexEntry struct {
	RunID        string        `json:"run_id"`
	RunDir       string        `json:"run_dir"`
	CreatedAtUTC string        `json:"created_at_utc"`
	Epochs       int           `json:"epochs"`
	Results      model.Results `json:"results"`
	Aborted      bool          `json:"aborted,omitempty"`
}

func IndexEntryFromRecord(rec model.RunRecord) RunIndexEntry {
	return RunIndexEntry{
		RunID:        rec.ID,
		RunDir:       rec.RunDir,
		CreatedAtUTC: rec.CreatedAtUTC,
		Epochs:       rec.Epochs,
		Results:      rec.Results,
		Aborted:      rec.Aborted,
	}
}

// WriteRunConfig stores config.json and hyp.yaml in runDir.
func WriteRunConfig(runDir string, artifact RunConfigArtifact, h hyp.Vector) error {
	if artifact.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if artifact.Hyp == nil {
		artifact.Hyp = h.Map()
	}
	if err := writeJSON(filepath.Join(runDir, ConfigFile), artifact); err != nil {
		return err
	}
	return hyp.Save(filepath.Join(runDir, HypFile), h)
}

func ReadRunConfig(runDir string) (RunConfigArtifact, bool, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfigArtifact{}, false, nil
		}
		return RunConfigArtifact{}, false, err
	}
	var artifact RunConfigArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return RunConfigArtifact{}, false, err
	}
	return artifact, true, nil
}

// AppendRunIndex inserts or replaces entry in baseDir's run index.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ea, eb := entries[order[a]], entries[order[b]]
		if ea.CreatedAtUTC == eb.CreatedAtUTC {
			// Later appends win ties.
			return order[a] > order[b]
		}
		return ea.CreatedAtUTC > eb.CreatedAtUTC
	})
	sorted := make([]RunIndexEntry, 0, len(entries))
	for _, idx := range order {
		sorted = append(sorted, entries[idx])
	}
	return sorted, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
