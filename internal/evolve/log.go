// Package evolve searches the hyperparameter space by repeatedly mutating the
// best vector found so far and training with it.
package evolve

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"yolotune/internal/hyp"
	"yolotune/internal/model"
)

// RowFields is the number of values per evolution log row: the five fitness
// values followed by the hyperparameters.
const RowFields = 5 + hyp.Len

var ErrEmptyLog = errors.New("evolution log has no rows")

// FormatFitness renders a fitness tuple the way it leads each log row.
func FormatFitness(r model.Results) string {
	var b strings.Builder
	for _, v := range r.Tuple() {
		fmt.Fprintf(&b, "%11.3g", v)
	}
	return b.String()
}

// FormatRow renders one log line without the trailing newline.
func FormatRow(rec model.EvolutionRecord) string {
	return FormatFitness(rec.Fitness) + hyp.Vector(rec.Hyp).Format()
}

// ReadLog parses every row of the log at path.
func ReadLog(path string) ([]model.EvolutionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := ParseLog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

func ParseLog(r io.Reader) ([]model.EvolutionRecord, error) {
	var rows []model.EvolutionRecord
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != RowFields {
			return nil, fmt.Errorf("line %d: expected %d values, got %d", line, RowFields, len(fields))
		}
		var values [RowFields]float64
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: value %d: %w", line, i+1, err)
			}
			values[i] = v
		}
		var rec model.EvolutionRecord
		rec.Fitness = model.ResultsFromTuple([5]float64(values[:5]))
		copy(rec.Hyp[:], values[5:])
		rows = append(rows, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// AppendLog adds one row to the log at path, creating the file if needed.
func AppendLog(path string, rec model.EvolutionRecord) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, FormatRow(rec)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteLog replaces the log at path with rows.
func WriteLog(path string, rows []model.EvolutionRecord) error {
	var b strings.Builder
	for _, rec := range rows {
		b.WriteString(FormatRow(rec))
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
