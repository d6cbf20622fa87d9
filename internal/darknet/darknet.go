// Package darknet reads the darknet-format files that describe a detector:
// the .data dataset descriptor, the .cfg architecture and backbone weights.
package darknet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrNoYOLOLayer = errors.New("cfg has no yolo layer")

// DataConfig is the parsed .data descriptor.
type DataConfig struct {
	Classes int
	Train   string
	Valid   string
	Names   string
	Extra   map[string]string
}

func ParseDataFile(path string) (DataConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return DataConfig{}, err
	}
	defer f.Close()
	return ParseData(f)
}

func ParseData(r io.Reader) (DataConfig, error) {
	cfg := DataConfig{Extra: map[string]string{}}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return DataConfig{}, fmt.Errorf("line %d: expected key=value, got %q", line, text)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "classes":
			n, err := strconv.Atoi(value)
			if err != nil {
				return DataConfig{}, fmt.Errorf("line %d: classes: %w", line, err)
			}
			cfg.Classes = n
		case "train":
			cfg.Train = value
		case "valid":
			cfg.Valid = value
		case "names":
			cfg.Names = value
		default:
			cfg.Extra[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return DataConfig{}, err
	}
	if cfg.Classes <= 0 {
		return DataConfig{}, errors.New("data descriptor must declare classes > 0")
	}
	if cfg.Train == "" {
		return DataConfig{}, errors.New("data descriptor must declare train")
	}
	return cfg, nil
}

// Section is one [type] block of a cfg file. Sections keep file order, so
// repeated types stay distinct.
type Section struct {
	Type    string
	Options map[string]string
}

func (s Section) Int(key string, fallback int) (int, error) {
	v, ok := s.Options[key]
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("[%s] %s: %w", s.Type, key, err)
	}
	return n, nil
}

// Architecture is a parsed cfg: the leading [net] block and the module list.
type Architecture struct {
	Net     Section
	Modules []Section
}

func ParseCfgFile(path string) (Architecture, error) {
	f, err := os.Open(path)
	if err != nil {
		return Architecture{}, err
	}
	defer f.Close()
	return ParseCfg(f)
}

func ParseCfg(r io.Reader) (Architecture, error) {
	var sections []Section
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if strings.HasPrefix(text, "[") {
			if !strings.HasSuffix(text, "]") {
				return Architecture{}, fmt.Errorf("line %d: unterminated section %q", line, text)
			}
			sections = append(sections, Section{
				Type:    strings.TrimSpace(text[1 : len(text)-1]),
				Options: map[string]string{},
			})
			continue
		}
		if len(sections) == 0 {
			return Architecture{}, fmt.Errorf("line %d: option outside a section", line)
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return Architecture{}, fmt.Errorf("line %d: expected key=value, got %q", line, text)
		}
		sections[len(sections)-1].Options[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return Architecture{}, err
	}
	if len(sections) == 0 {
		return Architecture{}, errors.New("cfg has no sections")
	}
	arch := Architecture{}
	if sections[0].Type == "net" || sections[0].Type == "network" {
		arch.Net = sections[0]
		sections = sections[1:]
	}
	arch.Modules = sections
	return arch, nil
}

// YOLOLayers returns the module indices of the detection layers.
func (a Architecture) YOLOLayers() []int {
	var idx []int
	for i, m := range a.Modules {
		if m.Type == "yolo" {
			idx = append(idx, i)
		}
	}
	return idx
}

// HeadWidth is the filter count of the convolution feeding the first yolo
// layer, i.e. anchors*(classes+5).
func (a Architecture) HeadWidth() (int, error) {
	layers := a.YOLOLayers()
	if len(layers) == 0 || layers[0] == 0 {
		return 0, ErrNoYOLOLayer
	}
	prev := a.Modules[layers[0]-1]
	n, err := prev.Int("filters", 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("module %d feeding yolo layer declares no filters", layers[0]-1)
	}
	return n, nil
}

// Classes returns the class count declared by the first yolo layer.
func (a Architecture) Classes() (int, error) {
	layers := a.YOLOLayers()
	if len(layers) == 0 {
		return 0, ErrNoYOLOLayer
	}
	return a.Modules[layers[0]].Int("classes", 80)
}

// Weights is the content of a darknet binary weights file.
type Weights struct {
	Major    int32
	Minor    int32
	Revision int32
	Seen     int64
	Values   []float32
	// Cutoff is the number of leading layers the file covers, or -1 when it
	// covers the whole network.
	Cutoff int
}

// CutoffFor maps the known backbone files to the layer count they seed.
func CutoffFor(path string) int {
	switch filepath.Base(path) {
	case "darknet53.conv.74":
		return 75
	case "yolov3-tiny.conv.15":
		return 15
	}
	return -1
}

func ReadWeightsFile(path string) (Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return Weights{}, err
	}
	defer f.Close()
	w, err := ReadWeights(bufio.NewReader(f))
	if err != nil {
		return Weights{}, fmt.Errorf("read %s: %w", path, err)
	}
	w.Cutoff = CutoffFor(path)
	return w, nil
}

func ReadWeights(r io.Reader) (Weights, error) {
	var header [3]int32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return Weights{}, fmt.Errorf("header: %w", err)
	}
	w := Weights{Major: header[0], Minor: header[1], Revision: header[2], Cutoff: -1}
	if w.Major*10+w.Minor >= 2 {
		if err := binary.Read(r, binary.LittleEndian, &w.Seen); err != nil {
			return Weights{}, fmt.Errorf("seen: %w", err)
		}
	} else {
		var seen int32
		if err := binary.Read(r, binary.LittleEndian, &seen); err != nil {
			return Weights{}, fmt.Errorf("seen: %w", err)
		}
		w.Seen = int64(seen)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Weights{}, err
	}
	if len(data)%4 != 0 {
		return Weights{}, fmt.Errorf("weights payload of %d bytes is not float32 aligned", len(data))
	}
	w.Values = make([]float32, len(data)/4)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, w.Values); err != nil {
		return Weights{}, err
	}
	return w, nil
}

// WriteWeights writes w in darknet layout. Files from version 0.2 on carry a
// 64-bit seen counter.
func WriteWeights(wr io.Writer, w Weights) error {
	header := [3]int32{w.Major, w.Minor, w.Revision}
	if err := binary.Write(wr, binary.LittleEndian, header); err != nil {
		return err
	}
	if w.Major*10+w.Minor >= 2 {
		if err := binary.Write(wr, binary.LittleEndian, w.Seen); err != nil {
			return err
		}
	} else if err := binary.Write(wr, binary.LittleEndian, int32(w.Seen)); err != nil {
		return err
	}
	return binary.Write(wr, binary.LittleEndian, w.Values)
}
