// Package config holds the immutable parameters of one training invocation.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultEpochs            = 100
	DefaultBatchSize         = 16
	DefaultAccumulate        = 8
	DefaultImgSize           = 416
	DefaultWorkers           = 4
	DefaultGenerations       = 1000
	DefaultConfThreshold     = 0.5
	DefaultSourceHeadWidth   = 255
	DefaultOutDir            = "fine-tuning-out"
	DefaultPretrainedWeights = "weights/yolov3.pt"
	DefaultWeightsDir        = "weights"
	DefaultCfg               = "cfg/yolov3.cfg"
	DefaultData              = "data/coco.data"
	DefaultEvolveLog         = "evolve.txt"
	DefaultStoreKind         = "memory"
	DefaultDBPath            = "yolotune.db"
)

// RunConfig is built once by the caller and passed by value to every
// component that needs it.
type RunConfig struct {
	Cfg               string  `json:"cfg" yaml:"cfg"`
	Data              string  `json:"data" yaml:"data"`
	ImgSize           int     `json:"img_size" yaml:"img_size"`
	Epochs            int     `json:"epochs" yaml:"epochs"`
	BatchSize         int     `json:"batch_size" yaml:"batch_size"`
	Accumulate        int     `json:"accumulate" yaml:"accumulate"`
	SingleScale       bool    `json:"single_scale" yaml:"single_scale"`
	Resume            bool    `json:"resume" yaml:"resume"`
	Transfer          bool    `json:"transfer" yaml:"transfer"`
	Workers           int     `json:"num_workers" yaml:"num_workers"`
	NoSave            bool    `json:"nosave" yaml:"nosave"`
	NoTest            bool    `json:"notest" yaml:"notest"`
	GIoU              bool    `json:"giou" yaml:"giou"`
	Evolve            bool    `json:"evolve" yaml:"evolve"`
	CloudEvolve       bool    `json:"cloud_evolve" yaml:"cloud_evolve"`
	OutDir            string  `json:"outdir" yaml:"outdir"`
	PretrainedWeights string  `json:"pretrained_weights" yaml:"pretrained_weights"`
	FreezeBackbone    bool    `json:"freeze_backbone" yaml:"freeze_backbone"`
	WeightsDir        string  `json:"weights_dir" yaml:"weights_dir"`
	HypPath           string  `json:"hyp,omitempty" yaml:"hyp"`
	EvolveLog         string  `json:"evolve_log" yaml:"evolve_log"`
	Generations       int     `json:"generations" yaml:"generations"`
	Seed              int64   `json:"seed" yaml:"seed"`
	MixedPrecision    bool    `json:"mixed_precision" yaml:"mixed_precision"`
	Rank              int     `json:"rank" yaml:"rank"`
	WorldSize         int     `json:"world_size" yaml:"world_size"`
	StoreKind         string  `json:"store" yaml:"store"`
	DBPath            string  `json:"db_path" yaml:"db_path"`
	ConfThreshold     float64 `json:"conf_threshold" yaml:"conf_threshold"`
	SourceHeadWidth   int     `json:"source_head_width" yaml:"source_head_width"`
}

func Default() RunConfig {
	return RunConfig{
		Cfg:               DefaultCfg,
		Data:              DefaultData,
		ImgSize:           DefaultImgSize,
		Epochs:            DefaultEpochs,
		BatchSize:         DefaultBatchSize,
		Accumulate:        DefaultAccumulate,
		Workers:           DefaultWorkers,
		OutDir:            DefaultOutDir,
		PretrainedWeights: DefaultPretrainedWeights,
		WeightsDir:        DefaultWeightsDir,
		EvolveLog:         DefaultEvolveLog,
		Generations:       DefaultGenerations,
		MixedPrecision:    true,
		WorldSize:         1,
		StoreKind:         DefaultStoreKind,
		DBPath:            DefaultDBPath,
		ConfThreshold:     DefaultConfThreshold,
		SourceHeadWidth:   DefaultSourceHeadWidth,
	}
}

func (c RunConfig) Validate() error {
	if c.Cfg == "" {
		return errors.New("cfg path is required")
	}
	if c.Data == "" {
		return errors.New("data path is required")
	}
	if c.OutDir == "" {
		return errors.New("outdir is required")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.Accumulate <= 0 {
		return fmt.Errorf("accumulate must be > 0, got %d", c.Accumulate)
	}
	if c.ImgSize <= 0 || c.ImgSize%32 != 0 {
		return fmt.Errorf("img size must be a positive multiple of 32, got %d", c.ImgSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("num workers must be >= 0, got %d", c.Workers)
	}
	if c.Resume && c.Transfer {
		return errors.New("resume and transfer are mutually exclusive")
	}
	if (c.Resume || c.Transfer) && c.PretrainedWeights == "" {
		return errors.New("pretrained weights path is required for resume or transfer")
	}
	if c.Evolving() && c.Generations < 0 {
		return fmt.Errorf("generations must be >= 0, got %d", c.Generations)
	}
	if c.WorldSize <= 0 {
		return fmt.Errorf("world size must be > 0, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d outside world size %d", c.Rank, c.WorldSize)
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("conf threshold must be within [0,1], got %g", c.ConfThreshold)
	}
	if c.SourceHeadWidth <= 0 {
		return fmt.Errorf("source head width must be > 0, got %d", c.SourceHeadWidth)
	}
	return nil
}

// Evolving reports whether either evolution mode was requested.
func (c RunConfig) Evolving() bool {
	return c.Evolve || c.CloudEvolve
}

// ForEvolution returns the configuration used for every evolution run: only
// the final epoch is validated and only the final checkpoint is written.
func (c RunConfig) ForEvolution() RunConfig {
	c.Evolve = c.Evolving()
	c.NoTest = true
	c.NoSave = true
	return c
}

// MultiScale reports whether the input resolution varies during training.
func (c RunConfig) MultiScale() bool {
	return !c.SingleScale
}

// TinyBackbone reports whether the architecture uses the tiny backbone
// weights when training from scratch.
func (c RunConfig) TinyBackbone() bool {
	return strings.HasSuffix(filepath.Base(c.Cfg), "-tiny.cfg")
}

// BackboneWeights is the darknet file that seeds a run started from scratch.
func (c RunConfig) BackboneWeights() string {
	if c.TinyBackbone() {
		return filepath.Join(c.WeightsDir, "yolov3-tiny.conv.15")
	}
	return filepath.Join(c.WeightsDir, "darknet53.conv.74")
}

// IsPrimary reports whether this process owns checkpoint and report output.
func (c RunConfig) IsPrimary() bool {
	return c.Rank == 0
}
