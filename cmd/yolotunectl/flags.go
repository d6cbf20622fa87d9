package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"yolotune/internal/config"
)

func bindTrainFlags(cmd *cobra.Command) {
	d := config.Default()
	fs := cmd.Flags()
	fs.Int("epochs", d.Epochs, "number of epochs")
	fs.Int("batch-size", d.BatchSize, "images per batch")
	fs.Int("accumulate", d.Accumulate, "batches to accumulate before an optimizer step")
	fs.String("cfg", d.Cfg, "darknet model cfg path")
	fs.String("data", d.Data, "darknet data descriptor path")
	fs.Bool("single-scale", d.SingleScale, "train at a fixed input size")
	fs.Int("img-size", d.ImgSize, "input size in pixels, a multiple of 32")
	fs.Bool("resume", d.Resume, "resume training from --pretrained-weights")
	fs.Bool("transfer", d.Transfer, "fine-tune only the detection head of --pretrained-weights")
	fs.Int("num-workers", d.Workers, "data loader workers")
	fs.Bool("nosave", d.NoSave, "only save the final checkpoint")
	fs.Bool("notest", d.NoTest, "only validate the final epoch")
	fs.Bool("giou", d.GIoU, "use GIoU box loss")
	fs.Bool("evolve", d.Evolve, "evolve hyperparameters")
	fs.Bool("cloud-evolve", d.CloudEvolve, "evolve against a log shared through the store")
	fs.String("outdir", d.OutDir, "run directory prefix")
	fs.String("pretrained-weights", d.PretrainedWeights, "checkpoint for --resume or --transfer")
	fs.Bool("freeze-backbone", d.FreezeBackbone, "freeze backbone layers for the first epoch")
	fs.String("weights-dir", d.WeightsDir, "directory holding darknet backbone weights")
	fs.String("hyp", d.HypPath, "hyperparameter YAML file")
	fs.String("evolve-log", d.EvolveLog, "evolution log path")
	fs.Int("generations", d.Generations, "evolution generations")
	fs.Int64("seed", d.Seed, "random seed")
	fs.Bool("mixed-precision", d.MixedPrecision, "use mixed precision when the host supports it")
	fs.Int("rank", d.Rank, "process rank")
	fs.Int("world-size", d.WorldSize, "number of training processes")
}

// runConfigFromViper reads the train flags after flag, environment and config
// file values have been merged.
func runConfigFromViper(v *viper.Viper) (config.RunConfig, error) {
	cfg := config.Default()
	cfg.Epochs = v.GetInt("epochs")
	cfg.BatchSize = v.GetInt("batch-size")
	cfg.Accumulate = v.GetInt("accumulate")
	cfg.Cfg = v.GetString("cfg")
	cfg.Data = v.GetString("data")
	cfg.SingleScale = v.GetBool("single-scale")
	cfg.ImgSize = v.GetInt("img-size")
	cfg.Resume = v.GetBool("resume")
	cfg.Transfer = v.GetBool("transfer")
	cfg.Workers = v.GetInt("num-workers")
	cfg.NoSave = v.GetBool("nosave")
	cfg.NoTest = v.GetBool("notest")
	cfg.GIoU = v.GetBool("giou")
	cfg.Evolve = v.GetBool("evolve")
	cfg.CloudEvolve = v.GetBool("cloud-evolve")
	cfg.OutDir = v.GetString("outdir")
	cfg.PretrainedWeights = v.GetString("pretrained-weights")
	cfg.FreezeBackbone = v.GetBool("freeze-backbone")
	cfg.WeightsDir = v.GetString("weights-dir")
	cfg.HypPath = v.GetString("hyp")
	cfg.EvolveLog = v.GetString("evolve-log")
	cfg.Generations = v.GetInt("generations")
	cfg.Seed = v.GetInt64("seed")
	cfg.MixedPrecision = v.GetBool("mixed-precision")
	cfg.Rank = v.GetInt("rank")
	cfg.WorldSize = v.GetInt("world-size")
	cfg.StoreKind = v.GetString("store")
	cfg.DBPath = v.GetString("db-path")
	if err := cfg.Validate(); err != nil {
		return config.RunConfig{}, err
	}
	return cfg, nil
}
