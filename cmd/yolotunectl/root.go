package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"yolotune/internal/config"
	"yolotune/internal/evolve"
	"yolotune/internal/hyp"
	"yolotune/internal/storage"
	"yolotune/pkg/yolotune"
)

const envPrefix = "YOLOTUNE"

// cli carries the state shared by every subcommand of one invocation.
type cli struct {
	v      *viper.Viper
	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logger: logrus.New()}
	root := &cobra.Command{
		Use:           "yolotunectl",
		Short:         "Fine-tune YOLO detectors and evolve their hyperparameters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "YAML file with flag values")
	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	pf.String("db-path", config.DefaultDBPath, "sqlite database path")

	root.AddCommand(c.trainCmd(), c.runsCmd(), c.bestCmd())
	return root
}

// setup binds the executing command's flags, merges the optional config file
// and environment, and configures the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := c.v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if path := c.v.GetString("config"); path != "" {
		c.v.SetConfigFile(path)
		c.v.SetConfigType("yaml")
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	level, err := logrus.ParseLevel(c.v.GetString("log-level"))
	if err != nil {
		return err
	}
	c.logger.SetLevel(level)
	c.logger.SetOutput(cmd.ErrOrStderr())
	c.logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return nil
}

func (c *cli) client(out io.Writer) (*yolotune.Client, error) {
	return yolotune.New(yolotune.Options{
		StoreKind: c.v.GetString("store"),
		DBPath:    c.v.GetString("db-path"),
		Logger:    c.logger,
		Out:       out,
	})
}

func (c *cli) trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one fine-tuning job, or evolve hyperparameters with --evolve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := runConfigFromViper(c.v)
			if err != nil {
				return err
			}
			client, err := c.client(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Train(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if s := summary.Evolution; s != nil {
				fmt.Fprintf(out, "generations=%d rows=%d best_row=%d best_map=%.4f\n", s.Generations, s.Rows, s.BestIndex, s.Best.Fitness.MAP)
				return nil
			}
			r := summary.Results
			fmt.Fprintf(out, "precision=%.4f recall=%.4f map=%.4f f1=%.4f test_loss=%.4f\n", r.Precision, r.Recall, r.MAP, r.F1, r.TestLoss)
			return nil
		},
	}
	bindTrainFlags(cmd)
	return cmd
}

func (c *cli) runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit := c.v.GetInt("limit")
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, err := c.client(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			items, err := client.Runs(cmd.Context(), yolotune.RunsRequest{OutDir: c.v.GetString("outdir"), Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.v.GetBool("json") {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			for _, item := range items {
				status := "ok"
				if item.Aborted {
					status = "aborted"
				}
				fmt.Fprintf(out, "run_id=%s created_at=%s epochs=%s map=%.4f test_loss=%.4f status=%s dir=%s\n",
					item.RunID,
					item.CreatedAtUTC,
					humanize.Comma(int64(item.Epochs)),
					item.Results.MAP,
					item.Results.TestLoss,
					status,
					item.RunDir,
				)
			}
			return nil
		},
	}
	cmd.Flags().String("outdir", config.DefaultOutDir, "run output prefix whose parent holds the run index")
	cmd.Flags().Int("limit", 20, "max runs to list")
	cmd.Flags().Bool("json", false, "emit runs as JSON")
	return cmd
}

func (c *cli) bestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "best",
		Short: "Print the highest-mAP row of the evolution log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			best, err := client.Best(cmd.Context(), c.v.GetString("evolve-log"), c.v.GetBool("cloud-evolve"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "row %d of %d\n", best.Index+1, best.Rows)
			return evolve.PrintMutation(out, hyp.Vector(best.Row.Hyp), best.Row.Fitness)
		},
	}
	cmd.Flags().String("evolve-log", config.DefaultEvolveLog, "evolution log path")
	cmd.Flags().Bool("cloud-evolve", false, "pull the shared log from the store first")
	return cmd
}
