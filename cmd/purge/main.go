// Command purge is the CLI front end for a bulk file purge: it parses
// flags (each mirrored by an EFSPURGE_* environment variable, flag
// always wins), builds a Config, and runs the orchestrator to
// completion, translating its result into the exit codes the external
// interface contract promises.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/efspurge/efspurge/internal/config"
	"github.com/efspurge/efspurge/internal/errkind"
	"github.com/efspurge/efspurge/internal/logkit"
	"github.com/efspurge/efspurge/internal/orchestrator"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	v := viper.New()
	defaults := config.Defaults()
	config.BindEnv(v, defaults)

	var cfg config.Config
	root := &cobra.Command{
		Use:     "purge PATH",
		Short:   "High-throughput bulk file purger for EFS-class filesystems",
		Version: version,
		Args:    cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			cfg.RootPath = posArgs[0]
			bindOverrides(cmd, v, &cfg)
			return execute(cmd.Context(), cfg)
		},
	}
	registerFlags(root, &cfg, defaults)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "operation cancelled")
			return 130
		}
		kind := errkind.Classify(err)
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		return errkind.ExitCode(kind)
	}
	return 0
}

func registerFlags(cmd *cobra.Command, cfg *config.Config, d config.Config) {
	f := cmd.Flags()
	f.Float64Var(&cfg.MaxAgeDays, "max-age-days", d.MaxAgeDays, "files older than this (in days) will be purged")
	f.BoolVar(&cfg.DryRun, "dry-run", d.DryRun, "report what would be deleted without deleting")
	f.IntVar(&cfg.MaxConcurrency, "max-concurrency", 0, "deprecated: sets both scanning and deletion slot counts")
	f.IntVar(&cfg.ScanSlots, "max-concurrency-scanning", d.ScanSlots, "maximum concurrent stat operations")
	f.IntVar(&cfg.DeleteSlots, "max-concurrency-deletion", d.DeleteSlots, "maximum concurrent delete operations")
	f.IntVar(&cfg.SubdirSlots, "max-concurrent-subdirs", d.SubdirSlots, "maximum subdirectories scanned concurrently")
	f.IntVar(&cfg.TaskBatchSize, "task-batch-size", d.TaskBatchSize, "maximum file tasks buffered before a flush")
	f.BoolVar(&cfg.RemoveEmptyDirs, "remove-empty-dirs", d.RemoveEmptyDirs, "remove empty directories after scanning")
	f.IntVar(&cfg.MaxEmptyDirsPerRun, "max-empty-dirs-per-run", d.MaxEmptyDirsPerRun, "cap on empty directories considered per run (0 = unlimited)")
	f.IntVar(&cfg.MemoryLimitMB, "memory-limit-mb", d.MemoryLimitMB, "soft memory ceiling in MB (0 disables back-pressure)")
	f.IntVar(&cfg.ProgressIntervalSeconds, "progress-interval-seconds", d.ProgressIntervalSeconds, "seconds between progress reports")
	f.StringVar(&cfg.LogLevel, "log-level", d.LogLevel, "DEBUG, INFO, WARNING, ERROR, or CRITICAL")
	f.StringVar(&cfg.LogFile, "log-file", d.LogFile, "append JSON log lines to this file as well as stdout")
	f.BoolVar(&cfg.Pretty, "pretty", d.Pretty, "use a colorized console log writer instead of JSON lines")

	cfg.MemorySoftRatio = d.MemorySoftRatio
	cfg.MemoryHardRatio = d.MemoryHardRatio
	cfg.MemoryCircuitRatio = d.MemoryCircuitRatio
}

// bindOverrides lets an unset flag fall back to its environment
// variable via viper, without letting an explicitly-set flag be
// shadowed by the environment (cobra's Changed flag is the arbiter).
func bindOverrides(cmd *cobra.Command, v *viper.Viper, cfg *config.Config) {
	str := func(flag string, dst *string) {
		if !cmd.Flags().Changed(flag) {
			if val := v.GetString(envKey(flag)); val != "" {
				*dst = val
			}
		}
	}
	boolean := func(flag string, dst *bool) {
		if !cmd.Flags().Changed(flag) && v.IsSet(envKey(flag)) {
			*dst = v.GetBool(envKey(flag))
		}
	}
	integer := func(flag string, dst *int) {
		if !cmd.Flags().Changed(flag) && v.IsSet(envKey(flag)) {
			*dst = v.GetInt(envKey(flag))
		}
	}
	float := func(flag string, dst *float64) {
		if !cmd.Flags().Changed(flag) && v.IsSet(envKey(flag)) {
			*dst = v.GetFloat64(envKey(flag))
		}
	}

	float("max-age-days", &cfg.MaxAgeDays)
	boolean("dry-run", &cfg.DryRun)
	integer("max-concurrency", &cfg.MaxConcurrency)
	integer("max-concurrency-scanning", &cfg.ScanSlots)
	integer("max-concurrency-deletion", &cfg.DeleteSlots)
	integer("max-concurrent-subdirs", &cfg.SubdirSlots)
	integer("task-batch-size", &cfg.TaskBatchSize)
	boolean("remove-empty-dirs", &cfg.RemoveEmptyDirs)
	integer("max-empty-dirs-per-run", &cfg.MaxEmptyDirsPerRun)
	integer("memory-limit-mb", &cfg.MemoryLimitMB)
	integer("progress-interval-seconds", &cfg.ProgressIntervalSeconds)
	str("log-level", &cfg.LogLevel)
	str("log-file", &cfg.LogFile)
	boolean("pretty", &cfg.Pretty)
}

func envKey(flag string) string {
	out := make([]byte, 0, len(flag))
	for _, c := range flag {
		if c == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(c))
	}
	return string(out)
}

func execute(ctx context.Context, cfg config.Config) error {
	cfg.Version = version

	var sinks []io.Writer
	if cfg.LogFile != "" {
		f, err := logkit.FileSink(cfg.LogFile)
		if err != nil {
			return errkind.Wrapf(errkind.ConfigInvalid, "opening log file %s: %v", cfg.LogFile, err)
		}
		defer f.Close()
		sinks = append(sinks, f)
	}
	logger := logkit.New(cfg.LogLevel, cfg.Pretty, os.Stdout, sinks...)

	result, err := orchestrator.Purge(ctx, cfg, logger, nil, nil)
	if err != nil {
		return err
	}

	if !cfg.Pretty {
		return nil
	}
	fmt.Printf(
		"\nDone in %s: %d files purged (%d scanned), %d dirs purged, %d errors\n",
		result.Duration.Round(1e6), result.Stats.FilesPurged, result.Stats.FilesScanned,
		result.Stats.EmptyDirsDeleted, result.Stats.Errors,
	)
	return nil
}
