package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gosuri/uiprogress"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maskpipe/pkg/config"
	"maskpipe/pkg/engine"
	"maskpipe/pkg/mask"
	"maskpipe/pkg/rules"
	"maskpipe/pkg/store"
	"maskpipe/pkg/verify"
)

var (
	ruleFile     string
	collection   string
	keyField     string
	srcEnv       string
	dstEnv       string
	srcDB        string
	dstDB        string
	inSitu       bool
	batchSize    int
	workers      int
	runID        string
	resume       bool
	dryRun       bool
	verifySample int
	jsonSummary  bool
)

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Mask a collection according to a rule file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildRunConfig()
		if err != nil {
			return err
		}

		ruleSet, err := rules.LoadFile(cfg.RuleFile)
		if err != nil {
			return err
		}
		if ruleSet.Collection != "" && ruleSet.Collection != cfg.Collection {
			return fmt.Errorf("rule file targets collection %q, run targets %q",
				ruleSet.Collection, cfg.Collection)
		}

		transformer, err := mask.NewTransformer(ruleSet, mask.WithLogger(logger))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		source, dest, checkpoints, closeAll, err := openStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeAll()

		rc := engine.NewRunContext(runID, cfg, ruleSet, source, dest, checkpoints, transformer, logger)

		// First interrupt pauses cooperatively; a second one aborts.
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			<-sigs
			fmt.Fprintln(os.Stderr, "Stopping after in-flight batches (interrupt again to abort)...")
			rc.Stop()
			<-sigs
			cancel()
		}()

		var bar *uiprogress.Bar
		if !cfg.DryRun {
			// The bar is created once the orchestrator has counted the
			// source, so its total is exact.
			rc.OnCount = func(total int64) {
				if total == 0 {
					return
				}
				uiprogress.Start()
				bar = uiprogress.AddBar(int(total)).AppendCompleted().PrependElapsed()
				bar.PrependFunc(func(b *uiprogress.Bar) string {
					return "Masking: "
				})
			}
			rc.OnCommit = func(processed, failed int64) {
				if bar != nil {
					_ = bar.Set(int(processed + failed))
				}
			}
		}

		verifier := verify.NewVerifier(cfg.KeyField, logger).
			WithSameSource(cfg.Mode == config.ModeInSitu)
		orch := engine.NewOrchestrator(rc, verifier)

		summary, runErr := orch.Run(ctx)
		if bar != nil {
			uiprogress.Stop()
		}

		return reportSummary(summary, runErr)
	},
}

func init() {
	RootCmd.AddCommand(maskCmd)

	maskCmd.Flags().StringVar(&ruleFile, "rules", "", "path to the masking rule file (required)")
	maskCmd.Flags().StringVar(&collection, "collection", "", "collection to mask (required)")
	maskCmd.Flags().StringVar(&keyField, "key-field", "_id", "document primary key field")
	maskCmd.Flags().StringVar(&srcEnv, "src-env", "", "source environment name (required)")
	maskCmd.Flags().StringVar(&dstEnv, "dst-env", "", "destination environment name (defaults to source)")
	maskCmd.Flags().StringVar(&srcDB, "src-db", "", "source database override")
	maskCmd.Flags().StringVar(&dstDB, "dst-db", "", "destination database override")
	maskCmd.Flags().BoolVar(&inSitu, "in-situ", false, "mask the source collection in place")
	maskCmd.Flags().IntVar(&batchSize, "batch-size", 0, "initial batch size (overrides config)")
	maskCmd.Flags().IntVar(&workers, "workers", 0, "worker count (overrides config)")
	maskCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (required with --resume)")
	maskCmd.Flags().BoolVar(&resume, "resume", false, "resume from the run's last checkpoint")
	maskCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate rules and count documents without writing")
	maskCmd.Flags().IntVar(&verifySample, "verify-sample", 100, "documents to sample for post-run verification (0 disables)")
	maskCmd.Flags().BoolVar(&jsonSummary, "json", false, "print the run summary as JSON")

	viper.BindPFlag("sizing.initial_size", maskCmd.Flags().Lookup("batch-size"))
	viper.BindPFlag("concurrency.max_workers", maskCmd.Flags().Lookup("workers"))
}

// buildRunConfig assembles the run configuration with flag > config > default
// precedence.
func buildRunConfig() (*config.RunConfig, error) {
	sizing := config.DefaultSizingPolicy()
	if v := viper.GetInt("sizing.initial_size"); v > 0 {
		sizing.InitialSize = v
	}
	if batchSize > 0 {
		sizing.InitialSize = batchSize
	}
	if v := viper.GetInt("sizing.max_size"); v > 0 {
		sizing.MaxSize = v
	}
	if v := viper.GetInt("sizing.memory_budget_mb"); v > 0 {
		sizing.MemoryBudgetMB = v
	}

	concurrency := config.DefaultConcurrencyPolicy()
	if v := viper.GetInt("concurrency.max_workers"); v > 0 {
		concurrency.MaxWorkers = v
	}
	if workers > 0 {
		concurrency.MaxWorkers = workers
	}
	if v := viper.GetInt("concurrency.max_retries"); v > 0 {
		concurrency.MaxRetries = v
	}

	mode := config.ModeCrossDestination
	if inSitu {
		mode = config.ModeInSitu
	}

	destEnv := dstEnv
	if destEnv == "" {
		destEnv = srcEnv
	}

	cfg := &config.RunConfig{
		RuleFile:         ruleFile,
		SourceEnv:        srcEnv,
		DestEnv:          destEnv,
		SourceDB:         srcDB,
		DestDB:           dstDB,
		Collection:       collection,
		Mode:             mode,
		KeyField:         keyField,
		Sizing:           sizing,
		Concurrency:      concurrency,
		Resume:           resume,
		DryRun:           dryRun,
		VerifySampleSize: verifySample,
	}

	if resume && runID == "" {
		return nil, fmt.Errorf("--resume requires --run-id")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStores connects the source and destination collections plus the
// checkpoint store. The checkpoint table lives next to the destination so a
// run and its progress commit to the same database.
func openStores(ctx context.Context, cfg *config.RunConfig) (store.Collection, store.Collection, store.CheckpointStore, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	srcDriver := config.EnvDriver(cfg.SourceEnv)
	if srcDriver == config.DriverSnowflake && cfg.Mode == config.ModeInSitu {
		return nil, nil, nil, nil, fmt.Errorf("snowflake sources are read-only; in-situ masking requires a PostgreSQL source")
	}

	var source store.Collection
	switch srcDriver {
	case config.DriverSnowflake:
		sfCfg, err := config.LoadSnowflakeConfig(cfg.SourceEnv, cfg.SourceDB)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		db, err := store.OpenSnowflake(ctx, sfCfg)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		source = store.NewSnowflakeCollection(db, cfg.Collection, cfg.KeyField, sfCfg.QueryTimeout, logger)
	default:
		pgCfg, err := config.LoadPostgresConfig(cfg.SourceEnv, cfg.SourceDB)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		db, err := store.OpenPostgres(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		source = store.NewPostgresCollection(db, cfg.Collection, cfg.KeyField, logger)
	}

	var dest store.Collection
	var destDB *sqlx.DB
	if cfg.Mode == config.ModeInSitu {
		dest = source
		destDB = source.(*store.PostgresCollection).DB()
	} else {
		pgCfg, err := config.LoadPostgresConfig(cfg.DestEnv, cfg.DestDB)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, err
		}
		db, err := store.OpenPostgres(ctx, pgCfg)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		dest = store.NewPostgresCollection(db, cfg.Collection, cfg.KeyField, logger)
		destDB = db
	}

	checkpoints, err := store.NewPostgresCheckpointStore(ctx, destDB, logger)
	if err != nil {
		closeAll()
		return nil, nil, nil, nil, err
	}

	return source, dest, checkpoints, closeAll, nil
}

// reportSummary prints the final report and records the summary's exit
// code. Execute calls os.Exit after cobra unwinds, so deferred cleanup in
// RunE (store close, signal cancel, logger sync) still runs.
func reportSummary(summary *engine.RunSummary, runErr error) error {
	if summary == nil {
		return runErr
	}

	if jsonSummary {
		out, err := summary.Metrics.ToJSON()
		if err == nil {
			fmt.Println(string(out))
		}
	} else {
		fmt.Println(summary.Report())
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, summary.StatusLine())
	}

	exitCode = summary.ExitCode()
	return nil
}
