package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"maskpipe/pkg/config"
	"maskpipe/pkg/rules"
	"maskpipe/pkg/verify"
)

var (
	verifyRuleFile   string
	verifyCollection string
	verifyKeyField   string
	verifySrcEnv     string
	verifyDstEnv     string
	verifySrcDB      string
	verifyDstDB      string
	verifySize       int
	verifySameSource bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a masked collection against its rule file",
	Long: `verify samples documents from the source collection, fetches their masked
counterparts from the destination, and asserts each ruled field changed
according to its operation. With --same-source the destination is checked on
its own (fixed-value and lowercase-match rules only), which suits in-situ
runs where no unmasked copy remains.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyRuleFile == "" || verifyCollection == "" || verifySrcEnv == "" {
			return fmt.Errorf("--rules, --collection and --src-env are required")
		}

		ruleSet, err := rules.LoadFile(verifyRuleFile)
		if err != nil {
			return err
		}

		ctx := context.Background()

		destEnv := verifyDstEnv
		if destEnv == "" {
			destEnv = verifySrcEnv
		}

		cfg := &config.RunConfig{
			RuleFile:         verifyRuleFile,
			SourceEnv:        verifySrcEnv,
			DestEnv:          destEnv,
			SourceDB:         verifySrcDB,
			DestDB:           verifyDstDB,
			Collection:       verifyCollection,
			KeyField:         verifyKeyField,
			Mode:             config.ModeCrossDestination,
			Sizing:           config.DefaultSizingPolicy(),
			Concurrency:      config.DefaultConcurrencyPolicy(),
			VerifySampleSize: verifySize,
		}
		if verifySameSource {
			cfg.Mode = config.ModeInSitu
		}

		source, dest, _, closeAll, err := openStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeAll()

		verifier := verify.NewVerifier(verifyKeyField, logger).
			WithSameSource(verifySameSource)
		report, err := verifier.Verify(ctx, source, dest, ruleSet, verifySize)
		if err != nil {
			return err
		}

		fmt.Print(report.Summary())
		if !report.Clean() {
			exitCode = 1
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVar(&verifyRuleFile, "rules", "", "path to the masking rule file (required)")
	verifyCmd.Flags().StringVar(&verifyCollection, "collection", "", "collection to verify (required)")
	verifyCmd.Flags().StringVar(&verifyKeyField, "key-field", "_id", "document primary key field")
	verifyCmd.Flags().StringVar(&verifySrcEnv, "src-env", "", "source environment name (required)")
	verifyCmd.Flags().StringVar(&verifyDstEnv, "dst-env", "", "destination environment name (defaults to source)")
	verifyCmd.Flags().StringVar(&verifySrcDB, "src-db", "", "source database override")
	verifyCmd.Flags().StringVar(&verifyDstDB, "dst-db", "", "destination database override")
	verifyCmd.Flags().IntVar(&verifySize, "sample", 100, "documents to sample")
	verifyCmd.Flags().BoolVar(&verifySameSource, "same-source", false, "verify a single collection without an unmasked copy")
}
