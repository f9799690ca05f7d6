// -- cmd/fix.go --
package cmd

import (
	"fmt"
	"os"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phpmend/internal/applier"
	"github.com/xkilldash9x/phpmend/internal/config"
	"github.com/xkilldash9x/phpmend/internal/controller"
	"github.com/xkilldash9x/phpmend/internal/diagnostic"
	"github.com/xkilldash9x/phpmend/internal/gitops"
	"github.com/xkilldash9x/phpmend/internal/observability"
	"github.com/xkilldash9x/phpmend/internal/oracle"
	"github.com/xkilldash9x/phpmend/internal/phpstan"
)

// newFixCmd creates and configures the `fix` command.
func newFixCmd() *cobra.Command {
	fixCmd := &cobra.Command{
		Use:   "fix <project-path>",
		Short: "Runs PHPStan on a project and repairs the reported errors in batches",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind loop tuning flags to their Viper keys so command-line
			// values override the config file and environment.
			if err := viper.BindPFlag("fixer.max_iterations", cmd.Flags().Lookup("max-iterations")); err != nil {
				return err
			}
			if err := viper.BindPFlag("fixer.max_errors_per_batch", cmd.Flags().Lookup("batch-size")); err != nil {
				return err
			}
			return viper.BindPFlag("phpstan.binary", cmd.Flags().Lookup("phpstan-bin"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Flags were bound in PreRunE, so loading again picks up the
			// overrides with the right precedence.
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config with flag overrides: %w", err)
			}

			projectPath := args[0]
			paths, _ := cmd.Flags().GetStringSlice("paths")
			level, _ := cmd.Flags().GetInt("level")
			phpstanConfig, _ := cmd.Flags().GetString("phpstan-config")
			verbose, _ := cmd.Flags().GetBool("verbose")
			maxErrors, _ := cmd.Flags().GetInt("max-errors")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			commit, _ := cmd.Flags().GetBool("commit")
			statsFile, _ := cmd.Flags().GetString("stats-file")

			runner, err := phpstan.NewRunner(logger, projectPath, cfg.PHPStan.Binary)
			if err != nil {
				return err
			}
			if !runner.CheckInstallation(ctx) {
				return fmt.Errorf("phpstan is not installed or not executable for project %s", runner.ProjectPath())
			}

			params := controller.Params{
				ProjectPath: runner.ProjectPath(),
				Analyze: phpstan.Options{
					Paths:      paths,
					Level:      level,
					LevelSet:   cmd.Flags().Changed("level"),
					ConfigPath: phpstanConfig,
					Verbose:    verbose,
				},
				PageSize:      cfg.Fixer.MaxErrorsPerBatch,
				MaxIterations: cfg.Fixer.MaxIterations,
				BatchDelay:    cfg.Fixer.BatchDelay,
				MaxErrors:     maxErrors,
				DryRun:        dryRun,
			}

			ctl := controller.New(
				logger,
				runner,
				diagnostic.NewParser(),
				oracle.NewGemini(cfg.Oracle, logger),
				applier.NewApplicator(logger, runner.ProjectPath()),
				params,
			)

			result, err := ctl.Run(ctx)
			if err != nil {
				return err
			}

			if statsFile != "" {
				if err := writeStats(statsFile, result); err != nil {
					logger.Warn("Could not write stats file", zap.String("path", statsFile), zap.Error(err))
				}
			}

			if commit && !dryRun && result.Stats.TotalFixesApplied > 0 {
				if err := commitFixedFiles(logger, runner.ProjectPath(), cfg.Fixer.Git, result); err != nil {
					logger.Warn("Fixes were applied but could not be committed", zap.Error(err))
				}
			}

			printSummary(cmd, result, dryRun)

			if dryRun || result.Converged {
				return nil
			}
			return fmt.Errorf("%d errors remain after %d iterations",
				result.Stats.RemainingErrorCount, result.Stats.Iterations)
		},
	}

	// Analyzer flags
	fixCmd.Flags().StringSlice("paths", nil, "Paths to analyse, relative to the project root. Defaults to the project's phpstan.neon.")
	fixCmd.Flags().Int("level", 0, "PHPStan rule level (0-10). Defaults to the project's phpstan.neon.")
	fixCmd.Flags().String("phpstan-config", "", "Path to a phpstan.neon to use instead of the project default.")
	fixCmd.Flags().String("phpstan-bin", "", "Path to the phpstan executable. (Overrides config/env)")
	fixCmd.Flags().BoolP("verbose", "v", false, "Run the analyzer verbosely.")

	// Loop tuning flags
	fixCmd.Flags().Int("max-errors", 0, "Cap on diagnostics considered per pass. 0 means no cap.")
	fixCmd.Flags().Int("max-iterations", 0, "Maximum analyze/fix iterations. (Overrides config/env)")
	fixCmd.Flags().Int("batch-size", 0, "Errors sent to the oracle per batch. (Overrides config/env)")

	// Output flags
	fixCmd.Flags().Bool("dry-run", false, "Show the batches that would be sent without consulting the oracle or modifying files.")
	fixCmd.Flags().Bool("commit", false, "Commit applied fixes to the project's git repository.")
	fixCmd.Flags().String("stats-file", "", "Write run statistics as JSON to this path.")

	return fixCmd
}

// writeStats serializes the run result for machine consumption.
func writeStats(path string, result *controller.Result) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// commitFixedFiles commits everything the run touched in one commit.
func commitFixedFiles(logger *zap.Logger, projectPath string, author config.GitConfig, result *controller.Result) error {
	committer := gitops.NewCommitter(logger, projectPath, author)
	message := fmt.Sprintf("Fix %d PHPStan errors via phpmend (run %s)",
		result.Stats.TotalFixesApplied, result.Stats.RunID)
	_, err := committer.CommitFixes(result.Stats.FixedFiles, message)
	return err
}

// printSummary writes the human-facing outcome to stdout.
func printSummary(cmd *cobra.Command, result *controller.Result, dryRun bool) {
	out := cmd.OutOrStdout()
	switch {
	case dryRun:
		fmt.Fprintf(out, "\nDry run complete. %d errors in %d iteration(s); no changes were made.\n",
			result.Stats.InitialErrorCount, result.Stats.Iterations)
	case result.Converged:
		fmt.Fprintf(out, "\nProject is clean. Applied %d fix(es) over %d iteration(s).\n",
			result.Stats.TotalFixesApplied, result.Stats.Iterations)
	default:
		fmt.Fprintf(out, "\nStopped with %d error(s) remaining after %d iteration(s). Applied %d fix(es).\n",
			result.Stats.RemainingErrorCount, result.Stats.Iterations, result.Stats.TotalFixesApplied)
	}

	if len(result.Stats.CountsByCategory) > 0 {
		fmt.Fprintln(out, "Fixed diagnostics by category:")
		categories := make([]string, 0, len(result.Stats.CountsByCategory))
		for c := range result.Stats.CountsByCategory {
			categories = append(categories, string(c))
		}
		sort.Strings(categories)
		for _, c := range categories {
			fmt.Fprintf(out, "  %-20s %d\n", c, result.Stats.CountsByCategory[diagnostic.Category(c)])
		}
	}
}
