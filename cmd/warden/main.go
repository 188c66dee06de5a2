// Command warden is the repowarden CLI: rule management, pattern
// distillation, diagnostic passes, reports, and the hot-reload watch loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repowarden/internal/logging"
)

var (
	workspace string
	debugMode bool
	logger    *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Rule distillation and policy enforcement for repository fleets",
	Long: `repowarden learns recurring failure patterns across a fleet of
repositories, distills the trustworthy ones into symbolic rules, and
enforces those rules with confidence-gated automation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if debugMode {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "",
		"workspace directory holding .warden/ (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"verbose console logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
