package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repowarden/internal/ports"
	"repowarden/internal/query"
)

var passTargetsFile string

var passCmd = &cobra.Command{
	Use:   "pass",
	Short: "Run a diagnostic pass over a declared fleet",
	Long: `Runs the Detect, Analyze, Diagnose, Repair, Learn pipeline over
every target in the targets file. Repairs run through the dry-run action
port: what would be applied is reported, nothing is touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if passTargetsFile == "" {
			return fmt.Errorf("--targets is required")
		}

		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		observer, err := ports.LoadFileObserver(passTargetsFile)
		if err != nil {
			return err
		}

		port := ports.NewDryRunPort()
		runner := e.runner(observer, port)
		svc := query.New(e.rules, e.reports, runner, e.distiller)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		targets := observer.Targets()
		logger.Info("starting pass", zap.Int("targets", len(targets)))

		reports, err := svc.TriggerPass(ctx, targets)
		if err != nil {
			return err
		}

		for _, rep := range reports {
			status := fmt.Sprintf("health %3d", rep.HealthScore)
			if !rep.Observed {
				status = "unobservable"
			}
			fmt.Printf("%-40s %s  findings=%d repairs=%d\n",
				rep.Target.ID(), status, len(rep.Findings), len(rep.Outcomes))
		}
		if applied := port.Applied(); len(applied) > 0 {
			fmt.Printf("\ndry run: %d repairs would have been applied:\n", len(applied))
			for _, a := range applied {
				fmt.Printf("  %s: ensure %q=%v\n", a.Target.ID(), a.Action.Fact, a.Action.Ensure)
			}
		}
		return nil
	},
}

func init() {
	passCmd.Flags().StringVar(&passTargetsFile, "targets", "",
		"YAML file declaring the fleet and its facts")
	rootCmd.AddCommand(passCmd)
}
