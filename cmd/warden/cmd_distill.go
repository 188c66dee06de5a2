package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repowarden/internal/patterns"
)

var distillPatternsDir string

var distillCmd = &cobra.Command{
	Use:   "distill",
	Short: "Drain pending patterns and distill them into rules",
	Long: `Reads line-delimited JSON patterns appended by the learner
(default: .warden/patterns/patterns.jsonl), distills each one, and prints
what was accepted and why the rest was rejected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		source := patterns.Source(e.source)
		if distillPatternsDir != "" {
			fs, err := patterns.NewFileSource(distillPatternsDir)
			if err != nil {
				return err
			}
			source = fs
		}

		cycle := patterns.NewCycle(source, e.distiller)
		accepted, rejected, err := cycle.RunOnce()
		if err != nil {
			return err
		}

		logger.Info("distillation cycle done",
			zap.Int("accepted", len(accepted)),
			zap.Int("rejected", len(rejected)))

		for _, r := range accepted {
			fmt.Printf("accepted  %s  %s (%s, confidence %.2f)\n",
				r.ID, r.Name, r.Category, r.Confidence)
		}
		for _, rej := range rejected {
			fmt.Printf("rejected  %s  %s\n", rej.PatternID, rej.Reason)
		}
		if len(accepted)+len(rejected) == 0 {
			fmt.Println("no pending patterns")
		}
		return nil
	},
}

func init() {
	distillCmd.Flags().StringVar(&distillPatternsDir, "patterns", "",
		"directory holding patterns.jsonl (default: <workspace>/.warden/patterns)")
	rootCmd.AddCommand(distillCmd)
}
