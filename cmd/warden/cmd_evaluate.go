package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"repowarden/internal/policy"
)

var (
	evaluateCategory string
	evaluateFacts    []string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <target-id>",
	Short: "Match rules against an ad-hoc fact set",
	Long: `Evaluates the enabled rules of one category against the given facts
without touching the cache or running repairs. Useful for checking what a
pass would flag before pointing it at a fleet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		var facts []string
		for _, f := range evaluateFacts {
			for _, part := range strings.Split(f, ",") {
				if part = strings.TrimSpace(part); part != "" {
					facts = append(facts, part)
				}
			}
		}

		matches, err := e.query.EvaluateTarget(policy.Category(evaluateCategory), args[0], facts)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(matches)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateCategory, "category", string(policy.CategoryDeclarative),
		"rule category to evaluate (declarative, preventive, curative)")
	evaluateCmd.Flags().StringSliceVar(&evaluateFacts, "facts", nil,
		"observed fact tags for the target")
	rootCmd.AddCommand(evaluateCmd)
}
