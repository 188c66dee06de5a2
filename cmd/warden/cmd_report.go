package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <target-id>",
	Short: "Show the latest diagnostic report for a target",
	Long:  `Target ids have the form forge/owner/name, e.g. github/acme/api.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		rep, err := e.query.LatestReport(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

var rejectionsCmd = &cobra.Command{
	Use:   "rejections",
	Short: "Show recent distillation rejections",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(e.query.Rejections())
	},
}

func init() {
	rootCmd.AddCommand(reportCmd, rejectionsCmd)
}
