package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rulesJSON bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and manage compiled rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules with counters and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		views, err := e.query.ListRules()
		if err != nil {
			return err
		}

		if rulesJSON {
			return json.NewEncoder(os.Stdout).Encode(views)
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tSEVERITY\tRATE\tAPPLIED\tHEALTH\tENABLED")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d\t%s\t%v\n",
				v.ID, v.Name, v.Category, v.Severity,
				v.SuccessRate, v.AppliedCount, v.Health, v.Enabled)
		}
		return w.Flush()
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <rule-id>",
	Short: "Show one rule in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		v, err := e.query.GetRule(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Re-enable a disabled rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], true) },
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a rule (soft delete; counters are kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], false) },
}

func setEnabled(id string, enabled bool) error {
	e, err := newEngine(workspace)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.query.SetRuleEnabled(id, enabled); err != nil {
		return err
	}
	logger.Info("rule toggled", zap.String("rule", id), zap.Bool("enabled", enabled))
	fmt.Printf("rule %s enabled=%v\n", id, enabled)
	return nil
}

func init() {
	rulesListCmd.Flags().BoolVar(&rulesJSON, "json", false, "emit JSON")
	rulesCmd.AddCommand(rulesListCmd, rulesGetCmd, rulesEnableCmd, rulesDisableCmd)
	rootCmd.AddCommand(rulesCmd)
}
