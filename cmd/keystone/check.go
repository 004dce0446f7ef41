package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/consistency"
)

func newCheckCmd(c *cli) *cobra.Command {
	var (
		rules  []string
		strict bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run consistency rules over the project's artifacts",
		Long: `Run consistency rules over the project's charter, team, schedule and RAID
artifacts. Without --rule every rule runs. Issues are reported, not treated
as failures, unless --strict is set and an error-severity issue is found.`,
		Example: `  keystone -p apollo check
  keystone -p apollo check --rule dependency_cycles --rule date_consistency`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			report, err := c.service.RunConsistencyRules(c.context(cmd), project, rules...)
			if err != nil {
				return err
			}

			headers := []string{"severity", "rule", "item", "artifact", "message"}
			rows := make([][]string, 0, len(report.Issues))
			for _, is := range report.Issues {
				rows = append(rows, []string{string(is.Severity), is.Rule, is.ItemID, is.Artifact, is.Message})
			}
			if err := printOutput(cmd.OutOrStdout(), c.format, report, headers, rows); err != nil {
				return err
			}
			errs := report.Count(consistency.SeverityError)
			if c.format == outputTable {
				fmt.Fprintf(cmd.OutOrStdout(), "\ncompleteness %.1f%%, %d errors, %d warnings\n",
					report.Completeness, errs, report.Count(consistency.SeverityWarning))
				if len(report.Missing) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "missing: %s\n", strings.Join(report.Missing, ", "))
				}
			}
			if strict && errs > 0 {
				return fmt.Errorf("%d consistency errors", errs)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&rules, "rule", nil, "Rule to run (repeatable)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when error-severity issues are found")
	cmd.AddCommand(newCheckRulesCmd(c))
	cmd.AddCommand(newCheckHistoryCmd(c))
	return cmd
}

func newCheckRulesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the available rules in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := c.service.RuleNames()
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				rows = append(rows, []string{name})
			}
			return printOutput(cmd.OutOrStdout(), c.format, names, []string{"rule"}, rows)
		},
	}
}

func newCheckHistoryCmd(c *cli) *cobra.Command {
	var (
		n    int
		drop bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent consistency runs (requires redis_url)",
		Example: `  keystone -p apollo check history -n 5
  keystone -p apollo check history --clear`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			if drop {
				if err := c.service.ClearConsistencyHistory(c.context(cmd), project); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared consistency history of %s\n", project)
				return nil
			}
			snaps, err := c.service.ConsistencyHistory(c.context(cmd), project, n)
			if err != nil {
				return err
			}
			headers := []string{"ran at", "completeness", "errors", "warnings"}
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{
					s.RanAt.Format("2006-01-02 15:04:05"),
					strconv.FormatFloat(s.Completeness, 'f', 1, 64),
					strconv.Itoa(s.Errors),
					strconv.Itoa(s.Warnings),
				})
			}
			return printOutput(cmd.OutOrStdout(), c.format, snaps, headers, rows)
		},
	}

	cmd.Flags().IntVarP(&n, "limit", "n", 10, "Number of runs")
	cmd.Flags().BoolVar(&drop, "clear", false, "Drop the recorded runs instead of listing them")
	return cmd
}
