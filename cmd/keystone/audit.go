package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/app"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/audit"
)

func newAuditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and append audit events",
	}
	cmd.AddCommand(newAuditQueryCmd(c))
	cmd.AddCommand(newAuditLogCmd(c))
	cmd.AddCommand(newAuditStatsCmd(c))
	cmd.AddCommand(newAuditMirroredCmd(c))
	return cmd
}

func newAuditQueryCmd(c *cli) *cobra.Command {
	var (
		filter       audit.Filter
		since, until string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit events in append order",
		Example: `  keystone -p apollo audit query --type proposal.accepted
  keystone -p apollo audit query --since 2026-01-01T00:00:00Z --limit 20 --offset 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			if filter.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if filter.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}

			page, err := c.service.QueryEvents(c.context(cmd), project, filter)
			if err != nil {
				return err
			}
			headers := []string{"timestamp", "type", "actor", "summary"}
			rows := make([][]string, 0, len(page.Events))
			for _, e := range page.Events {
				rows = append(rows, []string{e.Timestamp, e.EventType, e.Actor, truncate(summarize(e.PayloadSummary), 60)})
			}
			if err := printOutput(cmd.OutOrStdout(), c.format, page, headers, rows); err != nil {
				return err
			}
			if c.format == outputTable {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d events\n", len(page.Events), page.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Type, "type", "", "Filter by event type")
	cmd.Flags().StringVar(&filter.Actor, "by", "", "Filter by actor")
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only events at or before this RFC 3339 time")
	cmd.Flags().IntVar(&filter.Limit, "limit", audit.DefaultLimit, "Maximum number of events")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of matching events to skip")
	return cmd
}

func newAuditLogCmd(c *cli) *cobra.Command {
	var (
		input   app.LogEventInput
		summary []string
	)

	cmd := &cobra.Command{
		Use:   "log TYPE",
		Short: "Append a custom audit event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			if input.Summary, err = parsePairs(summary); err != nil {
				return err
			}
			input.EventType = args[0]

			event, err := c.service.LogEvent(c.context(cmd), project, input)
			if err != nil {
				return err
			}
			headers := []string{"event", "timestamp", "type", "actor"}
			rows := [][]string{{event.EventID, event.Timestamp, event.EventType, event.Actor}}
			return printOutput(cmd.OutOrStdout(), c.format, event, headers, rows)
		},
	}

	cmd.Flags().StringArrayVar(&summary, "summary", nil, "Payload summary as key=value (repeatable)")
	cmd.Flags().StringVar(&input.ResourceHash, "resource-hash", "", "Hash of the affected resource")
	return cmd
}

func newAuditStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count events per type",
		Long: `Count the project's audit events per type. With database_url set the
Postgres mirror answers; otherwise the local log is read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			counts, err := c.service.AuditStats(c.context(cmd), project)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(counts))
			for _, eventType := range sortedKeys(counts) {
				rows = append(rows, []string{eventType, strconv.Itoa(counts[eventType])})
			}
			return printOutput(cmd.OutOrStdout(), c.format, counts, []string{"type", "count"}, rows)
		},
	}
}

func newAuditMirroredCmd(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "mirrored",
		Short: "List the newest events in the Postgres mirror (requires database_url)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			events, err := c.service.MirroredEvents(c.context(cmd), project, limit)
			if err != nil {
				return err
			}
			headers := []string{"timestamp", "type", "actor", "summary"}
			rows := make([][]string, 0, len(events))
			for _, e := range events {
				rows = append(rows, []string{e.Timestamp, e.EventType, e.Actor, truncate(summarize(e.PayloadSummary), 60)})
			}
			return printOutput(cmd.OutOrStdout(), c.format, events, headers, rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", audit.DefaultLimit, "Maximum number of events")
	return cmd
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func summarize(summary map[string]any) string {
	out := ""
	for i, key := range sortedKeys(summary) {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", key, summary[key])
	}
	return out
}
