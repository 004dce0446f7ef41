package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newProjectCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and inspect projects",
	}
	cmd.AddCommand(newProjectCreateCmd(c))
	cmd.AddCommand(newProjectShowCmd(c))
	cmd.AddCommand(newProjectHistoryCmd(c))
	return cmd
}

func newProjectCreateCmd(c *cli) *cobra.Command {
	var (
		name        string
		description string
		blueprint   string
		meta        []string
	)

	cmd := &cobra.Command{
		Use:   "create KEY",
		Short: "Create a project and commit its skeleton",
		Example: `  keystone project create apollo --name "Apollo" --blueprint standard
  keystone project create apollo --meta sponsor=Dana --meta start_date=2026-01-05`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parsePairs(meta)
			if err != nil {
				return err
			}
			if name != "" {
				metadata["name"] = name
			}
			if description != "" {
				metadata["description"] = description
			}
			if blueprint != "" {
				metadata["blueprint"] = blueprint
			}

			project, err := c.service.CreateProject(c.context(cmd), args[0], metadata)
			if err != nil {
				return err
			}
			headers := []string{"key", "name", "created"}
			rows := [][]string{{project.Key, project.Name, project.CreatedAt.Format("2006-01-02 15:04:05")}}
			return printOutput(cmd.OutOrStdout(), c.format, project, headers, rows)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the key)")
	cmd.Flags().StringVar(&description, "description", "", "Project description")
	cmd.Flags().StringVar(&blueprint, "blueprint", "", "Blueprint: standard, agile, lightweight")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Extra metadata as key=value (repeatable)")
	return cmd
}

func newProjectShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Show project metadata and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := c.context(cmd)
			project, err := c.service.GetProject(ctx, args[0])
			if err != nil {
				return err
			}
			artifacts, err := c.service.ListArtifacts(ctx, args[0])
			if err != nil {
				return err
			}

			data := map[string]any{"project": project, "artifacts": artifacts}
			headers := []string{"path", "type", "size"}
			rows := make([][]string, 0, len(artifacts))
			for _, a := range artifacts {
				rows = append(rows, []string{a.Path, a.Type, strconv.FormatInt(a.Size, 10)})
			}
			if c.format == outputTable {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n\n", project.Name, project.Key)
			}
			return printOutput(cmd.OutOrStdout(), c.format, data, headers, rows)
		},
	}
}

func newProjectHistoryCmd(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history KEY",
		Short: "List the project's commits, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commits, err := c.service.ProjectHistory(c.context(cmd), args[0], limit)
			if err != nil {
				return err
			}
			headers := []string{"commit", "when", "author", "+/-", "message"}
			rows := make([][]string, 0, len(commits))
			for _, ci := range commits {
				rows = append(rows, []string{
					ci.ShortHash,
					ci.CreatedAt.Format("2006-01-02 15:04"),
					ci.Author,
					fmt.Sprintf("+%d/-%d", ci.Added, ci.Removed),
					truncate(ci.Message, 60),
				})
			}
			return printOutput(cmd.OutOrStdout(), c.format, commits, headers, rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of commits")
	return cmd
}
