package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/app"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/proposal"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/store"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/textdiff"
)

func newProposalCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposal",
		Short: "Propose, review, apply and reject artifact changes",
	}
	cmd.AddCommand(newProposalCreateCmd(c))
	cmd.AddCommand(newProposalListCmd(c))
	cmd.AddCommand(newProposalShowCmd(c))
	cmd.AddCommand(newProposalApplyCmd(c))
	cmd.AddCommand(newProposalRejectCmd(c))
	return cmd
}

func newProposalCreateCmd(c *cli) *cobra.Command {
	var (
		input    app.CreateProposalInput
		change   string
		diff     string
		diffFile string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending proposal",
		Long: `Create a pending proposal against an artifact.

For create proposals the diff is the full new content. For update proposals
it is a unified diff against the artifact's current content. Delete
proposals carry no diff.`,
		Example: `  keystone -p apollo proposal create --target charter.md --change-type create --diff-file charter.md
  git diff --no-index old.md new.md | keystone -p apollo proposal create --target charter.md --change-type update --diff-file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			if diffFile != "" {
				content, err := readDiff(cmd, diffFile)
				if err != nil {
					return err
				}
				diff = content
			}
			input.ChangeType = store.ChangeType(change)
			input.Diff = diff

			p, err := c.service.CreateProposal(c.context(cmd), project, input)
			if err != nil {
				return err
			}
			return printProposals(cmd, c.format, p, []store.Proposal{p})
		},
	}

	cmd.Flags().StringVar(&input.ID, "id", "", "Proposal id (generated when empty)")
	cmd.Flags().StringVar(&input.TargetArtifact, "target", "", "Target artifact path, relative to artifacts/")
	cmd.Flags().StringVar(&change, "change-type", string(store.ChangeUpdate), "Change type: create, update, delete")
	cmd.Flags().StringVar(&diff, "diff", "", "Diff or new content")
	cmd.Flags().StringVar(&diffFile, "diff-file", "", "Read the diff from a file, or - for stdin")
	cmd.Flags().StringVar(&input.Rationale, "rationale", "", "Why the change is needed")
	cmd.Flags().StringVar(&input.Author, "author", "", "Author (defaults to --actor)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func readDiff(cmd *cobra.Command, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read diff from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read diff file: %w", err)
	}
	return string(data), nil
}

func newProposalListCmd(c *cli) *cobra.Command {
	var status, change string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			items, err := c.service.ListProposals(c.context(cmd), project, proposal.ListFilter{
				Status:     store.ProposalStatus(status),
				ChangeType: store.ChangeType(change),
			})
			if err != nil {
				return err
			}
			return printProposals(cmd, c.format, items, items)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending, accepted, rejected")
	cmd.Flags().StringVar(&change, "change-type", "", "Filter by change type: create, update, delete")
	return cmd
}

func newProposalShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one proposal including its diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			p, err := c.service.GetProposal(c.context(cmd), project, args[0])
			if err != nil {
				return err
			}
			if c.format != outputTable {
				return printOutput(cmd.OutOrStdout(), c.format, p, nil, nil)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:        %s\n", p.ID)
			fmt.Fprintf(out, "status:    %s\n", p.Status)
			fmt.Fprintf(out, "change:    %s %s\n", p.ChangeType, p.TargetArtifact)
			fmt.Fprintf(out, "author:    %s\n", p.Author)
			fmt.Fprintf(out, "created:   %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
			if p.Rationale != "" {
				fmt.Fprintf(out, "rationale: %s\n", p.Rationale)
			}
			if p.RejectionReason != "" {
				fmt.Fprintf(out, "rejected:  %s\n", p.RejectionReason)
			}
			if p.ChangeType == store.ChangeUpdate {
				added, removed := textdiff.Stats(p.Diff)
				fmt.Fprintf(out, "lines:     +%d -%d\n", added, removed)
			}
			if p.Diff != "" {
				fmt.Fprintf(out, "\n%s\n", p.Diff)
			}
			return nil
		},
	}
}

func newProposalApplyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "apply ID",
		Short: "Apply a pending proposal and commit the artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			result, err := c.service.ApplyProposal(c.context(cmd), project, args[0])
			if err != nil {
				return err
			}
			headers := []string{"proposal", "status", "change", "artifact", "commit"}
			rows := [][]string{{result.ProposalID, string(result.Status), string(result.ChangeType), result.Artifact, shortHash(result.Commit)}}
			return printOutput(cmd.OutOrStdout(), c.format, result, headers, rows)
		},
	}
}

func newProposalRejectCmd(c *cli) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := c.requireProject()
			if err != nil {
				return err
			}
			p, err := c.service.RejectProposal(c.context(cmd), project, args[0], reason)
			if err != nil {
				return err
			}
			return printProposals(cmd, c.format, p, []store.Proposal{p})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason recorded in the audit log")
	return cmd
}

func printProposals(cmd *cobra.Command, format outputFormat, data any, items []store.Proposal) error {
	headers := []string{"id", "status", "change", "target", "author", "created"}
	rows := make([][]string, 0, len(items))
	for _, p := range items {
		rows = append(rows, []string{
			p.ID,
			string(p.Status),
			string(p.ChangeType),
			p.TargetArtifact,
			p.Author,
			p.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return printOutput(cmd.OutOrStdout(), format, data, headers, rows)
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
