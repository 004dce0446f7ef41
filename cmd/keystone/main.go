// Package main is the keystone command line: project, proposal, audit and
// consistency operations against a local artifact store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/app"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/audit"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/config"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/logging"
)

var version = "dev"

type cli struct {
	configFile    string
	rootDir       string
	project       string
	actor         string
	correlationID string
	output        string

	format  outputFormat
	logger  *zap.Logger
	service *app.Service
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keystone",
		Short: "Governed project artifacts with proposals, audit and consistency checks",
		Long: `keystone manages project artifacts in a local git-backed store.

Changes to artifacts go through proposals that are applied or rejected,
every lifecycle step lands in a per-project audit log, and consistency
rules check the project's charter, team, schedule and RAID artifacts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "Config file (YAML); KEYSTONE_* env vars override it")
	flags.StringVar(&c.rootDir, "root", "", "Store root directory (overrides root_dir)")
	flags.StringVarP(&c.project, "project", "p", "", "Project key")
	flags.StringVar(&c.actor, "actor", "", "Actor recorded in audit events")
	flags.StringVar(&c.correlationID, "correlation-id", "", "Correlation id recorded in audit events")
	flags.StringVarP(&c.output, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(newProjectCmd(c))
	rootCmd.AddCommand(newProposalCmd(c))
	rootCmd.AddCommand(newAuditCmd(c))
	rootCmd.AddCommand(newCheckCmd(c))

	return rootCmd
}

func (c *cli) open(ctx context.Context) error {
	format, err := parseOutputFormat(c.output)
	if err != nil {
		return err
	}
	c.format = format

	cfg, err := config.Load(c.configFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.rootDir) != "" {
		cfg.RootDir = c.rootDir
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	c.logger = logger

	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c.service = svc
	return nil
}

func (c *cli) close() error {
	var err error
	if c.service != nil {
		err = c.service.Close()
		c.service = nil
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return err
}

// context carries the actor and correlation id flags into audit events.
func (c *cli) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if c.actor != "" {
		ctx = audit.WithActor(ctx, c.actor)
	}
	if c.correlationID != "" {
		ctx = audit.WithCorrelationID(ctx, c.correlationID)
	}
	return ctx
}

func (c *cli) requireProject() (string, error) {
	if strings.TrimSpace(c.project) == "" {
		return "", errors.New("--project is required")
	}
	return c.project, nil
}

// execute runs the command tree and releases the service whether or not
// the command succeeded.
func execute(c *cli, args []string, stdin io.Reader, stdout io.Writer) error {
	rootCmd := newRootCmd(c)
	rootCmd.SetArgs(args)
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stdout)
	err := rootCmd.ExecuteContext(context.Background())
	if closeErr := c.close(); err == nil {
		err = closeErr
	}
	return err
}

func main() {
	if err := execute(&cli{}, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		writeError(os.Stderr, err)
		os.Exit(1)
	}
}

func writeError(w io.Writer, err error) {
	mapped := app.MapError(err)
	if mapped.Code == "E_INTERNAL" {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "error: %s\n", mapped.Error())
	if details, ok := mapped.Details.(map[string]any); ok {
		for _, key := range sortedKeys(details) {
			fmt.Fprintf(w, "  %s: %v\n", key, details[key])
		}
	}
}
