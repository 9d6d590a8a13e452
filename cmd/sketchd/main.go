package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// CreateFlags holds flags for the create command.
type CreateFlags struct {
	Name        string
	Description string
	File        string
	Source      string
	Kind        string
	APIUrl      string
	APITimeout  time.Duration
}

// NameFlags covers the commands that address one sketch by name.
type NameFlags struct {
	Name       string
	Wait       time.Duration
	APIUrl     string
	APITimeout time.Duration
}

// ListFlags holds flags for the list command.
type ListFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the daemon command.
type ServeFlags struct {
	ConfigPath string
	DataDir    string
	Listen     string
}

func buildRoot() *cobra.Command {
	createFlags := &CreateFlags{}
	runFlags := &NameFlags{}
	stopFlags := &NameFlags{}
	deleteFlags := &NameFlags{}
	listFlags := &ListFlags{}
	serveFlags := &ServeFlags{}

	c := command{}

	root := &cobra.Command{
		Use:   "sketchd",
		Short: "Sketch lifecycle daemon and client",
		Long: `Sketchd registers, builds and runs sketches: small single-purpose
terminal programs living in their own terminal panes.

Examples:
  sketchd serve                                  # Start daemon
  sketchd create --name=clock --file=clock.py --kind=interpreted
  sketchd run --name=clock
  sketchd list
  sketchd stop --name=clock
  sketchd delete --name=clock`,
	}

	root.AddCommand(
		createCreateCommand(c, createFlags),
		createRunCommand(c, runFlags),
		createStopCommand(c, stopFlags),
		createListCommand(c, listFlags),
		createDeleteCommand(c, deleteFlags),
		createServeCommand(c, serveFlags),
	)
	return root
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}

func createCreateCommand(c command, f *CreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a sketch or replace its source",
		Long: `Register a sketch from a source file or inline source. Creating a
sketch with an existing name replaces its source and resets it to draft.

Examples:
  sketchd create --name=clock --file=clock.py --kind=interpreted
  sketchd create --name=hello --source='package main...' --kind=compiled`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Create(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "sketch name (required)")
	cmd.Flags().StringVar(&f.Description, "description", "", "free-text description")
	cmd.Flags().StringVar(&f.File, "file", "", "path to the source file")
	cmd.Flags().StringVar(&f.Source, "source", "", "inline source (alternative to --file)")
	cmd.Flags().StringVar(&f.Kind, "kind", "interpreted", "sketch kind: compiled or interpreted")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createRunCommand(c command, f *NameFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a sketch if needed and launch it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "sketch name (required)")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(c command, f *NameFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running sketch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "sketch name (required)")
	cmd.Flags().DurationVar(&f.Wait, "wait", 3*time.Second, "grace period before SIGKILL")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(c command, f *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all sketches with reconciled status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(*f)
		},
	}
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func createDeleteCommand(c command, f *NameFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Stop a sketch and remove it with its files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Delete(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "sketch name (required)")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createServeCommand(c command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sketchd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(*f)
		},
	}
	cmd.Flags().StringVar(&f.ConfigPath, "config", "", "path to TOML config file (optional)")
	cmd.Flags().StringVar(&f.DataDir, "data-dir", "", "data directory (used when --config is not given)")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "API listen address (overrides config)")
	return cmd
}
