package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rendis/browseflow/internal/diagram"
	"github.com/rendis/browseflow/internal/engine"
	"github.com/rendis/browseflow/internal/scheduler"
	"github.com/rendis/browseflow/internal/store"
	"github.com/rendis/browseflow/internal/streaming"
	"github.com/rendis/browseflow/internal/validation"
	"github.com/rendis/browseflow/pkg/mcp"
	"github.com/rendis/browseflow/pkg/schema"
)

var (
	inputFlags   []string
	noFallback   bool
	outputSchema string
	follow       bool

	diagramTask   string
	diagramFormat string
	diagramOut    string
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "browseflow",
		Short:        "Replay recorded browser workflows with agent fallback",
		SilenceUsage: true,
	}
	registerFlags(root.PersistentFlags())

	runCmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow definition and print the final task",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflow,
	}
	runCmd.Flags().StringArrayVarP(&inputFlags, "input", "i", nil, "Run input as key=value (repeatable)")
	runCmd.Flags().BoolVar(&noFallback, "no-fallback", false, "Disable agent fallback for failed steps")
	runCmd.Flags().StringVar(&outputSchema, "output-schema", "", "JSON or YAML schema file for structured output")
	runCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the task log to stderr")

	diagramCmd := &cobra.Command{
		Use:   "diagram <workflow-file>",
		Short: "Render a workflow, optionally overlaid with a stored task's results",
		Args:  cobra.ExactArgs(1),
		RunE:  renderDiagram,
	}
	diagramCmd.Flags().StringVar(&diagramTask, "task", "", "Overlay the results of this archived task")
	diagramCmd.Flags().StringVar(&diagramFormat, "format", "ascii", "Output format: ascii, mermaid, png, svg")
	diagramCmd.Flags().StringVarP(&diagramOut, "out", "o", "", "Write to this file instead of stdout")

	root.AddCommand(
		diagramCmd,
		&cobra.Command{
			Use:   "validate <workflow-file>",
			Short: "Check a workflow definition without running it",
			Args:  cobra.ExactArgs(1),
			RunE:  validateWorkflow,
		},
		&cobra.Command{
			Use:   "define <workflow-file>",
			Short: "Validate a workflow definition and store it by name",
			Args:  cobra.ExactArgs(1),
			RunE:  defineWorkflow,
		},
		runCmd,
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the MCP tool surface over stdio and run schedules",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "browseflow %s\n", version)
			},
		},
	)
	return root
}

func commandConfig(cmd *cobra.Command) Config {
	cfg := loadConfig()
	applyFlags(&cfg, cmd.Flags())
	return cfg
}

// parseFile reads and validates a definition file. The returned JSON is the
// form that gets stored.
func parseFile(path string) (*schema.WorkflowDefinition, *schema.ValidationResult, []byte, error) {
	raw, err := validation.ReadDefinitionFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	v, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, nil, nil, err
	}
	def, result := v.Parse(raw)
	return def, result, raw, nil
}

func validateWorkflow(cmd *cobra.Command, args []string) error {
	def, result, _, err := parseFile(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s: %s\n", w.Path, w.Message)
	}
	if !result.Valid() {
		for _, e := range result.Errors {
			fmt.Fprintf(out, "error: %s: %s\n", e.Path, e.Message)
		}
		return result.ToError()
	}
	fmt.Fprintf(out, "%s: valid (%d steps)\n", def.Name, len(def.Steps))
	return nil
}

func defineWorkflow(cmd *cobra.Command, args []string) error {
	cfg := commandConfig(cmd)
	def, result, raw, err := parseFile(args[0])
	if err != nil {
		return err
	}
	if !result.Valid() {
		return result.ToError()
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PutDefinition(ctx, &store.Definition{
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Raw:         raw,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%d steps)\n", def.Name, len(def.Steps))
	return nil
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg := commandConfig(cmd)
	def, result, _, err := parseFile(args[0])
	if err != nil {
		return err
	}
	if !result.Valid() {
		return result.ToError()
	}
	inputs, err := parseInputs(inputFlags)
	if err != nil {
		return err
	}

	var opts engine.RunOptions
	if noFallback {
		allow := false
		opts.AllowFallback = &allow
	}
	if outputSchema != "" {
		shape, err := validation.ReadDefinitionFile(outputSchema)
		if err != nil {
			return err
		}
		opts.OutputSchema = shape
	}

	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if follow {
		entries, unsubscribe, err := a.hub.Subscribe(ctx, streaming.Filter{})
		if err != nil {
			return err
		}
		defer unsubscribe()
		go printEntries(cmd.ErrOrStderr(), entries)
	}

	id, err := a.manager.Start(ctx, def, inputs, opts)
	if err != nil {
		return err
	}

	snap, err := a.manager.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		a.logger.Info("interrupted, cancelling task", slog.String("task_id", id))
		if cerr := a.manager.Cancel(id); cerr != nil {
			return cerr
		}
		snap, err = a.manager.Wait(context.Background(), id)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if snap.Status != schema.TaskStatusCompleted {
		return fmt.Errorf("task %s %s", snap.ID, snap.Status)
	}
	return nil
}

func printEntries(w io.Writer, entries <-chan schema.LogEntry) {
	for e := range entries {
		if e.StepIndex != nil {
			fmt.Fprintf(w, "[%d] step %d %s: %s\n", e.Position, *e.StepIndex, e.Kind, e.Message)
			continue
		}
		fmt.Fprintf(w, "[%d] %s: %s\n", e.Position, e.Kind, e.Message)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg := commandConfig(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, st)
	if err != nil {
		_ = st.Close()
		return err
	}
	defer a.close()

	sched := scheduler.NewScheduler(st, a.manager, a.logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		a.logger.Warn("recover missed schedules", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			a.logger.Warn("stop scheduler", slog.String("error", err.Error()))
		}
	}()

	srv := mcp.NewServer(mcp.ServerDeps{
		Tasks:       a.manager,
		Definitions: st,
		Archive:     st,
		Schedules:   st,
		Scheduler:   sched,
		Validator:   a.validator,
		Hub:         a.hub,
		Logger:      a.logger,
	})
	a.logger.Info("browseflow serving", slog.String("db", cfg.DBPath), slog.String("version", version))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func renderDiagram(cmd *cobra.Command, args []string) error {
	cfg := commandConfig(cmd)
	def, result, _, err := parseFile(args[0])
	if err != nil {
		return err
	}
	if !result.Valid() {
		return result.ToError()
	}

	ctx := cmd.Context()
	var snap *schema.TaskSnapshot
	if diagramTask != "" {
		st, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		snap, err = st.GetTask(ctx, diagramTask)
		_ = st.Close()
		if err != nil {
			return err
		}
	}

	model, err := diagram.Build(def, snap)
	if err != nil {
		return err
	}

	var out []byte
	switch diagramFormat {
	case "ascii":
		out = []byte(diagram.RenderASCII(model))
	case "mermaid":
		out = []byte(diagram.RenderMermaid(model))
	case "png", "svg":
		if diagramFormat == "png" && diagramOut == "" {
			return fmt.Errorf("png output requires --out")
		}
		out, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(diagramFormat))
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q (supported: ascii, mermaid, png, svg)", diagramFormat)
	}

	if diagramOut == "" {
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}
	return os.WriteFile(diagramOut, out, 0o644)
}
