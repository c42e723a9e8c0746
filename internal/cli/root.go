// Package cli provides gradectl, a command-line front end that runs the
// grading pipeline on local plain-text files without any server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// Version is set at build time.
var Version = "0.1.0"

// PipelineFactory builds the grading pipeline for a command run.
type PipelineFactory func(ctx context.Context, cfg config.Config) (*app.Pipeline, error)

// Options customise the command tree. Zero values use the real config and
// providers.
type Options struct {
	Out         io.Writer
	Err         io.Writer
	LoadConfig  func() (config.Config, error)
	NewPipeline PipelineFactory
}

type env struct {
	opts    Options
	verbose bool
	pretty  bool
	cfg     config.Config
}

// NewRootCmd builds the gradectl command tree.
func NewRootCmd(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.LoadConfig == nil {
		opts.LoadConfig = config.Load
	}
	if opts.NewPipeline == nil {
		opts.NewPipeline = app.BuildPipeline
	}
	e := &env{opts: opts}

	root := &cobra.Command{
		Use:   "gradectl",
		Short: "Grade plain-text submissions against reference materials",
		Long: `gradectl runs the grading pipeline locally. Providers are configured through
the same environment variables as the server (OPENROUTER_API_KEY, GROQ_API_KEY,
AI_PROVIDER_ORDER, ...). Jobs run in memory; nothing is persisted.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			// Local runs never touch shared backends.
			cfg.JobStoreBackend = config.BackendMemory
			cfg.MaterialStoreBackend = config.BackendMemory
			cfg.DispatchMode = config.DispatchInProcess
			e.cfg = cfg

			lvl := slog.LevelWarn
			if e.verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(opts.Err, &slog.HandlerOptions{Level: lvl})))
			return nil
		},
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "log pipeline progress to stderr")
	root.PersistentFlags().BoolVar(&e.pretty, "pretty", false, "indent JSON output")

	root.AddCommand(newGradeCmd(e), newAnalyzeCmd(e))
	return root
}

// Execute runs gradectl with process defaults.
func Execute() error {
	return NewRootCmd(Options{}).Execute()
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.opts.Out)
	if e.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// readDocument loads a plain-text file. The base name becomes the document
// name.
func readDocument(path string) (string, string, error) {
	// #nosec G304 -- user supplied input file
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	return filepath.Base(path), string(b), nil
}

func readMaterials(paths []string) ([]domain.ReferenceMaterial, error) {
	out := make([]domain.ReferenceMaterial, 0, len(paths))
	for i, p := range paths {
		name, text, err := readDocument(p)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ReferenceMaterial{
			ID:               fmt.Sprintf("m%d", i+1),
			Name:             name,
			ExtractedText:    &text,
			ExtractionStatus: domain.ExtractionCompleted,
		})
	}
	return out, nil
}
