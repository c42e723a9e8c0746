package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/usecase"
)

// syncDispatcher runs the task before Dispatch returns.
type syncDispatcher struct{ runner usecase.TaskRunner }

func (d syncDispatcher) Dispatch(ctx domain.Context, task domain.GradingTask) error {
	return d.runner.Run(ctx, task)
}

func newGradeCmd(e *env) *cobra.Command {
	var (
		materials   []string
		submissions []string
		threshold   float64
		mode        string
	)
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade submissions and print the finished job as JSON",
		Example: `  gradectl grade -m brief.txt -s alice.txt -s bob.txt
  gradectl grade -m rubric.txt -m notes.txt -s essay.txt --threshold 60 --pretty`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pass *float64
			if cmd.Flags().Changed("threshold") {
				pass = &threshold
			}
			job, err := e.grade(cmd.Context(), materials, submissions, domain.GradingMode(mode), pass)
			if err != nil {
				return err
			}
			return e.printJSON(job)
		},
	}
	cmd.Flags().StringSliceVarP(&materials, "material", "m", nil, "reference material file (repeatable)")
	cmd.Flags().StringSliceVarP(&submissions, "submission", "s", nil, "submission file (repeatable)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "pass threshold in percent, overrides the derived schema")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeIndividual), "individual or combined")
	_ = cmd.MarkFlagRequired("material")
	_ = cmd.MarkFlagRequired("submission")
	return cmd
}

func (e *env) grade(ctx context.Context, materials, submissions []string, mode domain.GradingMode, threshold *float64) (domain.GradingJob, error) {
	stores, err := app.OpenStores(ctx, e.cfg)
	if err != nil {
		return domain.GradingJob{}, err
	}
	defer stores.Close()
	pipeline, err := e.opts.NewPipeline(ctx, e.cfg)
	if err != nil {
		return domain.GradingJob{}, err
	}
	svc := usecase.NewGradingService(stores.Documents, stores.Jobs,
		syncDispatcher{runner: pipeline.NewRunner(e.cfg, stores)}, stores.Results)

	req := usecase.SubmitRequest{Mode: mode, PassThreshold: threshold}
	for _, p := range materials {
		name, text, err := readDocument(p)
		if err != nil {
			return domain.GradingJob{}, err
		}
		id, err := svc.RegisterMaterial(ctx, usecase.DocumentInput{Name: name, Text: &text})
		if err != nil {
			return domain.GradingJob{}, fmt.Errorf("material %s: %w", p, err)
		}
		req.ReferenceIDs = append(req.ReferenceIDs, id)
	}
	for _, p := range submissions {
		name, text, err := readDocument(p)
		if err != nil {
			return domain.GradingJob{}, err
		}
		id, err := svc.RegisterSubmission(ctx, usecase.DocumentInput{Name: name, Text: &text})
		if err != nil {
			return domain.GradingJob{}, fmt.Errorf("submission %s: %w", p, err)
		}
		req.SubmissionIDs = append(req.SubmissionIDs, id)
	}

	id, err := svc.Submit(ctx, req)
	if err != nil {
		return domain.GradingJob{}, err
	}
	job, err := svc.Status(ctx, id)
	if err != nil {
		return domain.GradingJob{}, err
	}
	if job.Status == domain.JobError {
		return job, fmt.Errorf("grading failed: %s", job.Error)
	}
	return job, nil
}
