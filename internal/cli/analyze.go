package cli

import (
	"github.com/spf13/cobra"
)

func newAnalyzeCmd(e *env) *cobra.Command {
	var materials []string
	cmd := &cobra.Command{
		Use:     "analyze",
		Short:   "Derive a grading schema from reference materials and print it",
		Example: `  gradectl analyze -m brief.txt -m marking-guide.txt --pretty`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			docs, err := readMaterials(materials)
			if err != nil {
				return err
			}
			pipeline, err := e.opts.NewPipeline(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			schema, err := pipeline.Analyzer.Analyze(cmd.Context(), docs)
			if err != nil {
				return err
			}
			return e.printJSON(schema)
		},
	}
	cmd.Flags().StringSliceVarP(&materials, "material", "m", nil, "reference material file (repeatable)")
	_ = cmd.MarkFlagRequired("material")
	return cmd
}
