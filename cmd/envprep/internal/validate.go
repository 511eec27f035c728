package internal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dangazineu/envprep/internal/config"
	"github.com/dangazineu/envprep/internal/engine"
	"github.com/dangazineu/envprep/internal/host"
)

func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a job configuration and/or a build descriptor",
		Long:  `Validate a job configuration and/or a build descriptor without running anything.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobPath, _ := cmd.Flags().GetString("job")
			buildPath, _ := cmd.Flags().GetString("build")
			if jobPath == "" && buildPath == "" {
				return fmt.Errorf("nothing to validate: pass --job, --build or both")
			}

			if jobPath != "" {
				job, err := config.Load(jobPath)
				if err != nil {
					return err
				}
				evaluator, err := engine.NewEvaluator(job.Info.Language())
				if err != nil {
					return err
				}
				if checker, ok := evaluator.(engine.Checker); ok {
					if err := checker.Check(job.Info.ExpressionContent); err != nil {
						return err
					}
				}
			}
			if buildPath != "" {
				if _, err := host.LoadDescriptor(buildPath); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Validation successful!")
			return nil
		},
	}
	cmd.Flags().String("job", "", "Job configuration file (YAML)")
	cmd.Flags().String("build", "", "Build descriptor file (YAML)")
	return cmd
}
