package internal

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dangazineu/envprep/internal/config"
	"github.com/dangazineu/envprep/internal/logger"
)

func NewConfigureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Apply a proposed job configuration",
		Long: `Apply a proposed job configuration on top of the current one.
Actors without the run-scripts capability may change everything except the
prebuild expression, which is carried over from the current configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			currentPath, _ := cmd.Flags().GetString("current")
			proposedPath, _ := cmd.Flags().GetString("proposed")
			outPath, _ := cmd.Flags().GetString("out")
			canRunScripts, _ := cmd.Flags().GetBool("can-run-scripts")

			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			log := logger.NewLogger(s.LoggerOptions()...)

			proposed, err := config.Load(proposedPath)
			if err != nil {
				return err
			}
			var current *config.JobConfig
			if currentPath != "" {
				if current, err = config.Load(currentPath); err != nil {
					return err
				}
			}

			next := config.Reconfigure(current, proposed, canRunScripts)
			if next.Info.ExpressionContent != proposed.Info.ExpressionContent ||
				next.Info.ExpressionLanguage != proposed.Info.ExpressionLanguage {
				log.Warn("Not permitted to change the prebuild expression, keeping the current one")
			}

			if outPath == "" {
				outPath = currentPath
			}
			if outPath == "" || outPath == "-" {
				data, err := yaml.Marshal(next)
				if err != nil {
					return fmt.Errorf("could not marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return config.Save(outPath, next)
		},
	}
	cmd.Flags().String("current", "", "Current job configuration (YAML)")
	cmd.Flags().String("proposed", "", "Proposed job configuration (YAML)")
	cmd.Flags().String("out", "", "Where to write the result (defaults to --current, or stdout)")
	cmd.Flags().Bool("can-run-scripts", false, "The actor may change the prebuild expression")
	_ = cmd.MarkFlagRequired("proposed")
	return cmd
}
