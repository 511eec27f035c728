package internal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dangazineu/envprep/internal/config"
	"github.com/dangazineu/envprep/internal/engine"
	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/host"
	"github.com/dangazineu/envprep/internal/logger"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the prebuild phase of a build",
		Long: `Run the prebuild phase described by a job configuration against a build descriptor.
The build console (script output and one line per stage) is written to stdout.
On success the final build environment can be written as a dotenv file with --output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobPath, _ := cmd.Flags().GetString("job")
			buildPath, _ := cmd.Flags().GetString("build")
			outputPath, _ := cmd.Flags().GetString("output")

			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}

			job, err := config.Load(jobPath)
			if err != nil {
				return err
			}
			desc, err := host.LoadDescriptor(buildPath)
			if err != nil {
				return err
			}
			h := host.New(desc)
			defer h.Close()

			controllerDir := s.ControllerDir
			if controllerDir == "" {
				controllerDir = filepath.Dir(jobPath)
			}

			// The phase logs to the build console only.
			logOpts := []logger.Option{logger.WithFormat(s.LogFormat), logger.WithQuiet()}
			if s.Debug {
				logOpts = append(logOpts, logger.WithDebug())
			}

			prebuild, err := engine.NewPrebuild(engine.Options{
				Job:           job,
				Query:         h,
				Locator:       h,
				ControllerDir: controllerDir,
				LoggerOptions: logOpts,
			})
			if err != nil {
				return err
			}

			var console io.Writer = cmd.OutOrStdout()
			if s.Quiet {
				console = io.Discard
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result := prebuild.Run(ctx, h, console)
			if !result.Succeeded {
				return fmt.Errorf("prebuild phase failed at %s: %s", result.FailedStage, result.Message)
			}
			if outputPath != "" {
				return writeVariables(cmd, outputPath, result.Variables)
			}
			return nil
		},
	}
	cmd.Flags().String("job", "", "Job configuration file (YAML)")
	cmd.Flags().String("build", "", "Build descriptor file (YAML)")
	cmd.Flags().StringP("output", "o", "", "Write the final build environment as a dotenv file (- for stdout)")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("build")
	return cmd
}

func writeVariables(cmd *cobra.Command, path string, vars *envvars.VariableMap) error {
	if path == "-" {
		return envvars.WriteProperties(cmd.OutOrStdout(), vars)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := envvars.WriteProperties(f, vars); err != nil {
		f.Close()
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return f.Close()
}
