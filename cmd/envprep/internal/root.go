package internal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dangazineu/envprep/internal/settings"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envprep",
		Short: "envprep prepares the environment of a build before its first step.",
		Long: `envprep runs the prebuild phase of a build: it merges the variables of previous steps,
the system and the build itself, runs a user script on the node the build is assigned to,
and applies a user expression to produce the final build environment.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Settings file (YAML)")
	cmd.PersistentFlags().String(settings.KeyLogFormat, "text", "Log format: text or json")
	cmd.PersistentFlags().Bool(settings.KeyDebug, false, "Enable debug logging")
	cmd.PersistentFlags().Bool(settings.KeyQuiet, false, "Suppress console output")
	cmd.PersistentFlags().String(settings.KeyControllerDir, "", "Directory that relative controller-side files resolve against (defaults to the job file's directory)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewConfigureCmd())
	cmd.AddCommand(NewCompletionCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings resolves settings from the command's flags, the environment
// and the --config file.
func loadSettings(cmd *cobra.Command) (settings.Settings, error) {
	configFile, _ := cmd.Flags().GetString("config")
	loader := settings.NewLoader(configFile)
	if err := loader.BindFlags(cmd.Flags()); err != nil {
		return settings.Settings{}, err
	}
	return loader.Load()
}
