package internal

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of envprep",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			v, err := deriveVersion()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "envprep", v)
		},
	}
}

func deriveVersion() (string, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", fmt.Errorf("could not read build info")
	}
	return deriveVersionFromInfo(info)
}

func deriveVersionFromInfo(info *debug.BuildInfo) (string, error) {
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version, nil
	}
	return pseudoVersion(info)
}

// pseudoVersion builds a Go pseudo-version from the VCS stamp of the binary.
// See https://go.dev/ref/mod#pseudo-versions.
func pseudoVersion(info *debug.BuildInfo) (string, error) {
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	revision, at := settings["vcs.revision"], settings["vcs.time"]
	if revision == "" && at == "" {
		return "", fmt.Errorf("version information is not available")
	}

	parts := []string{"v0.0.0"}
	if commitTime, err := time.Parse(time.RFC3339, at); err == nil {
		parts = append(parts, commitTime.UTC().Format("20060102150405"))
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if revision != "" {
		parts = append(parts, revision)
	}
	version := strings.Join(parts, "-")
	if settings["vcs.modified"] == "true" {
		version += "+dirty"
	}
	return version, nil
}
