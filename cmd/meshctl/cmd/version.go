package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var versionShort bool

type buildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// currentBuild falls back to the VCS stamp go build embeds when ldflags
// were not set
func currentBuild() buildInfo {
	b := buildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && b.GitCommit == "unknown":
			b.GitCommit = s.Value
		case s.Key == "vcs.time" && b.BuildTime == "unknown":
			b.BuildTime = s.Value
		}
	}
	return b
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b := currentBuild()
		if versionShort && !outputJSON {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), b.Version)
			return err
		}
		return printOutput(cmd.OutOrStdout(), b, func(w io.Writer) {
			fmt.Fprintf(w, "meshctl %s (%s, built %s)\n", b.Version, b.GitCommit, b.BuildTime)
			fmt.Fprintf(w, "%s %s\n", b.GoVersion, b.Platform)
		})
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the version")
	rootCmd.AddCommand(versionCmd)
}
