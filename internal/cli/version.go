package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionFull bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "also print commit, build date and dependencies")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "hdsync version %s\n", version)
		if !versionFull {
			return
		}

		info, ok := debug.ReadBuildInfo()
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Commit:     %s\n", buildSetting(info, ok, "vcs.revision", 8))
		fmt.Fprintf(out, "  Built:      %s\n", buildSetting(info, ok, "vcs.time", 0))
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		if !ok {
			return
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Dependencies:")
		for _, dep := range info.Deps {
			if dep.Replace != nil {
				fmt.Fprintf(out, "    %s => %s %s\n", dep.Path, dep.Replace.Path, dep.Replace.Version)
			} else {
				fmt.Fprintf(out, "    %s %s\n", dep.Path, dep.Version)
			}
		}
	},
}

// buildSetting returns a vcs setting from the build info, truncated to
// n characters when n > 0.
func buildSetting(info *debug.BuildInfo, ok bool, key string, n int) string {
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key != key {
			continue
		}
		if n > 0 && len(s.Value) > n {
			return s.Value[:n]
		}
		return s.Value
	}
	return "unknown"
}
