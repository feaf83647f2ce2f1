package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/sandboxd/internal/gateway"
)

var (
	// Version is the current version of sandboxd, set at build time.
	Version = "0.1.0"
	// GitCommit is the git commit hash, set at build time.
	GitCommit = "dev"
	// BuildDate is the build date, set at build time.
	BuildDate = "unknown"
)

var versionClientOnly bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the version and build information of sandboxd together with the
version of the running gateway. Use --client to skip the gateway.`,
	RunE: runVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&versionClientOnly, "client", false, "only show the local build")
}

// buildInfo describes one sandboxd binary.
type buildInfo struct {
	Version   string
	Commit    string
	Date      string
	Modified  bool
	GoVersion string
}

func currentBuild() buildInfo {
	b := buildInfo{
		Version:   Version,
		Commit:    GitCommit,
		Date:      BuildDate,
		GoVersion: runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = b.withBuildInfo(info)
	}
	return b
}

// withBuildInfo fills commit and date from the toolchain's VCS stamp when
// they were not set through -ldflags.
func (b buildInfo) withBuildInfo(info *debug.BuildInfo) buildInfo {
	if info.GoVersion != "" {
		b.GoVersion = info.GoVersion
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "dev" && s.Value != "" {
				b.Commit = s.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		case "vcs.time":
			if b.Date == "unknown" && s.Value != "" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func runVersion(cmd *cobra.Command, args []string) error {
	b := currentBuild()
	writeBuild(os.Stdout, b)
	if versionClientOnly {
		return nil
	}

	client, url, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	writeGateway(os.Stdout, b, url, health, err)
	return nil
}

func writeBuild(w io.Writer, b buildInfo) {
	commit := b.Commit
	if b.Modified {
		commit += " (modified)"
	}
	fmt.Fprintf(w, "sandboxd %s\n", b.Version)
	fmt.Fprintf(w, "  Git commit: %s\n", commit)
	fmt.Fprintf(w, "  Build date: %s\n", b.Date)
	fmt.Fprintf(w, "  Go version: %s\n", b.GoVersion)
	fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// writeGateway reports the gateway at url. An unreachable gateway is not
// an error for the version command.
func writeGateway(w io.Writer, b buildInfo, url string, health *gateway.HealthResponse, err error) {
	fmt.Fprintf(w, "\nGateway %s\n", url)
	if err != nil {
		fmt.Fprintf(w, "  Status:     unreachable (%v)\n", err)
		return
	}

	version := health.Version
	if version == "" {
		version = "unknown"
	}
	fmt.Fprintf(w, "  Version:    %s\n", version)
	fmt.Fprintf(w, "  Engine:     %s\n", health.Engine)
	if health.Version != "" && health.Version != b.Version {
		fmt.Fprintf(w, "  Note: client %s and gateway %s differ\n", b.Version, health.Version)
	}
}
