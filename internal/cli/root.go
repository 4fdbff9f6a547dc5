package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/logging"
)

// Build metadata, overridden with -ldflags "-X".
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

var globalFlags GlobalFlags

// RootCmd is the tokenvault command. The server and device commands hang
// off it.
var RootCmd = &cobra.Command{
	Use:   "tokenvault",
	Short: "OAuth2 credential custody for mail providers",
	Long: `tokenvault keeps OAuth2 credentials for Google and Microsoft mail
accounts.

Server side: "serve" holds encrypted tokens behind opaque references and
refreshes them on demand.

Device side: "link", "status", "logout" and "forget" authorize accounts,
keep an encrypted local copy and tear everything down again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// InitRoot registers the persistent flags and the version command.
func InitRoot() {
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&globalFlags.Config, "config", config.PathFromEnv(), "Path to configuration file")
	flags.StringVar(&globalFlags.DBPath, "db", os.Getenv("TOKENVAULT_DB_PATH"), "Path to the SQLite database (overrides config)")
	flags.BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Log at debug level")
	flags.BoolVar(&globalFlags.JSON, "json", false, "Print machine-readable output")

	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeVersion(cmd.OutOrStdout(), GetVersionInfo(), globalFlags.JSON)
	},
}

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}

func writeVersion(w io.Writer, info VersionInfo, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(info)
	}
	_, err := fmt.Fprintf(w, "tokenvault Version: %s\nGo Version: %s\nOS/Arch: %s/%s\nBuild Date: %s\n",
		info.Version, info.GoVersion, info.OS, info.Arch, info.BuildDate)
	return err
}

// loadConfig reads the file named by --config.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return loader, cfg, nil
}

// newLogger writes JSON logs to w. --verbose forces debug level.
func newLogger(level string, w io.Writer) *logging.Logger {
	lvl := logging.ParseLevel(level)
	if globalFlags.Verbose {
		lvl = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithOutput(w),
		logging.WithLevel(lvl),
		logging.WithService("tokenvault"),
	)
}
