// filevault is a multi-tenant file vault server with resumable uploads,
// versioning and public share links.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	serverURL string
	token     string

	// Set by the service manager, see svc.RunFlag.
	serviceRun bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filevault",
		Short: "filevault - multi-tenant file vault",
		Long: `filevault stores files for many tenants ("vaults") with chunked,
resumable uploads, per-vault quotas, version history and public share links.

QUICK START:

  # Run a server (in-memory metadata unless database.dsn is set)
  filevault serve --config filevault.yaml

  # Create a vault with a 10 GiB quota
  filevault vault create team --quota 10Gi

  # Share a file for one day, at most 3 downloads
  filevault share create --vault team --file <file-id> --expires 24h --limit 3

Client commands talk to the server given by --server or FILEVAULT_SERVER and
authenticate with --token or FILEVAULT_ADMIN_TOKEN.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(config.LogConfig{Format: "console"})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FILEVAULT_SERVER", "http://localhost:8080"), "server URL for client commands")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv(config.EnvAdminToken), "admin bearer token for client commands")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "run under the service manager (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newGCCmd())
	rootCmd.AddCommand(newVaultCmd())
	rootCmd.AddCommand(newShareCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "filevault %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go:         %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig reads --config, or returns defaults when no file is given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

// setupLogging configures the global logger. The --log-level flag wins over
// the config file. extras always receive JSON lines, whatever the console
// format.
func setupLogging(cfg config.LogConfig, extras ...io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	name := cfg.Level
	if logLevel != "" {
		name = logLevel
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stderr
	if cfg.Format != "json" {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	if len(extras) == 0 {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return
	}
	out := zerolog.MultiLevelWriter(append([]io.Writer{console}, extras...)...)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// serviceLogFile opens the log file used when running as a service, since
// launchd does not keep stderr.
func serviceLogFile() io.Writer {
	path := svc.LogFile(svc.DefaultName)
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	return f
}
