// Package cmd implements the mero command line.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/davidroman0O/meroflow/internal/logging"
	"github.com/davidroman0O/meroflow/internal/tracing"
	"github.com/davidroman0O/meroflow/pkg/lifecycle"
	"github.com/davidroman0O/meroflow/pkg/readiness"
)

// EnvPrefix is the prefix for environment variables, e.g. MERO_LOG_LEVEL.
const EnvPrefix = "MERO"

// Runtimes accepted by --runtime.
const (
	RuntimeDocker = "docker"
	RuntimeBinary = "binary"
)

// Settings holds the CLI configuration resolved from flags, MERO_*
// environment variables and an optional config file, in that order.
type Settings struct {
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	LogFile      string        `mapstructure:"log_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Runtime string `mapstructure:"runtime"`
	Binary  string `mapstructure:"binary"`
	DataDir string `mapstructure:"data_dir"`

	MetricsAddr  string `mapstructure:"metrics_addr"`
	NATSURL      string `mapstructure:"nats_url"`
	NATSSubject  string `mapstructure:"nats_subject"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

var (
	cfgFile  string
	settings Settings

	// zapLogger and logger are built in PersistentPreRunE.
	zapLogger *zap.Logger
	logger    *logging.Printf
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mero",
	Short: "Run multi-node workflows against local and remote nodes",
	Long: `mero executes workflow files that provision local nodes, wait for them
to become ready and then drive them through a sequence of admin API calls,
scripts, waits and assertions. Remote nodes can be mixed in by name or URL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initSettings()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "CLI config file (yaml, json or toml)")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "human", "Log format: human or json")
	flags.String("log-file", "", "Also write logs to this file")
	flags.Duration("poll-interval", readiness.DefaultInterval, "Interval between readiness and sync probes")
	flags.String("runtime", RuntimeDocker, "Local node runtime: docker or binary")
	flags.String("binary", "merod", "Node binary for the binary runtime")
	flags.String("data-dir", "data", "Directory holding local node homes")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.String("nats-url", "", "Publish run events to this NATS server")
	flags.String("nats-subject", "", "Subject prefix for run events")
	flags.String("otlp-endpoint", "", "Export traces to this OTLP/HTTP endpoint (host:port)")

	for key, flag := range map[string]string{
		"log_level":     "log-level",
		"log_format":    "log-format",
		"log_file":      "log-file",
		"poll_interval": "poll-interval",
		"runtime":       "runtime",
		"binary":        "binary",
		"data_dir":      "data-dir",
		"metrics_addr":  "metrics-addr",
		"nats_url":      "nats-url",
		"nats_subject":  "nats-subject",
		"otlp_endpoint": "otlp-endpoint",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

// initSettings resolves Settings and builds the loggers.
func initSettings() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}
	if err := viper.Unmarshal(&settings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	var err error
	zapLogger, err = logging.New(logging.Config{
		Level:   settings.LogLevel,
		Format:  settings.LogFormat,
		LogFile: settings.LogFile,
	})
	if err != nil {
		return err
	}
	logger = logging.NewPrintf(zapLogger)
	return nil
}

func tracingConfig() tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.OTLPEndpoint = settings.OTLPEndpoint
	return cfg
}

// newNodeManager builds the lifecycle backend selected by --runtime.
func newNodeManager() (lifecycle.Manager, error) {
	switch settings.Runtime {
	case RuntimeDocker, "":
		return lifecycle.NewDockerManager(
			lifecycle.WithDataDir(settings.DataDir),
			lifecycle.WithDockerLogger(zapLogger),
		)
	case RuntimeBinary:
		return lifecycle.NewBinaryManager(settings.Binary,
			lifecycle.WithBinaryDataDir(settings.DataDir),
			lifecycle.WithBinaryLogger(zapLogger),
		)
	default:
		return nil, fmt.Errorf("unknown runtime %q, expected %s or %s", settings.Runtime, RuntimeDocker, RuntimeBinary)
	}
}
