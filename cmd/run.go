package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/meroflow/internal/tracing"
	"github.com/davidroman0O/meroflow/pkg/admin"
	"github.com/davidroman0O/meroflow/pkg/events"
	"github.com/davidroman0O/meroflow/pkg/metrics"
	workflow "github.com/davidroman0O/meroflow/workflows"
)

var (
	runOverrides  overrideFlags
	runDryRun     bool
	runNoTeardown bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <workflow.yml>",
	Short: "Run a workflow file",
	Long: `Validates the workflow, starts its local nodes, waits for every node to be
ready and then executes the steps in order. Variables captured by steps are
printed with the per-step outcomes at the end.

With --dry-run the workflow is only validated and analysed; no node is
started and no request is sent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		wf, err := loadWorkflow(path, runOverrides)
		if err != nil {
			return err
		}
		if runDryRun {
			return checkWorkflow(cmd.OutOrStdout(), wf, filepath.Dir(path), true)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := tracing.Setup(ctx, tracingConfig(), zapLogger)
		if err != nil {
			return err
		}
		defer tracing.Shutdown(shutdownTracing, zapLogger)

		collectors := metrics.New()
		if settings.MetricsAddr != "" {
			go func() {
				if err := collectors.Serve(settings.MetricsAddr); err != nil {
					logger.Warn("Metrics server on %s stopped: %v", settings.MetricsAddr, err)
				}
			}()
		}

		publisher, err := newPublisher(ctx)
		if err != nil {
			return err
		}
		defer publisher.Close()

		opts := workflow.DefaultRunOptions()
		opts.Logger = logger
		opts.Context = ctx
		opts.Admin = admin.NewClient()
		opts.Metrics = collectors
		opts.Events = publisher
		opts.Tracer = tracing.Tracer(nil)
		opts.WorkDir = filepath.Dir(path)
		opts.PollInterval = settings.PollInterval
		opts.NoTeardown = runNoTeardown

		if len(wf.Nodes) > 0 {
			nodes, err := newNodeManager()
			if err != nil {
				return err
			}
			defer nodes.Close()
			opts.Nodes = nodes
		}

		result := workflow.RunWorkflow(wf, opts)
		fmt.Fprint(cmd.OutOrStdout(), workflow.FormatResults(result))
		return result.Error
	},
}

// newPublisher connects to NATS when --nats-url is set.
func newPublisher(ctx context.Context) (events.Publisher, error) {
	if settings.NATSURL == "" {
		return events.Nop{}, nil
	}
	cfg := events.DefaultConnectionConfig(settings.NATSURL)
	if settings.NATSSubject != "" {
		cfg.SubjectPrefix = settings.NATSSubject
	}
	publisher, err := events.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Publishing run events to %s under %s", settings.NATSURL, cfg.SubjectPrefix)
	return publisher, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runOverrides.register(runCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate and analyse the workflow without running it")
	runCmd.Flags().BoolVar(&runNoTeardown, "no-teardown", false, "Leave local nodes running even if the workflow stops them")
}
