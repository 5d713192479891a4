package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yairfalse/amicull/internal/cleanup"
	"github.com/yairfalse/amicull/internal/config"
	"github.com/yairfalse/amicull/internal/emitter"
	"github.com/yairfalse/amicull/internal/executor"
	"github.com/yairfalse/amicull/internal/inuse"
	"github.com/yairfalse/amicull/internal/plugin/aws"
	"github.com/yairfalse/amicull/internal/policy"
	"github.com/yairfalse/amicull/internal/telemetry"
)

var (
	cleanupConfigPath string
	cleanupAction     string
	cleanupKeep       []string
	cleanupDebug      bool
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "List or delete inactive images and their snapshots",
	Long: `Find owned images that carry every configured tag and are not used
by a launch template or launch configuration, then report them and
the snapshots they own. With --action delete the images are
deregistered first and their snapshots deleted afterwards.

Images listed in cleanup.keep or passed with --keep are never touched.
A run aborts before listing images when no templates are found.`,
	Example: `  amicull cleanup --config cleanup.toml --action list
  amicull cleanup --config cleanup.toml --action delete --keep ami-0123
  amicull cleanup --config cleanup.yaml --action list --debug`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().StringVarP(&cleanupConfigPath, "config", "c", "", "Path to the TOML or YAML config file")
	cleanupCmd.Flags().StringVarP(&cleanupAction, "action", "a", "", "Action to take: list or delete")
	cleanupCmd.Flags().StringArrayVar(&cleanupKeep, "keep", nil, "Image ID to keep, repeatable")
	cleanupCmd.Flags().BoolVar(&cleanupDebug, "debug", false, "Enable debug logging")

	_ = cleanupCmd.MarkFlagRequired("config")
	_ = cleanupCmd.MarkFlagRequired("action")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	// Invalid actions fail before anything else is touched
	if _, err := executor.ParseAction(cleanupAction); err != nil {
		return err
	}

	cfg, err := loadConfig(cleanupConfigPath, cleanupKeep)
	if err != nil {
		return err
	}

	if err := setupLogging(cfg, cleanupDebug); err != nil {
		return err
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(cmd.Context())
		g.Add(func() error {
			return cleanupOnce(ctx, cmd, cfg, cleanupAction)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(run.SignalHandler(cmd.Context(), os.Interrupt, syscall.SIGTERM))
	}

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		return fmt.Errorf("interrupted by %s", sigErr.Signal)
	}
	return err
}

// loadConfig reads the config file and unions extra keep IDs into it.
func loadConfig(path string, keep []string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Cleanup.Keep = append(cfg.Cleanup.Keep, keep...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config, debug bool) error {
	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(os.Stderr, cfg.OTEL.ServiceName, level)
	if err != nil {
		return err
	}
	log.Logger = logger
	return nil
}

func cleanupOnce(ctx context.Context, cmd *cobra.Command, cfg *config.Config, action string) error {
	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	ctx, span := tp.StartSpan(ctx, "amicull.cleanup", attribute.String("region", cfg.AWS.Region))
	defer span.End()

	provider, err := aws.New(ctx, aws.Config{Region: cfg.AWS.Region, Profile: cfg.AWS.Profile})
	if err != nil {
		return err
	}

	sources, err := provider.TemplateSources(cfg.Cleanup.Sources...)
	if err != nil {
		return err
	}

	emit, err := newEmitter(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = emit.Close() }()

	runner := cleanup.NewRunner(inuse.NewResolver(sources...), provider, provider, provider, cmd.OutOrStdout()).
		WithMetrics(tp).
		WithEmitter(emit).
		WithTracer(tp.Tracer())

	if cfg.Cleanup.PolicyFile != "" {
		pol, err := policy.LoadFile(ctx, cfg.Cleanup.PolicyFile, cfg.AWS.Region)
		if err != nil {
			return err
		}
		runner.WithPolicy(pol.WithTracer(tp.Tracer()))
	}

	_, err = runner.Run(ctx, buildOptions(cfg, action))
	return err
}

func newEmitter(cfg *config.Config) (emitter.Emitter, error) {
	emitters := []emitter.Emitter{emitter.NewLogEmitter()}
	if cfg.Pushgateway.URL != "" {
		pg, err := emitter.NewPushgatewayEmitter(cfg.Pushgateway.URL, cfg.Pushgateway.Job)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, pg)
	}
	return emitter.NewMultiEmitter(emitters...), nil
}

func buildOptions(cfg *config.Config, action string) cleanup.Options {
	return cleanup.Options{
		Action:            action,
		Region:            cfg.AWS.Region,
		Tags:              cfg.Cleanup.Tags,
		Keep:              cfg.Cleanup.Keep,
		DedupeSnapshots:   cfg.Cleanup.DedupeSnapshots,
		ContinueOnFailure: cfg.Cleanup.ContinueOnFailure,
		DeleteRate:        cfg.Cleanup.DeleteRate,
	}
}
