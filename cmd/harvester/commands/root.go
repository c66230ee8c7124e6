// Package commands is the harvester command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvester/internal/app/harvest"
	"github.com/ahrav/harvester/internal/config"
	"github.com/ahrav/harvester/internal/config/fileloader"
	"github.com/ahrav/harvester/pkg/common/logger"
	"github.com/ahrav/harvester/pkg/common/otel"
)

const serviceName = "harvester"

// exitError carries a process exit code out of a command. A nil err means
// the code is the whole story (an interrupted run).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// NewRootCommand builds the command tree. Settings resolve flag, then
// HARVEST_* environment variable, then the config file.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Walks a task grid and harvests structured records into a document store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "harvest.yaml", "path to the harvest config file")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("checkpoint", "", "checkpoint file override")
	flags.String("migrations", "db/migrations", "directory holding the postgres migrations")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("checkpoint.path", flags.Lookup("checkpoint"))
	_ = v.BindPFlag("migrations", flags.Lookup("migrations"))
	_ = v.BindEnv("telemetry.endpoint", "HARVEST_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("telemetry.sampling_ratio", "HARVEST_TELEMETRY_SAMPLING_RATIO", "OTEL_SAMPLING_RATIO")

	root.AddCommand(
		newRunCommand(v),
		newCheckpointCommand(v),
		newMigrateCommand(v),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return harvest.ExitExhausted
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, err)
	return harvest.ExitFatal
}

// loadConfig reads the config file and layers the viper overrides on top.
func loadConfig(ctx context.Context, v *viper.Viper) (*config.Config, error) {
	cfg, err := fileloader.NewFileLoader(v.GetString("config")).Load(ctx)
	if err != nil {
		return nil, err
	}

	if s := v.GetString("log.level"); s != "" {
		cfg.Log.Level = s
	}
	if s := v.GetString("checkpoint.path"); s != "" {
		cfg.Checkpoint.Path = s
	}
	if s := v.GetString("run.advance_policy"); s != "" {
		cfg.Run.AdvancePolicy = s
	}
	if s := v.GetString("debug.addr"); s != "" {
		cfg.Debug.Addr = s
	}
	if s := v.GetString("telemetry.endpoint"); s != "" {
		cfg.Telemetry.Endpoint = s
	}
	if v.IsSet("telemetry.sampling_ratio") {
		cfg.Telemetry.SamplingRatio = v.GetFloat64("telemetry.sampling_ratio")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config after overrides: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }
	metadata := map[string]string{
		"service":    serviceName,
		"hostname":   hostname,
		"harvest":    cfg.Run.Name,
		"collection": cfg.Run.Collection,
	}
	return logger.NewWithMetadata(os.Stdout, level, serviceName, traceIDFn, logger.Events{}, metadata), nil
}

// newDeps loads the config and builds a logger for commands that do not
// export telemetry.
func newDeps(ctx context.Context, v *viper.Viper) (*deps, error) {
	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return &deps{
		cfg:           cfg,
		log:           log,
		tracer:        noop.NewTracerProvider().Tracer(serviceName),
		migrationsDir: v.GetString("migrations"),
	}, nil
}
