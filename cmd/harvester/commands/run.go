package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/arl/statsviz"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/app/harvest"
	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/pkg/common/otel"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the harvest from its checkpoint until the grid is exhausted or interrupted.",
		Long: `Run walks the task grid in row-major order starting after the stored
checkpoint. It exits 0 once the grid is exhausted, 130 when interrupted and
1 on a fatal error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := runHarvest(cmd.Context(), v)
			if code == harvest.ExitExhausted && err == nil {
				return nil
			}
			return &exitError{code: code, err: err}
		},
	}
	cmd.Flags().String("debug-addr", "", "serve live runtime charts on this address (e.g. localhost:6060)")
	_ = v.BindPFlag("debug.addr", cmd.Flags().Lookup("debug-addr"))
	return cmd
}

func runHarvest(ctx context.Context, v *viper.Viper) (int, error) {
	d, err := newDeps(ctx, v)
	if err != nil {
		return harvest.ExitFatal, err
	}
	defer func() {
		if err := d.Close(); err != nil {
			d.log.Warn(context.Background(), "error releasing resources", "error", err)
		}
	}()
	cfg, log := d.cfg, d.log

	hostname, _ := os.Hostname()
	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"harvest.name":     cfg.Run.Name,
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return harvest.ExitFatal, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		telemetryTeardown(shutdownCtx)
	}()
	d.tracer = providers.Tracer.Tracer(serviceName)

	metrics, err := harvest.NewHarvestMetrics(providers.Meter)
	if err != nil {
		return harvest.ExitFatal, fmt.Errorf("failed to create metrics: %w", err)
	}

	coord, err := buildCoordinator(ctx, d, metrics)
	if err != nil {
		log.Error(ctx, "failed to set up harvest", "error", err)
		return harvest.ExitFatal, err
	}

	var sum harvest.Summary
	g, gctx := errgroup.WithContext(context.Background())
	debugSrv := startDebugServer(gctx, g, d)

	g.Go(func() error {
		// The coordinator watches the signal context, not gctx: a debug
		// server failure must not look like an interrupt.
		var runErr error
		sum, runErr = coord.Run(ctx)
		if debugSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = debugSrv.Shutdown(shutdownCtx)
		}
		return runErr
	})

	if err := g.Wait(); err != nil {
		return harvest.ExitFatal, err
	}
	return sum.ExitCode(), nil
}

func buildCoordinator(ctx context.Context, d *deps, metrics harvest.HarvestMetrics) (*harvest.Coordinator, error) {
	cfg := d.cfg

	g, err := d.grid()
	if err != nil {
		return nil, err
	}
	checkpoints, err := d.checkpointStore(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := d.documentStore(ctx)
	if err != nil {
		return nil, err
	}
	client, err := d.acquisitionClient(metrics)
	if err != nil {
		return nil, err
	}
	src, err := d.source(client)
	if err != nil {
		return nil, err
	}
	enricher, err := d.enricher(client)
	if err != nil {
		return nil, err
	}

	fields, primary, enriched := cfg.SchemaFields()
	assembler := assembly.New(assembly.Schema{
		Fields:         fields,
		PrimaryField:   primary,
		EnrichedFields: enriched,
	}, enricher, d.log, d.tracer)

	snk := sink.New(docs, sink.Config{
		BatchSize:     cfg.Sink.BatchSize,
		FlushAttempts: cfg.Sink.FlushAttempts,
		FlushDelay:    cfg.Sink.FlushDelay.Duration,
	}, metrics, d.log, d.tracer)

	var opts []harvest.Option
	invalid, err := d.invalidLog()
	if err != nil {
		return nil, err
	}
	if invalid != nil {
		opts = append(opts, harvest.WithInvalidLog(invalid))
	}

	every := cfg.Run.HousekeepingEvery
	switch {
	case every == 0:
		every = harvest.DefaultHousekeepingEvery
	case every < 0:
		every = 0
	}
	if every > 0 {
		probe, err := harvest.NewProcessProbe(ctx)
		if err != nil {
			d.log.Warn(ctx, "process memory probe unavailable, housekeeping logs heap only", "error", err)
		} else {
			opts = append(opts, harvest.WithMemoryProbe(probe))
		}
	}

	return harvest.NewCoordinator(harvest.Config{
		Collection:        cfg.Run.Collection,
		Policy:            grid.AdvancePolicy(cfg.Run.AdvancePolicy),
		HousekeepingEvery: every,
		ShutdownTimeout:   cfg.Run.ShutdownTimeout.Duration,
	}, g, src, assembler, snk, checkpoints, d.log, metrics, d.tracer, opts...), nil
}

// startDebugServer serves statsviz when a debug address is configured.
func startDebugServer(ctx context.Context, g *errgroup.Group, d *deps) *http.Server {
	if d.cfg.Debug.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	if err := statsviz.Register(mux); err != nil {
		d.log.Warn(ctx, "failed to register statsviz", "error", err)
		return nil
	}
	srv := &http.Server{Addr: d.cfg.Debug.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		d.log.Info(ctx, "debug server listening", "addr", srv.Addr, "path", "/debug/statsviz/")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Warn(ctx, "debug server stopped", "error", err)
		}
		return nil
	})
	return srv
}
