package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/app/harvest"
	"github.com/ahrav/harvester/internal/app/harvest/sources/api"
	rendersource "github.com/ahrav/harvester/internal/app/harvest/sources/render"
	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/config"
	"github.com/ahrav/harvester/internal/domain/alignment"
	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/internal/infra/archive/warc"
	"github.com/ahrav/harvester/internal/infra/checkpoint/file"
	"github.com/ahrav/harvester/internal/infra/credentials"
	"github.com/ahrav/harvester/internal/infra/enrichment"
	"github.com/ahrav/harvester/internal/infra/eventbus/kafka"
	"github.com/ahrav/harvester/internal/infra/invalidlog"
	"github.com/ahrav/harvester/internal/infra/render"
	"github.com/ahrav/harvester/internal/infra/storage"
	"github.com/ahrav/harvester/internal/infra/storage/memory"
	"github.com/ahrav/harvester/internal/infra/storage/postgres"
	"github.com/ahrav/harvester/internal/infra/storage/sqlite"
	"github.com/ahrav/harvester/pkg/common"
	"github.com/ahrav/harvester/pkg/common/logger"
)

// deps builds the components a command needs from the config and owns
// their shutdown.
type deps struct {
	cfg           *config.Config
	log           *logger.Logger
	tracer        trace.Tracer
	migrationsDir string

	pool    *pgxpool.Pool
	closers []func() error
}

func (d *deps) onClose(fn func() error) { d.closers = append(d.closers, fn) }

// Close releases everything in reverse order of acquisition.
func (d *deps) Close() error {
	var errs []error
	for _, fn := range slices.Backward(d.closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *deps) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if d.pool != nil {
		return d.pool, nil
	}
	pg := d.cfg.Store.Postgres
	if pg == nil {
		pg = &config.PostgresConfig{}
	}

	pool, err := common.ConnectWithRetry(ctx, d.log, "postgres", common.DefaultConnectRetry,
		func(ctx context.Context) (*pgxpool.Pool, error) {
			return storage.NewPool(ctx, storage.PoolConfig{
				DSN:      config.ResolveDSN(pg.DSN, os.Getenv),
				MinConns: pg.MinConns,
				MaxConns: pg.MaxConns,
			})
		})
	if err != nil {
		return nil, err
	}
	d.onClose(func() error { pool.Close(); return nil })

	if pg.MigrateOnStart {
		if err := storage.Migrate(pool, d.migrationsDir, storage.Up); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		d.log.Info(ctx, "migrations applied", "dir", d.migrationsDir)
	}
	d.pool = pool
	return pool, nil
}

func (d *deps) checkpointStore(ctx context.Context) (grid.CheckpointRepository, error) {
	switch d.cfg.Checkpoint.Type {
	case config.CheckpointTypeFile:
		return file.New(d.cfg.Checkpoint.Path, d.tracer), nil
	case config.CheckpointTypePostgres:
		pool, err := d.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewCheckpointStore(pool, d.cfg.Run.Name, d.tracer), nil
	case config.CheckpointTypeMemory:
		return memory.NewCheckpointStore(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint type %q", d.cfg.Checkpoint.Type)
	}
}

func (d *deps) documentStore(ctx context.Context) (sink.DocumentStore, error) {
	switch d.cfg.Store.Type {
	case config.StoreTypePostgres:
		pool, err := d.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewDocumentStore(pool, d.tracer), nil

	case config.StoreTypeSQLite:
		s, err := sqlite.Open(ctx, d.cfg.Store.SQLite.Path, d.tracer)
		if err != nil {
			return nil, err
		}
		d.onClose(s.Close)
		return s, nil

	case config.StoreTypeKafka:
		kc := d.cfg.Store.Kafka
		producer, err := kafka.ConnectProducer(kafka.ProducerConfig{Brokers: kc.Brokers, ClientID: kc.ClientID})
		if err != nil {
			return nil, err
		}
		s := kafka.NewDocumentStore(producer, kc.Topic, d.log, d.tracer)
		d.onClose(s.Close)
		return s, nil

	case config.StoreTypeMemory:
		return memory.NewDocumentStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type %q", d.cfg.Store.Type)
	}
}

func (d *deps) credentialCache() (*acquisition.CredentialCache, error) {
	c := d.cfg.Credentials
	switch c.Type {
	case config.CredentialsTypeNone:
		return nil, nil
	case config.CredentialsTypeStatic:
		return acquisition.NewCredentialCache(credentials.Static{Token: c.Token, Env: c.Env}), nil
	case config.CredentialsTypeHTTP:
		login, err := credentials.NewLogin(credentials.LoginConfig{
			URL:       c.Login.URL,
			Body:      c.Login.Body,
			Headers:   c.Login.Headers,
			TokenPath: c.Login.TokenPath,
		}, nil, d.tracer)
		if err != nil {
			return nil, err
		}
		return acquisition.NewCredentialCache(login), nil
	case config.CredentialsTypeCommand:
		return acquisition.NewCredentialCache(&credentials.Command{
			Path:    c.Command.Path,
			Args:    c.Command.Args,
			Timeout: c.Command.Timeout.Duration,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported credentials type %q", c.Type)
	}
}

func (d *deps) acquisitionClient(metrics acquisition.Metrics) (*acquisition.Client, error) {
	creds, err := d.credentialCache()
	if err != nil {
		return nil, err
	}

	opts := []acquisition.Option{acquisition.WithMetrics(metrics)}
	if a := d.cfg.Archive; a != nil {
		archive, err := warc.New(warc.Config{
			Directory:   a.Directory,
			Prefix:      d.cfg.Run.Name + "-",
			Compress:    a.Compress,
			MaxFileSize: a.MaxFileSize,
		}, d.tracer)
		if err != nil {
			return nil, err
		}
		d.onClose(archive.Close)
		opts = append(opts, acquisition.WithArchiver(archive))
	}

	ac := d.cfg.Acquisition
	return acquisition.NewClient(acquisition.Config{
		MaxRetries:        ac.MaxRetries,
		BaseDelay:         ac.BaseDelay.Duration,
		Jitter:            ac.Jitter.Duration,
		Timeout:           ac.Timeout.Duration,
		RequestsPerSecond: ac.RequestsPerSecond,
		Burst:             ac.Burst,
		Headers:           ac.Headers,
		AuthPhrases:       ac.AuthPhrases,
	}, creds, d.log, d.tracer, opts...)
}

func (d *deps) source(client *acquisition.Client) (harvest.Source, error) {
	switch d.cfg.Source.Type {
	case config.SourceTypeAPI:
		s := d.cfg.Source.API
		fields := make([]api.FieldMapping, len(s.Fields))
		for i, m := range s.Fields {
			fields[i] = api.FieldMapping{Field: m.Field, Key: m.Key}
		}
		return api.New(api.Config{
			URL:         s.URL,
			Filter:      s.Filter,
			LeadsFilter: s.LeadsFilter,
			ClickPath:   s.ClickPath,
			PageSize:    s.PageSize,
			MaxPages:    s.MaxPages,
			IDKey:       s.IDKey,
			Fields:      fields,
		}, client, d.log, d.tracer)

	case config.SourceTypeRender:
		s := d.cfg.Source.Render
		renderer, err := render.NewClient(s.Endpoint, s.Authenticated, client, d.tracer)
		if err != nil {
			return nil, err
		}
		roles := make([]rendersource.Role, len(s.Roles))
		for i, r := range s.Roles {
			roles[i] = rendersource.Role{Role: r.Role, Field: r.Field}
		}
		var aligner alignment.Aligner = alignment.Greedy{}
		if s.Matching == "optimal" {
			aligner = alignment.Optimal{}
		}
		return rendersource.New(rendersource.Config{
			Query:    s.Query,
			Primary:  rendersource.Role{Role: s.Primary.Role, Field: s.Primary.Field},
			Roles:    roles,
			LinkRole: s.LinkRole,
			MaxPages: s.MaxPages,
			Aligner:  aligner,
		}, renderer, d.log, d.tracer)

	default:
		return nil, fmt.Errorf("unsupported source type %q", d.cfg.Source.Type)
	}
}

// enricher returns nil when no enrichment is configured.
func (d *deps) enricher(client *acquisition.Client) (assembly.Enricher, error) {
	e := d.cfg.Enrichment
	if e == nil {
		return nil, nil
	}
	switch e.Type {
	case config.EnrichmentTypeHTML:
		selectors := make([]enrichment.Selector, len(e.HTML.Selectors))
		for i, s := range e.HTML.Selectors {
			selectors[i] = enrichment.Selector{Field: s.Field, CSS: s.CSS, Attr: s.Attr}
		}
		return enrichment.NewHTMLEnricher(enrichment.HTMLConfig{
			BaseURL:       e.HTML.BaseURL,
			Selectors:     selectors,
			Authenticated: e.HTML.Authenticated,
		}, client, d.tracer)
	case config.EnrichmentTypeAPI:
		fields := make([]enrichment.FieldMapping, len(e.API.Fields))
		for i, m := range e.API.Fields {
			fields[i] = enrichment.FieldMapping{Field: m.Field, Key: m.Key}
		}
		return enrichment.NewDetailEnricher(enrichment.DetailConfig{
			URL:     e.API.URL,
			IDParam: e.API.IDParam,
			Fields:  fields,
		}, client, d.tracer)
	default:
		return nil, fmt.Errorf("unsupported enrichment type %q", e.Type)
	}
}

func (d *deps) invalidLog() (harvest.InvalidLog, error) {
	if d.cfg.InvalidLog == "" {
		return nil, nil
	}
	l, err := invalidlog.Open(d.cfg.InvalidLog)
	if err != nil {
		return nil, err
	}
	d.onClose(l.Close)
	return l, nil
}

func (d *deps) grid() (*grid.Grid, error) {
	return grid.New(
		grid.Dimension{Name: "dim1", Values: d.cfg.Grid.Dim1},
		grid.Dimension{Name: "dim2", Values: d.cfg.Grid.Dim2},
	)
}
