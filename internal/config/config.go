// Package config is the harvester's file configuration. A Config describes
// one harvest: the task grid, where its content comes from, how records are
// enriched, and where documents and checkpoints go.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceType enumerates the supported sources.
type SourceType string

const (
	SourceTypeAPI    SourceType = "api"
	SourceTypeRender SourceType = "render"
)

// StoreType enumerates the supported document stores.
type StoreType string

const (
	StoreTypePostgres StoreType = "postgres"
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypeKafka    StoreType = "kafka"
	StoreTypeMemory   StoreType = "memory"
)

// CheckpointType enumerates the supported checkpoint stores.
type CheckpointType string

const (
	CheckpointTypeFile     CheckpointType = "file"
	CheckpointTypePostgres CheckpointType = "postgres"
	CheckpointTypeMemory   CheckpointType = "memory"
)

// CredentialsType enumerates the token bootstrappers.
type CredentialsType string

const (
	CredentialsTypeNone    CredentialsType = "none"
	CredentialsTypeStatic  CredentialsType = "static"
	CredentialsTypeHTTP    CredentialsType = "http"
	CredentialsTypeCommand CredentialsType = "command"
)

// EnrichmentType enumerates the enrichers.
type EnrichmentType string

const (
	EnrichmentTypeHTML EnrichmentType = "html"
	EnrichmentTypeAPI  EnrichmentType = "api"
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
// A bare integer is read as seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", n.Line, s, err)
	}
	d.Duration = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Config represents the top-level configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Run         RunConfig         `yaml:"run"`
	Grid        GridConfig        `yaml:"grid"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Source      SourceConfig      `yaml:"source"`
	Enrichment  *EnrichmentConfig `yaml:"enrichment,omitempty"`
	Sink        SinkConfig        `yaml:"sink"`
	Store       StoreConfig       `yaml:"store"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Archive     *ArchiveConfig    `yaml:"archive,omitempty"`
	// InvalidLog is the JSONL file for rejected records. Empty disables it.
	InvalidLog string          `yaml:"invalid_log,omitempty"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Debug      DebugConfig     `yaml:"debug"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// RunConfig names the harvest and governs checkpoint advancement.
type RunConfig struct {
	// Name identifies the harvest; postgres checkpoints are keyed by it.
	Name       string `yaml:"name" validate:"required"`
	Collection string `yaml:"collection" validate:"required"`
	// AdvancePolicy is confirmed_flush (default) or best_effort.
	AdvancePolicy string `yaml:"advance_policy" validate:"omitempty,oneof=confirmed_flush best_effort"`
	// HousekeepingEvery is the task interval of memory housekeeping. Zero
	// means the default; a negative value disables it.
	HousekeepingEvery int      `yaml:"housekeeping_every"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

// GridConfig lists the labels of both grid dimensions in traversal order.
type GridConfig struct {
	Dim1 []string `yaml:"dim1" validate:"required,min=1,dive,required"`
	Dim2 []string `yaml:"dim2" validate:"required,min=1,dive,required"`
}

// AcquisitionConfig tunes the fetch client shared by every network call.
type AcquisitionConfig struct {
	MaxRetries        int               `yaml:"max_retries" validate:"gte=0"`
	BaseDelay         Duration          `yaml:"base_delay"`
	Jitter            Duration          `yaml:"jitter"`
	Timeout           Duration          `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int               `yaml:"burst" validate:"gte=0"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	AuthPhrases       []string          `yaml:"auth_phrases,omitempty"`
}

// CredentialsConfig selects how the bearer token is obtained.
type CredentialsConfig struct {
	Type    CredentialsType `yaml:"type" validate:"omitempty,oneof=none static http command"`
	Token   string          `yaml:"token,omitempty"`
	Env     string          `yaml:"env,omitempty"`
	Login   *LoginConfig    `yaml:"login,omitempty" validate:"required_if=Type http"`
	Command *CommandConfig  `yaml:"command,omitempty" validate:"required_if=Type command"`
}

type LoginConfig struct {
	URL       string            `yaml:"url" validate:"required,url"`
	Body      map[string]string `yaml:"body,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	TokenPath string            `yaml:"token_path,omitempty"`
}

type CommandConfig struct {
	Path    string   `yaml:"path" validate:"required"`
	Args    []string `yaml:"args,omitempty"`
	Timeout Duration `yaml:"timeout"`
}

// SourceConfig selects and configures the content source.
type SourceConfig struct {
	Type   SourceType    `yaml:"type" validate:"required,oneof=api render"`
	API    *APISource    `yaml:"api,omitempty" validate:"required_if=Type api"`
	Render *RenderSource `yaml:"render,omitempty" validate:"required_if=Type render"`
}

// FieldMapping maps a dotted upstream key to a record field.
type FieldMapping struct {
	Field string `yaml:"field" validate:"required"`
	Key   string `yaml:"key" validate:"required"`
}

type APISource struct {
	URL string `yaml:"url" validate:"required,url"`
	// Filter is a text/template rendering the JSON condition for a task.
	Filter      string         `yaml:"filter" validate:"required"`
	LeadsFilter string         `yaml:"leads_filter,omitempty"`
	ClickPath   string         `yaml:"click_path,omitempty"`
	PageSize    int            `yaml:"page_size" validate:"gte=0"`
	MaxPages    int            `yaml:"max_pages_per_task" validate:"gte=0"`
	IDKey       string         `yaml:"id_key,omitempty"`
	Fields      []FieldMapping `yaml:"fields" validate:"required,min=1,dive"`
}

type Role struct {
	Role  string `yaml:"role" validate:"required"`
	Field string `yaml:"field" validate:"required"`
}

type RenderSource struct {
	Endpoint string `yaml:"endpoint" validate:"required,url"`
	// Query is a text/template over the task labels.
	Query         string `yaml:"query" validate:"required"`
	Primary       Role   `yaml:"primary"`
	Roles         []Role `yaml:"roles,omitempty" validate:"dive"`
	LinkRole      string `yaml:"link_role,omitempty"`
	MaxPages      int    `yaml:"max_pages_per_task" validate:"gte=0"`
	Matching      string `yaml:"matching" validate:"omitempty,oneof=greedy optimal"`
	Authenticated bool   `yaml:"authenticated"`
}

// EnrichmentConfig selects the enricher run for every enrichment key.
type EnrichmentConfig struct {
	Type EnrichmentType    `yaml:"type" validate:"required,oneof=html api"`
	HTML *HTMLEnrichment   `yaml:"html,omitempty" validate:"required_if=Type html"`
	API  *DetailEnrichment `yaml:"api,omitempty" validate:"required_if=Type api"`
}

type Selector struct {
	Field string `yaml:"field" validate:"required"`
	CSS   string `yaml:"css" validate:"required"`
	Attr  string `yaml:"attr,omitempty"`
}

type HTMLEnrichment struct {
	BaseURL       string     `yaml:"base_url,omitempty" validate:"omitempty,url"`
	Selectors     []Selector `yaml:"selectors" validate:"required,min=1,dive"`
	Authenticated bool       `yaml:"authenticated"`
}

type DetailEnrichment struct {
	URL     string         `yaml:"url" validate:"required,url"`
	IDParam string         `yaml:"id_param,omitempty"`
	Fields  []FieldMapping `yaml:"fields" validate:"required,min=1,dive"`
}

type SinkConfig struct {
	BatchSize     int      `yaml:"batch_size" validate:"gte=0"`
	FlushAttempts int      `yaml:"flush_attempts" validate:"gte=0"`
	FlushDelay    Duration `yaml:"flush_delay"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Type     StoreType       `yaml:"type" validate:"required,oneof=postgres sqlite kafka memory"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
	SQLite   *SQLiteConfig   `yaml:"sqlite,omitempty" validate:"required_if=Type sqlite"`
	Kafka    *KafkaConfig    `yaml:"kafka,omitempty" validate:"required_if=Type kafka"`
}

// PostgresConfig is shared by the postgres document and checkpoint stores.
// An empty DSN is filled from DATABASE_URL or POSTGRES_* at startup.
type PostgresConfig struct {
	DSN            string `yaml:"dsn,omitempty"`
	MinConns       int32  `yaml:"min_conns" validate:"gte=0"`
	MaxConns       int32  `yaml:"max_conns" validate:"gte=0"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" validate:"required,min=1,dive,required"`
	Topic    string   `yaml:"topic" validate:"required"`
	ClientID string   `yaml:"client_id,omitempty"`
}

type CheckpointConfig struct {
	Type CheckpointType `yaml:"type" validate:"omitempty,oneof=file postgres memory"`
	Path string         `yaml:"path,omitempty"`
}

type ArchiveConfig struct {
	Directory   string `yaml:"directory" validate:"required"`
	Compress    bool   `yaml:"compress"`
	MaxFileSize int64  `yaml:"max_file_size" validate:"gte=0"`
}

type TelemetryConfig struct {
	Endpoint      string  `yaml:"endpoint,omitempty"`
	SamplingRatio float64 `yaml:"sampling_ratio" validate:"gte=0,lte=1"`
}

// DebugConfig enables the runtime debug server when Addr is set.
type DebugConfig struct {
	Addr string `yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

const (
	DefaultCheckpointPath = "harvest.checkpoint.json"
	DefaultLogLevel       = "info"
	DefaultKafkaClientID  = "harvester"
)

// SetDefaults fills the choices a config file may leave out. Component
// tunables stay zero so each component applies its own default.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Run.AdvancePolicy == "" {
		c.Run.AdvancePolicy = "confirmed_flush"
	}
	if c.Credentials.Type == "" {
		c.Credentials.Type = CredentialsTypeNone
		if c.Credentials.Token != "" || c.Credentials.Env != "" {
			c.Credentials.Type = CredentialsTypeStatic
		}
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreTypePostgres
	}
	if c.Store.Type == StoreTypePostgres && c.Store.Postgres == nil {
		c.Store.Postgres = &PostgresConfig{MigrateOnStart: true}
	}
	if c.Store.Kafka != nil && c.Store.Kafka.ClientID == "" {
		c.Store.Kafka.ClientID = DefaultKafkaClientID
	}
	if c.Checkpoint.Type == "" {
		c.Checkpoint.Type = CheckpointTypeFile
	}
	if c.Checkpoint.Type == CheckpointTypeFile && c.Checkpoint.Path == "" {
		c.Checkpoint.Path = DefaultCheckpointPath
	}
	if c.Checkpoint.Type == CheckpointTypePostgres && c.Store.Postgres == nil {
		c.Store.Postgres = &PostgresConfig{MigrateOnStart: true}
	}
	if r := c.Source.Render; r != nil && r.Matching == "" {
		r.Matching = "greedy"
	}
}

// SchemaFields lists the record fields in output order: the source's fields
// first, then enrichment-only fields.
func (c *Config) SchemaFields() (fields []string, primary string, enriched []string) {
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}

	switch c.Source.Type {
	case SourceTypeAPI:
		if c.Source.API != nil {
			for _, m := range c.Source.API.Fields {
				add(m.Field)
			}
			if len(c.Source.API.Fields) > 0 {
				primary = c.Source.API.Fields[0].Field
			}
		}
	case SourceTypeRender:
		if r := c.Source.Render; r != nil {
			primary = r.Primary.Field
			add(primary)
			for _, role := range r.Roles {
				add(role.Field)
			}
		}
	}

	if e := c.Enrichment; e != nil {
		switch {
		case e.HTML != nil && e.Type == EnrichmentTypeHTML:
			for _, s := range e.HTML.Selectors {
				enriched = append(enriched, s.Field)
			}
		case e.API != nil && e.Type == EnrichmentTypeAPI:
			for _, m := range e.API.Fields {
				enriched = append(enriched, m.Field)
			}
		}
	}
	for _, name := range enriched {
		add(name)
	}
	return fields, primary, enriched
}
