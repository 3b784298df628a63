// Package config loads and validates the YAML configuration that drives a
// migration run: two connection blocks, global options, and the list of
// table mappings.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lokraj/data-migration-tool/internal/dialect"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Source  ConnConfig    `yaml:"source"`
	Target  ConnConfig    `yaml:"target"`
	Options Options       `yaml:"options"`
	Tables  []TableConfig `yaml:"tables"`
}

// ConnConfig holds the connection settings for one database.
type ConnConfig struct {
	Type            string `yaml:"type"` // postgres, mssql, or mysql (plus aliases)
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL
	Encrypt         *bool  `yaml:"encrypt"`           // MSSQL
	MaxConns        int    `yaml:"max_conns"`
}

// Options holds the global migration options.
type Options struct {
	ChunkSize          int           `yaml:"chunk_size"`
	CreateTables       bool          `yaml:"create_tables"`
	DestSchema         string        `yaml:"dest_schema"`
	OnConflict         string        `yaml:"on_conflict"` // "nothing" or "update"
	DryRun             bool          `yaml:"dry_run"`
	VacuumAnalyze      bool          `yaml:"vacuum_analyze"`
	Workers            int           `yaml:"workers"`
	StopOnFirstFailure bool          `yaml:"stop_on_first_failure"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	OperationTimeout   time.Duration `yaml:"operation_timeout"`
	StatePath          string        `yaml:"state_path"`
}

// TableConfig declares one table to migrate.
type TableConfig struct {
	SourceTable  string            `yaml:"source_table"`
	SourceSchema string            `yaml:"source_schema"`
	DestTable    string            `yaml:"dest_table"`
	DestSchema   string            `yaml:"dest_schema"`
	// Columns maps destination column -> source column or constant
	// expression (NULL, 'text', or a raw token). Empty means auto-map by
	// identical names.
	Columns   map[string]string `yaml:"columns"`
	Watermark *WatermarkConfig  `yaml:"watermark"`
}

// WatermarkConfig enables incremental extraction for a table.
type WatermarkConfig struct {
	Column string `yaml:"column"`
	// Since is the initial lower bound used when no state has been
	// persisted yet. Accepts RFC3339, "2006-01-02 15:04:05", a date, or a
	// number.
	Since string `yaml:"since"`
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for _, cc := range []*ConnConfig{&c.Source, &c.Target} {
		d := dialect.Get(cc.Type)
		if d == nil {
			continue // Validate reports it
		}
		if cc.Port == 0 {
			cc.Port = d.DefaultPort()
		}
		if cc.Schema == "" {
			cc.Schema = d.DefaultSchema()
		}
		if cc.MaxConns == 0 {
			cc.MaxConns = 4
		}
	}

	o := &c.Options
	if o.ChunkSize == 0 {
		o.ChunkSize = 5000
	}
	if o.OnConflict == "" {
		o.OnConflict = "nothing"
	}
	if o.Workers == 0 {
		o.Workers = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = time.Second
	}
	if o.OperationTimeout == 0 {
		o.OperationTimeout = 5 * time.Minute
	}
	if o.StatePath == "" {
		o.StatePath = "dmt-state.db"
	}
	if o.DestSchema == "" {
		o.DestSchema = c.Target.Schema
	}

	for i := range c.Tables {
		t := &c.Tables[i]
		if t.DestTable == "" {
			t.DestTable = t.SourceTable
		}
		if t.SourceSchema == "" {
			t.SourceSchema = c.Source.Schema
		}
		if t.DestSchema == "" {
			t.DestSchema = o.DestSchema
		}
	}
}

// Validate checks the configuration for errors a run would otherwise hit
// mid-flight.
func (c *Config) Validate() error {
	for name, cc := range map[string]*ConnConfig{"source": &c.Source, "target": &c.Target} {
		if dialect.Get(cc.Type) == nil {
			return fmt.Errorf("%s: unknown database type %q", name, cc.Type)
		}
		if cc.Host == "" {
			return fmt.Errorf("%s: host is required", name)
		}
		if cc.Database == "" {
			return fmt.Errorf("%s: database is required", name)
		}
	}

	o := &c.Options
	if o.ChunkSize <= 0 {
		return fmt.Errorf("options: chunk_size must be > 0, got %d", o.ChunkSize)
	}
	if o.OnConflict != "nothing" && o.OnConflict != "update" {
		return fmt.Errorf("options: on_conflict must be \"nothing\" or \"update\", got %q", o.OnConflict)
	}
	if o.Workers < 1 {
		return fmt.Errorf("options: workers must be >= 1, got %d", o.Workers)
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("no tables configured")
	}
	seen := make(map[string]bool, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		if t.SourceTable == "" {
			return fmt.Errorf("tables[%d]: source_table is required", i)
		}
		for _, ident := range []string{t.SourceTable, t.DestTable} {
			if err := dialect.ValidateIdentifier(ident); err != nil {
				return fmt.Errorf("tables[%d]: %w", i, err)
			}
		}
		id := t.DestSchema + "." + t.DestTable
		if seen[id] {
			return fmt.Errorf("tables[%d]: duplicate destination table %s", i, id)
		}
		seen[id] = true
		if t.Watermark != nil && t.Watermark.Column == "" {
			return fmt.Errorf("tables[%d]: watermark.column is required", i)
		}
	}
	return nil
}
