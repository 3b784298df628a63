// Package conn opens dialect-tagged database handles. A Handle is the only
// thing the transfer core needs from a connection: a database/sql session
// plus the dialect identity used for quoting and statement shapes.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/lokraj/data-migration-tool/internal/config"
	"github.com/lokraj/data-migration-tool/internal/dialect"
	"github.com/lokraj/data-migration-tool/internal/logging"
)

// Handle is an open, dialect-tagged database session. The caller owns it and
// must Close it.
type Handle struct {
	DB      *sql.DB
	Dialect dialect.Dialect
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.ConnConfig) (*Handle, error) {
	d := dialect.Get(cfg.Type)
	if d == nil {
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}

	var driverName, dsn string
	switch d.Name() {
	case "postgres":
		driverName, dsn = "pgx", buildPostgresDSN(cfg)
	case "mssql":
		driverName, dsn = "sqlserver", buildMSSQLDSN(cfg)
	case "mysql":
		driverName, dsn = "mysql", buildMySQLDSN(cfg)
	default:
		return nil, fmt.Errorf("no driver for dialect %q", d.Name())
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", d.Name(), err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s at %s:%d: %w", d.Name(), cfg.Host, cfg.Port, err)
	}

	logging.Debug("Connected to %s %s:%d/%s", d.Name(), cfg.Host, cfg.Port, cfg.Database)
	return &Handle{DB: db, Dialect: d}, nil
}

// Close releases the underlying pool.
func (h *Handle) Close() error {
	return h.DB.Close()
}

func buildPostgresDSN(cfg config.ConnConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func buildMSSQLDSN(cfg config.ConnConfig) string {
	u := url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	q := url.Values{}
	q.Set("database", cfg.Database)
	encrypt := "true"
	if cfg.Encrypt != nil && !*cfg.Encrypt {
		encrypt = "disable"
	}
	q.Set("encrypt", encrypt)
	if cfg.TrustServerCert {
		q.Set("trustservercertificate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func buildMySQLDSN(cfg config.ConnConfig) string {
	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("charset", "utf8mb4")
	params.Set("loc", "UTC")
	switch cfg.SSLMode {
	case "", "prefer":
		params.Set("tls", "preferred")
	case "disable":
		params.Set("tls", "false")
	case "require", "verify-ca", "verify-full":
		params.Set("tls", "true")
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.Database, params.Encode())
}
