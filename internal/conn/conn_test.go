package conn

import (
	"strings"
	"testing"

	"github.com/lokraj/data-migration-tool/internal/config"
)

func TestBuildPostgresDSN(t *testing.T) {
	dsn := buildPostgresDSN(config.ConnConfig{
		Host: "db.example.com", Port: 5432, Database: "warehouse",
		User: "admin", Password: "p@ss/word", SSLMode: "require",
	})

	if !strings.HasPrefix(dsn, "postgres://") {
		t.Errorf("unexpected scheme: %s", dsn)
	}
	if !strings.Contains(dsn, "p%40ss%2Fword") {
		t.Errorf("password not escaped: %s", dsn)
	}
	if !strings.Contains(dsn, "sslmode=require") {
		t.Errorf("sslmode missing: %s", dsn)
	}
}

func TestBuildMSSQLDSN(t *testing.T) {
	off := false
	dsn := buildMSSQLDSN(config.ConnConfig{
		Host: "sql.example.com", Port: 1433, Database: "sales",
		User: "sa", Password: "secret", Encrypt: &off, TrustServerCert: true,
	})

	if !strings.HasPrefix(dsn, "sqlserver://") {
		t.Errorf("unexpected scheme: %s", dsn)
	}
	if !strings.Contains(dsn, "database=sales") {
		t.Errorf("database missing: %s", dsn)
	}
	if !strings.Contains(dsn, "encrypt=disable") {
		t.Errorf("encrypt not disabled: %s", dsn)
	}
	if !strings.Contains(dsn, "trustservercertificate=true") {
		t.Errorf("trust flag missing: %s", dsn)
	}
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn := buildMySQLDSN(config.ConnConfig{
		Host: "my.example.com", Port: 3306, Database: "shop",
		User: "root", Password: "secret", SSLMode: "disable",
	})

	if !strings.Contains(dsn, "@tcp(my.example.com:3306)/shop?") {
		t.Errorf("unexpected host section: %s", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("parseTime missing: %s", dsn)
	}
	if !strings.Contains(dsn, "tls=false") {
		t.Errorf("tls mode wrong: %s", dsn)
	}
}
