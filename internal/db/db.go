package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"arrival-tracker/internal/transit"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schemaSQL string

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Migrate creates the tracker tables if needed and seeds the settings row
// with defaults when it does not exist yet. Existing settings are never
// overwritten.
func Migrate(ctx context.Context, db *sql.DB, defaults transit.SchedulerSettings) error {
	for _, stmt := range schemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	q := `
INSERT INTO scheduler_settings (id, enabled, interval_minutes, start_hour, end_hour)
VALUES (1, $1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`
	if _, err := db.ExecContext(ctx, q, defaults.Enabled, defaults.IntervalMinutes, defaults.StartHour, defaults.EndHour); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

func schemaStatements() []string {
	var out []string
	for _, s := range strings.Split(schemaSQL, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
