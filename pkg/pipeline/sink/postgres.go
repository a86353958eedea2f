package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
	// Schema optionally qualifies Table.
	Schema string `yaml:"schema"`
}

// Copier is the part of *pgx.Conn the sink uses.
type Copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, rows pgx.CopyFromSource) (int64, error)
	Close(ctx context.Context) error
}

// Postgres bulk-loads records with COPY. Record field names are used as column names.
type Postgres struct {
	conn  Copier
	table pgx.Identifier
}

// NewPostgres connects to cfg.DSN.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" || strings.TrimSpace(cfg.Table) == "" {
		return nil, errors.New("postgres sink requires dsn and table")
	}
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresWithConn(cfg, conn), nil
}

// NewPostgresWithConn builds the sink over an existing connection.
func NewPostgresWithConn(cfg PostgresConfig, conn Copier) *Postgres {
	table := pgx.Identifier{cfg.Table}
	if s := strings.TrimSpace(cfg.Schema); s != "" {
		table = pgx.Identifier{s, cfg.Table}
	}
	return &Postgres{conn: conn, table: table}
}

func (p *Postgres) Write(ctx context.Context, rows []core.Output) error {
	if len(rows) == 0 {
		return nil
	}
	columns := rows[0].Fields
	values := make([][]any, 0, len(rows))
	for i, row := range rows {
		if len(row.Fields) != len(columns) {
			return fmt.Errorf("row %d has %d fields, want %d", i, len(row.Fields), len(columns))
		}
		values = append(values, row.Values)
	}
	n, err := p.conn.CopyFrom(ctx, p.table, columns, pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", p.table.Sanitize(), err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", p.table.Sanitize(), n, len(rows))
	}
	return nil
}

func (p *Postgres) Close() error { return p.conn.Close(context.Background()) }
