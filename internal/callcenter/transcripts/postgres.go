package transcripts

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
)

// DefaultTable is the table created by the embedded migrations.
const DefaultTable = "call_transcripts"

//go:embed migrations/*.sql
var migrations embed.FS

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Execer is the part of a pgx pool the sink uses.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink stores transcripts in PostgreSQL, one row per call.
type PostgresSink struct {
	db    Execer
	table string
	pool  *pgxpool.Pool // set when the sink owns the pool
}

// NewPostgresSink connects to dsn, migrates the schema and returns a sink
// writing to DefaultTable that owns the pool.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect transcripts db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping transcripts db: %w", err)
	}

	s, err := NewPostgresSinkWith(pool, DefaultTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// NewPostgresSinkWith uses an existing connection or pool. The caller keeps
// ownership of db and is responsible for the table existing.
func NewPostgresSinkWith(db Execer, table string) (*PostgresSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresSink{db: db, table: table}, nil
}

// Migrations returns the goose provider for the transcript schema.
func Migrations(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectPostgres, db, fsys)
}

// Migrate applies pending schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open transcripts db: %w", err)
	}
	defer db.Close()

	provider, err := Migrations(db)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate transcripts db: %w", err)
	}
	for _, r := range results {
		slog.Info("[Transcripts] Migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *PostgresSink) Publish(ctx context.Context, t Transcript) error {
	turns := t.Turns
	if turns == nil {
		turns = []session.DialogTurn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}

	_, err = s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (call_id, caller_phone, order_id, language, transferred, transfer_reason, started_at, ended_at, turns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET
			caller_phone = EXCLUDED.caller_phone,
			order_id = EXCLUDED.order_id,
			language = EXCLUDED.language,
			transferred = EXCLUDED.transferred,
			transfer_reason = EXCLUDED.transfer_reason,
			ended_at = EXCLUDED.ended_at,
			turns = EXCLUDED.turns`, s.table),
		t.CallID, t.CallerPhone, t.OrderID, t.Language, t.Transferred, t.TransferReason,
		t.StartedAt, t.EndedAt, string(data))
	if err != nil {
		return fmt.Errorf("insert transcript %s: %w", t.CallID, err)
	}
	return nil
}

// PublishAsync stores in the background. Wrap the sink in an AsyncSink for a
// bounded queue.
func (s *PostgresSink) PublishAsync(t Transcript) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Publish(ctx, t); err != nil {
			slog.Warn("[Transcripts] Store failed", "call_id", t.CallID, "error", err)
		}
	}()
}

func (s *PostgresSink) Flush(context.Context) error { return nil }

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
