package feedback

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed 001_create_feedback.sql
var migrationSQL string

// PostgresStore implements the RowStore interface on PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the feedback
// table exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, migrationSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migration: %w", err)
	}

	slog.Info("Connected to feedback database")

	return &PostgresStore{pool: pool}, nil
}

// InsertRow appends one feedback row
func (p *PostgresStore) InsertRow(ctx context.Context, row Row) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bad_receipts_feedback (image_url, ocr_result, processed_data, user_comment)
		 VALUES ($1, $2, $3, $4)`,
		row.ImageURL, row.OCRResult, row.ProcessedData, row.UserComment,
	)
	if err != nil {
		return fmt.Errorf("inserting feedback row: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (p *PostgresStore) Close() {
	p.pool.Close()
}
