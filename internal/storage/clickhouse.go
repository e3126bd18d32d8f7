package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/wallet-insights/internal/config"
	apperrors "github.com/wallet-insights/internal/errors"
)

const defaultInsertChunk = 10000

// ClickHouseDB holds the connection to the append-only transaction store
type ClickHouseDB struct {
	conn        driver.Conn
	insertChunk int
}

// clickhouseOptions builds the driver options for cfg. Reads of the
// processed_transactions table use FINAL, so merging stays within partitions.
func clickhouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	return &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
			"do_not_merge_across_partitions_select_final": 1,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    maxConns,
		MaxIdleConns:    maxConns / 2,
		ConnMaxLifetime: time.Hour,
	}
}

// NewClickHouseDB connects to ClickHouse and verifies the connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickhouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	chunk := cfg.InsertChunk
	if chunk <= 0 {
		chunk = defaultInsertChunk
	}
	return &ClickHouseDB{conn: conn, insertChunk: chunk}, nil
}

func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying connection for queries
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec runs a statement that returns no rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	if err := db.conn.Exec(ctx, query, args...); err != nil {
		return apperrors.NewDatabaseError("clickhouse exec", err)
	}
	return nil
}

// InsertBatch sends n rows with insert, appendRow adding row i to the batch.
// Rows go out in chunks so a full-history rebuild never builds one huge batch.
// A failed chunk leaves earlier chunks stored; the table deduplicates on
// (wallet_id, tx_id), so the caller may simply retry.
func (db *ClickHouseDB) InsertBatch(ctx context.Context, insert string, n int, appendRow func(batch driver.Batch, i int) error) error {
	for start := 0; start < n; start += db.insertChunk {
		end := start + db.insertChunk
		if end > n {
			end = n
		}
		batch, err := db.conn.PrepareBatch(ctx, insert)
		if err != nil {
			return apperrors.NewDatabaseError("prepare insert batch", err)
		}
		for i := start; i < end; i++ {
			if err := appendRow(batch, i); err != nil {
				_ = batch.Abort()
				return apperrors.NewDatabaseError("append to insert batch", err)
			}
		}
		if err := batch.Send(); err != nil {
			return apperrors.NewDatabaseError("send insert batch", err)
		}
	}
	return nil
}
