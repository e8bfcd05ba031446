package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseWriter implements Writer against a real ClickHouse
// cluster, grounded on the DataDog Agent's use of clickhouse-go/v2
// as an exporter backend, the closest analog in the retrieved
// corpus to an append-only batches table.
type ClickHouseWriter struct {
	conn  clickhouse.Conn
	table string
}

// Config carries the ClickHouse connection parameters sourced from
// environment variables (spec.md §6 "durable-store endpoint/
// database/password").
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// NewClickHouseWriter opens and pings the connection and creates the
// target table with the expected ordering key if it does not exist; an
// existing table's columns and ordering key are not checked. A failed
// CREATE or an unreachable cluster is a fatal-at-startup condition per spec.md
// §4.I; callers should route that error to Flusher.Disable and keep
// ingest running ring-only rather than failing the whole process.
func NewClickHouseWriter(ctx context.Context, cfg Config) (*ClickHouseWriter, error) {
	if cfg.Table == "" {
		cfg.Table = "batches"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	w := &ClickHouseWriter{conn: conn, table: cfg.Table}
	if err := w.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *ClickHouseWriter) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		agent_id String,
		sequence UInt64,
		received_at_ns Int64,
		event_count UInt32,
		payload String
	) ENGINE = MergeTree
	ORDER BY (received_at_ns, agent_id, sequence)`, w.table)
	if err := w.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (w *ClickHouseWriter) InsertBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", w.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.AgentId, r.Sequence, r.ReceivedAtNs, uint32(r.EventCount), string(r.Payload)); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (w *ClickHouseWriter) Query(ctx context.Context, startNs, endNs int64, agentId string, limit int) ([]Row, error) {
	query := fmt.Sprintf(`SELECT agent_id, sequence, received_at_ns, event_count, payload FROM %s
		WHERE received_at_ns >= ? AND received_at_ns < ?`, w.table)
	args := []interface{}{startNs, endNs}
	if agentId != "" {
		query += " AND agent_id = ?"
		args = append(args, agentId)
	}
	query += " ORDER BY received_at_ns, agent_id, sequence"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := w.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var payload string
		var eventCount uint32
		if err := rows.Scan(&r.AgentId, &r.Sequence, &r.ReceivedAtNs, &eventCount, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.EventCount = int(eventCount)
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (w *ClickHouseWriter) Close() error { return w.conn.Close() }
