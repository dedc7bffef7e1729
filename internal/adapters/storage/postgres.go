package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mikey-austin/pubsub/internal/broker"
)

// DefaultPostgresTable holds one JSONB state row per broker node.
const DefaultPostgresTable = "pubsub_state"

// PostgresStore keeps the directory as a JSONB row keyed by node id.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	nodeID string
}

// OpenPostgres connects to dsn and creates the state table if needed.
func OpenPostgres(ctx context.Context, dsn string, nodeID string, table string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStore(pool, nodeID, table)
	if err := store.CreateTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool. The table must exist; see CreateTable.
func NewPostgresStore(pool *pgxpool.Pool, nodeID string, table string) *PostgresStore {
	if strings.TrimSpace(table) == "" {
		table = DefaultPostgresTable
	}
	if strings.TrimSpace(nodeID) == "" {
		nodeID = "default"
	}
	return &PostgresStore{pool: pool, table: table, nodeID: nodeID}
}

// CreateTable creates the state table.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			node_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, pgx.Identifier{s.table}.Sanitize())

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Load reads this node's row. ok is false when no row exists.
func (s *PostgresStore) Load(ctx context.Context) (broker.State, bool, error) {
	query := fmt.Sprintf(`SELECT state FROM %s WHERE node_id = $1`, pgx.Identifier{s.table}.Sanitize())

	var data []byte
	if err := s.pool.QueryRow(ctx, query, s.nodeID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.State{}, false, nil
		}
		return broker.State{}, false, err
	}
	var state broker.State
	if err := json.Unmarshal(data, &state); err != nil {
		return broker.State{}, false, fmt.Errorf("decode state: %w", err)
	}
	if state.Topics == nil {
		state.Topics = map[string]broker.TopicState{}
	}
	return state, true, nil
}

// Save upserts this node's row.
func (s *PostgresStore) Save(ctx context.Context, state broker.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (node_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (node_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, pgx.Identifier{s.table}.Sanitize())

	_, err = s.pool.Exec(ctx, query, s.nodeID, data)
	return err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
