package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mikey-austin/pubsub/internal/broker"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps the directory in relational tables.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	// Foreign keys are a per-connection pragma, so set them in the DSN.
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_pragma=foreign_keys(1)"
	} else {
		dsn += "?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()

		var exists bool
		err := db.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}

		content, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := db.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Load reads every table back into a State.
func (s *SQLiteStore) Load(ctx context.Context) (broker.State, bool, error) {
	state := broker.State{Topics: map[string]broker.TopicState{}}

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM topics")
	if err != nil {
		return broker.State{}, false, fmt.Errorf("load topics: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return broker.State{}, false, err
		}
		state.Topics[name] = broker.TopicState{
			Updates:       []broker.Update{},
			Subscriptions: map[string]broker.Subscription{},
			Publishers:    map[string]uint64{},
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return broker.State{}, false, err
	}

	if err := s.loadUpdates(ctx, state); err != nil {
		return broker.State{}, false, err
	}
	if err := s.loadSubscriptions(ctx, state); err != nil {
		return broker.State{}, false, err
	}
	if err := s.loadPublishers(ctx, state); err != nil {
		return broker.State{}, false, err
	}
	return state, true, nil
}

func (s *SQLiteStore) loadUpdates(ctx context.Context, state broker.State) error {
	rows, err := s.db.QueryContext(ctx, "SELECT topic, content, pending FROM updates ORDER BY topic, position")
	if err != nil {
		return fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			topic string
			u     broker.Update
		)
		if err := rows.Scan(&topic, &u.Content, &u.Pending); err != nil {
			return err
		}
		ts := state.Topics[topic]
		ts.Updates = append(ts.Updates, u)
		state.Topics[topic] = ts
	}
	return rows.Err()
}

func (s *SQLiteStore) loadSubscriptions(ctx context.Context, state broker.State) error {
	rows, err := s.db.QueryContext(ctx, "SELECT topic, subscriber, last_acked, cursor_pos FROM subscriptions")
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			topic, subscriber string
			lastAcked         sql.NullInt64
			cursor            sql.NullInt64
		)
		if err := rows.Scan(&topic, &subscriber, &lastAcked, &cursor); err != nil {
			return err
		}
		sub := broker.Subscription{}
		if lastAcked.Valid {
			v := uint64(lastAcked.Int64)
			sub.LastAcked = &v
		}
		if cursor.Valid {
			v := int(cursor.Int64)
			sub.Cursor = &v
		}
		state.Topics[topic].Subscriptions[subscriber] = sub
	}
	return rows.Err()
}

func (s *SQLiteStore) loadPublishers(ctx context.Context, state broker.State) error {
	rows, err := s.db.QueryContext(ctx, "SELECT topic, publisher, last_seq FROM publishers")
	if err != nil {
		return fmt.Errorf("load publishers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			topic, publisher string
			seq              int64
		)
		if err := rows.Scan(&topic, &publisher, &seq); err != nil {
			return err
		}
		state.Topics[topic].Publishers[publisher] = uint64(seq)
	}
	return rows.Err()
}

// Save replaces every table inside one transaction. Sequence numbers are
// stored as their int64 bit pattern.
func (s *SQLiteStore) Save(ctx context.Context, state broker.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM topics"); err != nil {
		return fmt.Errorf("clear topics: %w", err)
	}
	for name, ts := range state.Topics {
		if _, err := tx.ExecContext(ctx, "INSERT INTO topics (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("insert topic %s: %w", name, err)
		}
		for i, u := range ts.Updates {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO updates (topic, position, content, pending) VALUES (?, ?, ?, ?)",
				name, i, u.Content, u.Pending,
			); err != nil {
				return fmt.Errorf("insert update %s/%d: %w", name, i, err)
			}
		}
		for id, sub := range ts.Subscriptions {
			var lastAcked, cursor any
			if sub.LastAcked != nil {
				lastAcked = int64(*sub.LastAcked)
			}
			if sub.Cursor != nil {
				cursor = int64(*sub.Cursor)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO subscriptions (topic, subscriber, last_acked, cursor_pos) VALUES (?, ?, ?, ?)",
				name, id, lastAcked, cursor,
			); err != nil {
				return fmt.Errorf("insert subscription %s/%s: %w", name, id, err)
			}
		}
		for id, seq := range ts.Publishers {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO publishers (topic, publisher, last_seq) VALUES (?, ?, ?)",
				name, id, int64(seq),
			); err != nil {
				return fmt.Errorf("insert publisher %s/%s: %w", name, id, err)
			}
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
