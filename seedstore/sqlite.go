package seedstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type SqliteStore struct {
	db        *sql.DB
	tableName string
}

type SqliteStoreOpt func(*SqliteStore)

func WithTableName(name string) SqliteStoreOpt {
	return func(s *SqliteStore) {
		s.tableName = name
	}
}

func NewSqliteStore(dbPath string, opts ...SqliteStoreOpt) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// ":memory:" databases are per connection
	db.SetMaxOpenConns(1)

	store := &SqliteStore{
		db:        db,
		tableName: "kv",
	}

	for _, o := range opts {
		o(store)
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SqliteStore) init() error {
	createTable := fmt.Sprintf(`
	create table if not exists %s (
		key text primary key,
		value text not null,
		updated_at text not null default (strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'))
	);`, s.tableName)
	_, err := s.db.Exec(createTable)
	return err
}

func (s *SqliteStore) Set(ctx context.Context, key, value string) error {
	query := fmt.Sprintf(`
		insert into %s (key, value)
		values (?, ?)
		on conflict(key) do update set
			value = excluded.value,
			updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now');
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

func (s *SqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf(`select value from %s where key = ?;`, s.tableName)

	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
