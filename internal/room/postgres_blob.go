package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rectangular-labs/workspacesync/internal/postgres"
)

const postgresBlobTableName = "workspacesync_blobs"

type PostgresBlobStore struct {
	db    *postgres.Lazy
	table string
}

func NewPostgresBlobStore(dsn string) (*PostgresBlobStore, error) {
	table := postgres.QuoteIdentifier(postgresBlobTableName)
	lazy, err := postgres.NewLazy(dsn, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			uri TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table))
	if err != nil {
		return nil, err
	}
	return &PostgresBlobStore{db: lazy, table: table}, nil
}

func (s *PostgresBlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	db, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgres.OperationTimeout)
	defer cancel()
	var data []byte
	err = db.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM %s WHERE uri = $1", s.table), uri).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *PostgresBlobStore) Put(ctx context.Context, uri string, data []byte) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgres.OperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (uri, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (uri)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, s.table)
	_, err = db.ExecContext(ctx, query, uri, data)
	return err
}

func (s *PostgresBlobStore) Close() error {
	return s.db.Close()
}
