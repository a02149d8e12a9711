// Package postgres holds the lazily opened database handle shared by the
// postgres-backed task queue and blob store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const OperationTimeout = 5 * time.Second

var ErrMissingDSN = errors.New("postgres dsn is required")

type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Lazy opens the database and applies its schema statements on first use.
type Lazy struct {
	dsn    string
	schema []string
	open   OpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewLazy(dsn string, schema ...string) (*Lazy, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrMissingDSN
	}
	return &Lazy{dsn: dsn, schema: schema, open: sql.Open}, nil
}

// WithOpener replaces sql.Open; tests use it to inject a fake driver.
func (l *Lazy) WithOpener(open OpenFunc) *Lazy {
	l.open = open
	return l
}

func (l *Lazy) DB() (*sql.DB, error) {
	l.initOnce.Do(func() {
		db, err := l.open("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
		defer cancel()
		for _, stmt := range l.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				l.initErr = err
				return
			}
		}
		l.db = db
	})
	return l.db, l.initErr
}

func (l *Lazy) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// LockKey derives a stable advisory lock key from its parts.
func LockKey(parts ...string) int64 {
	hasher := fnv.New64a()
	for i, part := range parts {
		if i > 0 {
			_, _ = hasher.Write([]byte{0})
		}
		_, _ = hasher.Write([]byte(strings.TrimSpace(part)))
	}
	return int64(hasher.Sum64())
}
