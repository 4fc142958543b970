package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Pool splits database access into a write handle and a read handle.
//
// SQLite mode runs the writer with a single connection (writes serialize, no
// SQLITE_BUSY churn) and the reader with several read-only WAL connections.
// Postgres mode backs both handles with the same pgx-managed *sqlx.DB, since
// pgx pools connections itself.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps writer and reader handles. Passing the same *sqlx.DB for both
// is fine and is how the Postgres constructor uses it.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for queries. Under SQLite these connections read WAL
// snapshots concurrently with the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Ping verifies both handles are reachable.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.writer.PingContext(ctx); err != nil {
		return err
	}
	if p.reader != p.writer {
		return p.reader.PingContext(ctx)
	}
	return nil
}

// Close releases both handles, closing the shared connection only once when
// writer and reader are the same pool.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rerr := p.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
