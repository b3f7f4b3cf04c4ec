// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	logpkg "github.com/echa/log"
	_ "modernc.org/sqlite"

	"blockwatch.cc/meterpay/pkg/chain"
)

var log logpkg.Logger = logpkg.Log

// UseLogger replaces the package logger.
func UseLogger(l logpkg.Logger) {
	log = l
}

// Config holds configuration for the embedded SQLite database.
type Config struct {
	Path string `koanf:"path"`
}

// Store persists ledger snapshots. Account state is kept in its fixed
// order binary layout, the store never interprets it.
type Store struct {
	db *sql.DB
}

// Open opens the database and creates missing tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := OpenSQLite(cfg)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens an embedded SQLite database (in process).
func OpenSQLite(cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.ExecContext(context.Background(), "PRAGMA synchronous=NORMAL;")
	_, _ = db.ExecContext(context.Background(), "PRAGMA busy_timeout=5000;")
	return db, nil
}

// EnsureSchema creates the account and metadata tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmt := `
CREATE TABLE IF NOT EXISTS accounts (
  address TEXT PRIMARY KEY,
  kind INTEGER NOT NULL,
  funds INTEGER NOT NULL,
  state BLOB,
  updated_at DATETIME NOT NULL DEFAULT (STRFTIME('%Y-%m-%d %H:%M:%f','now'))
);

CREATE TABLE IF NOT EXISTS meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := db.ExecContext(ctx, stmt)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with the current ledger state in one
// transaction.
func (s *Store) Save(ctx context.Context, l *chain.Ledger) error {
	snaps, now, err := l.Snapshot()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO accounts (address, kind, funds, state) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range snaps {
		if _, err := stmt.ExecContext(ctx, a.Address.String(), int64(a.Kind), int64(a.Funds), a.State); err != nil {
			return fmt.Errorf("save %s: %w", a.Address, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO meta (key, value) VALUES ('now', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.FormatInt(now, 10)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Debugf("saved %d accounts at time %d", len(snaps), now)
	return nil
}

// Load rebuilds the stored ledger. It reports false when nothing was
// saved yet.
func (s *Store) Load(ctx context.Context, factory chain.Factory) (*chain.Ledger, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'now'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	now, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("stored time %q: %w", raw, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT address, kind, funds, state FROM accounts ORDER BY address`)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var snaps []chain.AccountSnapshot
	for rows.Next() {
		var (
			addr  string
			kind  int64
			funds int64
			state []byte
		)
		if err := rows.Scan(&addr, &kind, &funds, &state); err != nil {
			return nil, false, err
		}
		a, err := chain.ParseAddress(addr)
		if err != nil {
			return nil, false, err
		}
		snaps = append(snaps, chain.AccountSnapshot{
			Address: a,
			Kind:    chain.Kind(kind),
			Funds:   chain.Coins(funds),
			State:   state,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	l, err := chain.Restore(snaps, now, factory)
	if err != nil {
		return nil, false, err
	}
	log.Debugf("loaded %d accounts at time %d", len(snaps), now)
	return l, true, nil
}
