// Package pairing persists the store server a node was paired with.
package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	_ "modernc.org/sqlite"
)

type Record struct {
	Server   string
	PairedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the pairing database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS pairings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server TEXT NOT NULL,
			paired_at TIMESTAMP NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating pairings table failed: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save records server as the current pairing.
func (s *Store) Save(ctx context.Context, server string) error {
	if server == "" {
		return errors.New("empty server")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("server", server))
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pairings (server, paired_at) VALUES (?, ?)`, server, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Current returns the latest pairing or model.ErrNotFound.
func (s *Store) Current(ctx context.Context) (Record, error) {
	var rec Record
	row := s.db.QueryRowContext(ctx,
		`SELECT server, paired_at FROM pairings ORDER BY id DESC LIMIT 1`,
	)
	err := row.Scan(&rec.Server, &rec.PairedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, model.ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return rec, nil
}

// History returns all pairings, newest first.
func (s *Store) History(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, paired_at FROM pairings ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Server, &rec.PairedAt); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, rec)
	}
	return ret, rows.Err()
}
