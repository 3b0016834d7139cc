package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore/migrations"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

// SQLite persists credentials in a single-table SQLite database so a
// session survives process restarts.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations. The special path ":memory:" gives a private in-memory
// database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("credstore: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("credstore: create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credstore: open sqlite: %w", err)
	}
	// One connection keeps ":memory:" coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credstore: ping sqlite: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credstore: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) applyMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", source, "", driver)
	if err != nil {
		return err
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLite) Write(ctx context.Context, set Set) error {
	if err := validateSet(set); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeTx(ctx, tx, set)
	})
}

func (s *SQLite) CompareAndWrite(ctx context.Context, expect, set Set) (bool, error) {
	if err := validateSet(expect); err != nil {
		return false, err
	}
	if err := validateSet(set); err != nil {
		return false, err
	}

	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for k, want := range expect {
			var v string
			err := tx.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, string(k)).Scan(&v)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if v != want {
				return nil
			}
		}
		if err := writeTx(ctx, tx, set); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func writeTx(ctx context.Context, tx *sql.Tx, set Set) error {
	now := time.Now().UTC()
	for k, v := range set {
		if v == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, string(k)); err != nil {
				return err
			}
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			string(k), v, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context, key Key) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, string(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLite) Clear(ctx context.Context, scope Scope) error {
	keys, err := scope.Keys()
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, string(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		snap[Key(k)] = v
	}
	return snap, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
