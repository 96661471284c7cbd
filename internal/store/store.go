// Package store is the ledger of installed artifacts. The install
// directories are the payload, the ledger says which versions exist and
// which one is active per kind.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/autometrics-dev/am/internal/model"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS installs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			version TEXT NOT NULL,
			path TEXT NOT NULL,
			binary TEXT NOT NULL,
			digest TEXT NOT NULL,
			installed_at INTEGER NOT NULL,
			active BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(kind, version)
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, kind string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("kind", kind), slog.String("err", err.Error()))
	}
}

// Install records an installed artifact. When a.Active is set, the
// artifact becomes the only active version of its kind in the same
// transaction.
func Install(ctx context.Context, db *sql.DB, a model.InstalledArtifact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, a.Kind)

	if a.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE installs SET active = false WHERE kind = ?`, a.Kind); err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO installs (kind, version, path, binary, digest, installed_at, active)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(kind, version) DO UPDATE SET
			path = excluded.path,
			binary = excluded.binary,
			digest = excluded.digest,
			installed_at = excluded.installed_at,
			active = excluded.active`,
		a.Kind, a.Version, a.Path, a.Binary, a.Digest, a.InstalledAt.UnixNano(), a.Active,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Activate makes version the only active version of kind. ErrNotFound is
// returned if the version is not installed.
func Activate(ctx context.Context, db *sql.DB, kind, version string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, kind)

	var id int
	err = tx.QueryRowContext(ctx, `SELECT id FROM installs WHERE kind = ? AND version = ?`, kind, version).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE installs SET active = (id = ?) WHERE kind = ?`, id, kind); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Deactivate clears the active version of kind.
func Deactivate(ctx context.Context, db *sql.DB, kind string) error {
	if _, err := db.ExecContext(ctx, `UPDATE installs SET active = false WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return nil
}

const columns = `kind, version, path, binary, digest, installed_at, active`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (model.InstalledArtifact, error) {
	var a model.InstalledArtifact
	var installedAt int64
	if err := row.Scan(&a.Kind, &a.Version, &a.Path, &a.Binary, &a.Digest, &installedAt, &a.Active); err != nil {
		return model.InstalledArtifact{}, err
	}
	a.InstalledAt = time.Unix(0, installedAt).UTC()
	return a, nil
}

// Active returns the active version of kind or ErrNotFound.
func Active(ctx context.Context, db *sql.DB, kind string) (model.InstalledArtifact, error) {
	row := db.QueryRowContext(ctx, `SELECT `+columns+` FROM installs WHERE kind = ? AND active`, kind)
	a, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.InstalledArtifact{}, ErrNotFound
	case err != nil:
		return model.InstalledArtifact{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return a, nil
}

// Get returns a single installed version or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, kind, version string) (model.InstalledArtifact, error) {
	row := db.QueryRowContext(ctx, `SELECT `+columns+` FROM installs WHERE kind = ? AND version = ?`, kind, version)
	a, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.InstalledArtifact{}, ErrNotFound
	case err != nil:
		return model.InstalledArtifact{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return a, nil
}

// List returns the installed versions of kind, newest install first. An
// empty kind lists all kinds.
func List(ctx context.Context, db *sql.DB, kind string) ([]model.InstalledArtifact, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM installs
		 WHERE ? = '' OR kind = ?
		 ORDER BY kind, installed_at DESC, id DESC`, kind, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.InstalledArtifact
	for rows.Next() {
		a, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sql row failed: %w", err)
		}
		ret = append(ret, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sql rows failed: %w", err)
	}
	return ret, nil
}

// Remove deletes the ledger entry of an installed version. The active
// version can't be removed.
func Remove(ctx context.Context, db *sql.DB, kind, version string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM installs WHERE kind = ? AND version = ? AND NOT active`, kind, version)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows failed: %w", err)
	}
	if n == 0 {
		if _, err := Get(ctx, db, kind, version); err != nil {
			return err
		}
		return fmt.Errorf("%s@%s is active", kind, version)
	}
	return nil
}
