package orbit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openMeta opens the sqlite database holding the keystore and log heads.
func openMeta(dir string) (*sql.DB, error) {
	dsn := ":memory:"
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create orbitdb directory %s: %w", dir, err)
		}
		dsn = filepath.Join(dir, "orbitdb.sqlite")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a second pooled connection would see a different :memory: database
	db.SetMaxOpenConns(1)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS keystore(
			name TEXT PRIMARY KEY,
			seed BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS heads(
			address TEXT NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY(address, hash)
		);`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(context.Background(), q); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func loadHeads(ctx context.Context, db *sql.DB, address string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT hash FROM heads WHERE address = ? ORDER BY hash`, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func saveHeads(ctx context.Context, db *sql.DB, address string, heads []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM heads WHERE address = ?`, address); err != nil {
		return err
	}
	for _, h := range heads {
		if _, err := tx.ExecContext(ctx, `INSERT INTO heads(address, hash) VALUES(?, ?)`, address, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}
