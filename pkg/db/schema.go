package db

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many ran.
// Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS venue_tokens (
		venue TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		expires_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS partial_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		failed_leg TEXT NOT NULL,
		cause TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS exposure_drift (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		alor_qty REAL NOT NULL,
		ctrader_qty REAL NOT NULL,
		drift REAL NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

// ApplyMigrations runs the migrations the database has not seen yet, each in its own
// transaction.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	version, err := SchemaVersion(d)
	if err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		if err := migrate(d.DB, i+1, migrations[i]); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion is the number of migrations applied.
func SchemaVersion(d *Database) (int, error) {
	var v int
	if err := d.DB.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func migrate(db *sql.DB, version int, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("migration %d: set version: %w", version, err)
	}
	return tx.Commit()
}
