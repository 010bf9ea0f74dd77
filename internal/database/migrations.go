package database

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("database")

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all journal migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE TABLE IF NOT EXISTS stream_sessions (
				id UUID PRIMARY KEY,
				owner_id VARCHAR(255) NOT NULL,
				title TEXT NOT NULL,
				quality VARCHAR(32) NOT NULL,
				status VARCHAR(16) NOT NULL,
				error_reason TEXT NOT NULL DEFAULT '',
				viewer_count INT NOT NULL DEFAULT 0,
				duration_seconds BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL,
				live_at TIMESTAMPTZ,
				ended_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_stream_sessions_owner ON stream_sessions(owner_id);
		`,
		Down: `
			DROP TABLE IF EXISTS stream_sessions;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS storage_deals (
				id UUID PRIMARY KEY,
				session_id UUID NOT NULL,
				proposal_id VARCHAR(255) NOT NULL DEFAULT '',
				content_address VARCHAR(255) NOT NULL DEFAULT '',
				size BIGINT NOT NULL,
				provider VARCHAR(64) NOT NULL DEFAULT '',
				price_per_epoch NUMERIC(38,18) NOT NULL,
				start_epoch BIGINT NOT NULL,
				end_epoch BIGINT NOT NULL,
				state VARCHAR(16) NOT NULL,
				attempts INT NOT NULL,
				first_sequence BIGINT NOT NULL,
				last_sequence BIGINT NOT NULL,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_storage_deals_session ON storage_deals(session_id);
		`,
		Down: `
			DROP TABLE IF EXISTS storage_deals;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS payment_channels (
				id UUID PRIMARY KEY,
				ledger_id VARCHAR(255) NOT NULL,
				session_id UUID NOT NULL,
				viewer_id VARCHAR(255) NOT NULL,
				payee_id VARCHAR(255) NOT NULL,
				funding NUMERIC(38,18) NOT NULL,
				submitted NUMERIC(38,18) NOT NULL,
				state VARCHAR(16) NOT NULL,
				settlement_ref VARCHAR(255) NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL
			);

			CREATE TABLE IF NOT EXISTS vouchers (
				channel_id UUID NOT NULL,
				sequence BIGINT NOT NULL,
				session_id UUID NOT NULL,
				amount NUMERIC(38,18) NOT NULL,
				issued_at TIMESTAMPTZ NOT NULL,
				submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (channel_id, sequence)
			);

			CREATE INDEX IF NOT EXISTS idx_payment_channels_session ON payment_channels(session_id);
		`,
		Down: `
			DROP TABLE IF EXISTS vouchers;
			DROP TABLE IF EXISTS payment_channels;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS distributions (
				id UUID PRIMARY KEY,
				session_id UUID NOT NULL,
				total NUMERIC(38,18) NOT NULL,
				platform_remainder NUMERIC(38,18) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			);

			CREATE TABLE IF NOT EXISTS distribution_transfers (
				distribution_id UUID NOT NULL REFERENCES distributions(id) ON DELETE CASCADE,
				recipient VARCHAR(255) NOT NULL,
				label VARCHAR(255) NOT NULL DEFAULT '',
				amount NUMERIC(38,18) NOT NULL,
				reference VARCHAR(255) NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (distribution_id, recipient)
			);

			CREATE INDEX IF NOT EXISTS idx_distributions_session ON distributions(session_id);
		`,
		Down: `
			DROP TABLE IF EXISTS distribution_transfers;
			DROP TABLE IF EXISTS distributions;
		`,
	},
}

// AppliedMigration is a row of schema_migrations
type AppliedMigration struct {
	Version   int
	AppliedAt time.Time
}

func sortedMigrations() []Migration {
	sorted := make([]Migration, len(Migrations))
	copy(sorted, Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return sorted
}

// RunMigrations applies every pending migration in version order, each in
// its own transaction.
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	for _, migration := range sortedMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		log.Infow("running migration", "version", migration.Version)
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(migration.Up); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// RollbackLast reverts the most recently applied migration. It returns the
// reverted version, or 0 when nothing is applied.
func RollbackLast(db *sql.DB) (int, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return 0, err
	}
	currentVersion, err := getCurrentVersion(db)
	if err != nil || currentVersion == 0 {
		return 0, err
	}

	var migration *Migration
	for i := range Migrations {
		if Migrations[i].Version == currentVersion {
			migration = &Migrations[i]
		}
	}
	if migration == nil {
		return 0, fmt.Errorf("applied migration %d is unknown to this build", currentVersion)
	}

	log.Infow("reverting migration", "version", currentVersion)
	err = inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(migration.Down); err != nil {
			return fmt.Errorf("failed to revert migration %d: %w", currentVersion, err)
		}
		if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", currentVersion); err != nil {
			return fmt.Errorf("failed to unrecord migration %d: %w", currentVersion, err)
		}
		return nil
	})
	return currentVersion, err
}

// Applied lists applied migrations in version order
func Applied(db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.Query("SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
