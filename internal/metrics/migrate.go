package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
)

// SchemaVersion is the version a database has after migrate.
const SchemaVersion = 2

const backupStampFormat = "20060102T150405.000000000Z"

type migration struct {
	version int
	stmts   []string
}

// migrations are applied in order, each in its own transaction. Version 1
// predates failed transitions; version 2 records the outcome of every
// request and indexes the per-domain history.
var migrations = []migration{
	{1, []string{
		`CREATE TABLE schema_versions (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE transitions (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			domain    TEXT NOT NULL,
			level     INTEGER NOT NULL CHECK (typeof(level) = 'integer'),
			frequency INTEGER NOT NULL CHECK (typeof(frequency) = 'integer'),
			voltage   INTEGER NOT NULL CHECK (typeof(voltage) = 'integer'),
			power     INTEGER NOT NULL CHECK (typeof(power) = 'integer'),
			cookie    INTEGER NOT NULL
		)`,
	}},
	{2, []string{
		`ALTER TABLE transitions ADD COLUMN kind TEXT NOT NULL DEFAULT 'applied'
			CHECK (kind IN ('applied', 'failed'))`,
		`CREATE INDEX transitions_domain_idx ON transitions (domain, id)`,
	}},
}

// migrator brings a transition database up to SchemaVersion. Databases
// written by a newer release are moved aside and started over.
type migrator struct {
	db     *sql.DB
	dbPath string
	backup bool
	keep   int
	log    logger.Logger
}

func (m *migrator) run() error {
	errFactory := errors.New()

	version, err := m.version()
	if err != nil {
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	switch {
	case version == SchemaVersion:
		m.log.Debug().Int("version", version).Msg("Transition schema is current")
		return nil
	case version > SchemaVersion:
		m.log.Warn().
			Int("version", version).
			Int("supported", SchemaVersion).
			Msg("Transition database is newer than this release, starting over")
		if err := m.snapshot(version); err != nil {
			return err
		}
		if err := m.reset(); err != nil {
			return err
		}
		version = 0
	case version > 0:
		if err := m.snapshot(version); err != nil {
			return err
		}
	default:
		// Leftovers without a version table cannot be trusted.
		if err := m.reset(); err != nil {
			return err
		}
	}

	for _, mig := range migrations {
		if mig.version <= version {
			continue
		}
		if err := m.apply(mig); err != nil {
			return errFactory.WithData(ErrSchemaMigrationFailed, fmt.Sprintf("version %d: %v", mig.version, err))
		}
		m.log.Info().Int("version", mig.version).Msg("Transition schema migrated")
	}

	return nil
}

func (m *migrator) version() (int, error) {
	var exists bool
	if err := m.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'schema_versions')`,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version sql.NullInt64
	if err := m.db.QueryRow(`SELECT MAX(version) FROM schema_versions`).Scan(&version); err != nil {
		return 0, err
	}

	return int(version.Int64), nil
}

func (m *migrator) apply(mig migration) (err error) {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				m.log.Debug().Err(rbErr).Msg("Failed to roll back migration")
			}
		}
	}()

	for _, stmt := range mig.stmts {
		if _, err = tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err = tx.Exec(
		`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`,
		mig.version,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (m *migrator) reset() error {
	for _, table := range []string{"transitions", "schema_versions"} {
		if _, err := m.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errors.New().WithData(ErrSchemaMigrationFailed, "drop "+table+": "+err.Error())
		}
	}
	return nil
}

func (m *migrator) backupDir() string {
	return filepath.Join(filepath.Dir(m.dbPath), backupDirName)
}

// backupPrefix is shared by every backup of this database, so several
// databases can keep their backups side by side.
func (m *migrator) backupPrefix() string {
	return strings.TrimSuffix(filepath.Base(m.dbPath), filepath.Ext(m.dbPath)) + "-v"
}

// snapshot copies the database before its schema changes and prunes
// backups beyond the retention count.
func (m *migrator) snapshot(version int) error {
	if !m.backup {
		return nil
	}

	errFactory := errors.New()
	dir := m.backupDir()

	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return errFactory.WithData(ErrBackupFailed, dir+": "+err.Error())
	}

	stamp := time.Now().UTC().Format(backupStampFormat)
	path := filepath.Join(dir, fmt.Sprintf("%s%d-%s.db", m.backupPrefix(), version, stamp))

	// VACUUM INTO cannot run inside a transaction.
	if _, err := m.db.Exec("VACUUM INTO '" + strings.ReplaceAll(path, "'", "''") + "'"); err != nil {
		return errFactory.WithData(ErrBackupFailed, path+": "+err.Error())
	}
	m.log.Info().Str("path", path).Int("version", version).Msg("Transition database backed up")

	return m.prune()
}

func (m *migrator) prune() error {
	if m.keep <= 0 {
		return nil
	}

	paths, err := filepath.Glob(filepath.Join(m.backupDir(), m.backupPrefix()+"*.db"))
	if err != nil {
		return errors.New().Wrap(ErrBackupFailed, err)
	}
	if len(paths) <= m.keep {
		return nil
	}

	// Oldest first by stamp, which follows the last dash.
	sort.Slice(paths, func(i, j int) bool {
		return backupStamp(paths[i]) < backupStamp(paths[j])
	})

	for _, path := range paths[:len(paths)-m.keep] {
		if err := os.Remove(path); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("Failed to remove old backup")
			continue
		}
		m.log.Debug().Str("path", path).Msg("Removed old backup")
	}

	return nil
}

func backupStamp(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".db")
	return name[strings.LastIndex(name, "-")+1:]
}
