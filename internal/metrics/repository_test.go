package metrics_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"codeberg.org/mutker/dvfsctl/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) metrics.Config {
	t.Helper()
	cfg := metrics.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "transitions.db")
	return cfg
}

func transition(domain string, level uint32, kind metrics.TransitionKind) *metrics.TransitionSnapshot {
	return &metrics.TransitionSnapshot{
		Timestamp: time.Unix(1700000000, int64(level)),
		Domain:    domain,
		Level:     level,
		Frequency: level * 100,
		Voltage:   700 + level*100,
		Power:     level * 10,
		Cookie:    uint64(level),
		Kind:      kind,
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, metrics.DefaultConfig().Validate(), "disabled config is always valid")

	cfg := metrics.Config{Enabled: true}
	assert.Equal(t, metrics.ErrInvalidDBPath, errors.CodeOf(cfg.Validate()))

	cfg = metrics.Config{Enabled: true, DBPath: "/tmp/x.db", BatchSize: -1}
	assert.Equal(t, metrics.ErrInvalidConfig, errors.CodeOf(cfg.Validate()))
}

func TestNewServiceDisabled(t *testing.T) {
	svc, err := metrics.NewService(metrics.DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	assert.NoError(t, svc.Record(context.Background(), transition("gpu", 1, metrics.KindApplied)))
	assert.NoError(t, svc.Close())
}

func TestRepositoryRecordAndRecent(t *testing.T) {
	cfg := testConfig(t)
	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Record(transition("gpu", 1, metrics.KindApplied)))
	require.NoError(t, repo.Record(transition("gpu", 2, metrics.KindFailed)))
	require.NoError(t, repo.Record(transition("cpu", 3, metrics.KindApplied)))

	got, err := repo.Recent("gpu", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, uint32(2), got[0].Level, "newest first")
	assert.Equal(t, metrics.KindFailed, got[0].Kind)
	assert.Equal(t, uint32(900), got[0].Voltage)
	assert.Equal(t, uint32(1), got[1].Level)
	assert.Equal(t, time.Unix(1700000000, 1), got[1].Timestamp)

	got, err = repo.Recent("gpu", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRepositoryFlushesOnClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.BatchTimeout = time.Hour

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Record(transition("gpu", 1, metrics.KindApplied)))
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM transitions").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRepositoryUnbatched(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 0
	cfg.BatchTimeout = 0

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Record(transition("gpu", 3, metrics.KindApplied)))
	assert.NoError(t, repo.Close())
}

func TestServiceRejectsEmptyDomain(t *testing.T) {
	svc, err := metrics.NewService(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Record(context.Background(), &metrics.TransitionSnapshot{})
	assert.Equal(t, metrics.ErrInvalidTransition, errors.CodeOf(err))

	err = svc.Record(context.Background(), transition("gpu", 1, "skipped"))
	assert.Equal(t, metrics.ErrInvalidTransition, errors.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = svc.Record(ctx, transition("gpu", 1, metrics.KindApplied))
	assert.Equal(t, metrics.ErrOperationTimeout, errors.CodeOf(err))
}

func TestSchemaRecreatedOnVersionMismatch(t *testing.T) {
	cfg := testConfig(t)

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Record(transition("gpu", 1, metrics.KindApplied)))
	require.NoError(t, repo.Close())

	setVersion(t, cfg.DBPath, metrics.SchemaVersion+10)

	repo, err = metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	backups := listBackups(t, cfg.DBPath)
	require.Len(t, backups, 1)
	assert.Contains(t, filepath.Base(backups[0]), fmt.Sprintf("transitions-v%d-", metrics.SchemaVersion+10))

	got, err := repo.Recent("gpu", 10)
	require.NoError(t, err)
	assert.Empty(t, got, "newer schema is started over")
}

func TestMigratesVersionOneDatabase(t *testing.T) {
	cfg := testConfig(t)

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`,
		`INSERT INTO schema_versions VALUES (1, datetime('now'))`,
		`CREATE TABLE transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT, timestamp INTEGER NOT NULL,
			domain TEXT NOT NULL, level INTEGER NOT NULL, frequency INTEGER NOT NULL,
			voltage INTEGER NOT NULL, power INTEGER NOT NULL, cookie INTEGER NOT NULL)`,
		`INSERT INTO transitions (timestamp, domain, level, frequency, voltage, power, cookie)
			VALUES (1, 'gpu', 2, 200, 900, 20, 7)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.Recent("gpu", 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "rows survive the migration")
	assert.Equal(t, uint32(2), got[0].Level)
	assert.Equal(t, metrics.KindApplied, got[0].Kind)

	backups := listBackups(t, cfg.DBPath)
	require.Len(t, backups, 1)
	assert.Contains(t, filepath.Base(backups[0]), "transitions-v1-")
}

func TestBackupRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupKeep = 2

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	for version := 10; version < 14; version++ {
		setVersion(t, cfg.DBPath, version)
		repo, err := metrics.NewRepository(cfg, logger.Nop())
		require.NoError(t, err)
		require.NoError(t, repo.Close())
	}

	backups := listBackups(t, cfg.DBPath)
	require.Len(t, backups, 2)
	assert.Contains(t, filepath.Base(backups[0]), "transitions-v12-")
	assert.Contains(t, filepath.Base(backups[1]), "transitions-v13-")
}

func TestNoBackupWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupOnMigrate = false

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	setVersion(t, cfg.DBPath, metrics.SchemaVersion+1)
	repo, err = metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	assert.Empty(t, listBackups(t, cfg.DBPath))
}

func TestHistoryLimitPerDomain(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryLimit = 2
	cfg.BatchSize = 0

	repo, err := metrics.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	for level := uint32(1); level <= 4; level++ {
		require.NoError(t, repo.Record(transition("gpu", level, metrics.KindApplied)))
	}
	require.NoError(t, repo.Record(transition("cpu", 9, metrics.KindApplied)))

	got, err := repo.Recent("gpu", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(4), got[0].Level)
	assert.Equal(t, uint32(3), got[1].Level)

	got, err = repo.Recent("cpu", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "other domains keep their own history")
}

func setVersion(t *testing.T, path string, version int) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("UPDATE schema_versions SET version = ? WHERE version = (SELECT MAX(version) FROM schema_versions)", version)
	require.NoError(t, err)
}

func listBackups(t *testing.T, dbPath string) []string {
	t.Helper()
	backups, err := filepath.Glob(filepath.Join(filepath.Dir(dbPath), "backups", "transitions-v*.db"))
	require.NoError(t, err)
	sort.Strings(backups)
	return backups
}
