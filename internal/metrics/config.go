package metrics

import (
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/dvfsctl/transitions.db"
	defaultBatchSize    = 32
	defaultBatchTimeout = 5 * time.Second
	defaultBackupKeep   = 3
	backupDirName       = "backups"
)

type Config struct {
	DBPath          string
	BatchSize       int
	BatchTimeout    time.Duration
	BackupOnMigrate bool
	// BackupKeep bounds the migration backups kept beside the database.
	// Zero keeps all of them.
	BackupKeep int
	// HistoryLimit bounds the stored transitions per domain. Zero keeps
	// everything.
	HistoryLimit int
	Enabled      bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BatchSize:       defaultBatchSize,
		BatchTimeout:    defaultBatchTimeout,
		BackupOnMigrate: true,
		BackupKeep:      defaultBackupKeep,
		Enabled:         false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate storage settings if metrics is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BatchSize    int
			BatchTimeout time.Duration
		}{
			BatchSize:    c.BatchSize,
			BatchTimeout: c.BatchTimeout,
		})
	}
	if c.BackupKeep < 0 || c.HistoryLimit < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BackupKeep   int
			HistoryLimit int
		}{
			BackupKeep:   c.BackupKeep,
			HistoryLimit: c.HistoryLimit,
		})
	}
	return nil
}
