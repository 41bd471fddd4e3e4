package metrics

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const (
	insertTransitionSQL = `
    INSERT INTO transitions (
        timestamp, domain,
        level, frequency, voltage, power,
        cookie, kind
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	recentTransitionsSQL = `
    SELECT timestamp, domain, level, frequency, voltage, power, cookie, kind
    FROM transitions
    WHERE domain = ?
    ORDER BY id DESC
    LIMIT ?`

	// Keeps the newest rows of one domain; the offset row is the newest
	// one to go.
	trimHistorySQL = `
    DELETE FROM transitions
    WHERE domain = ? AND id <= (
        SELECT id FROM transitions
        WHERE domain = ?
        ORDER BY id DESC
        LIMIT 1 OFFSET ?
    )`
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []*TransitionSnapshot
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// Open database with specific pragmas for better performance and safety
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	m := &migrator{
		db:     db,
		dbPath: cfg.DBPath,
		backup: cfg.BackupOnMigrate,
		keep:   cfg.BackupKeep,
		log:    log,
	}
	if err := m.run(); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Int("history_limit", cfg.HistoryLimit).
		Msg("Transition repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*TransitionSnapshot, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	// Start background goroutine for periodic flushing if batching is enabled
	if cfg.BatchSize > 0 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Record(snapshot *TransitionSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := *snapshot
	r.buffer = append(r.buffer, &snap)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Close() error {
	// Signal the flusher goroutine to stop
	close(r.shutdownChan)

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Wait for the flusher to exit
	<-r.flushDoneChan

	r.mu.Lock()
	err := r.flush()
	r.mu.Unlock()
	if err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Transition repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			r.flush()
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertTransitionSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	domains := make(map[string]struct{})
	for _, snapshot := range r.buffer {
		domains[snapshot.Domain] = struct{}{}
		values := []any{
			snapshot.Timestamp.UnixNano(),
			snapshot.Domain,
			int64(snapshot.Level),
			int64(snapshot.Frequency),
			int64(snapshot.Voltage),
			int64(snapshot.Power),
			int64(snapshot.Cookie),
			string(snapshot.Kind),
		}

		if _, err := stmt.Exec(values...); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if r.cfg.HistoryLimit > 0 {
		for domain := range domains {
			if _, err := tx.Exec(trimHistorySQL, domain, domain, r.cfg.HistoryLimit); err != nil {
				r.logger.Error().Err(err).Str("domain", domain).Msg("Failed to trim history")
				if err := tx.Rollback(); err != nil {
					r.logger.Error().Err(err).Msg("Failed to roll back transaction")
				}
				return errFactory.Wrap(ErrTransactionFailed, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed transitions to database")
	r.buffer = r.buffer[:0]

	return nil
}

// Recent returns up to limit transitions of domain, newest first.
// Buffered transitions are flushed before reading.
func (r *repository) Recent(domain string, limit int) ([]TransitionSnapshot, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(recentTransitionsSQL, domain, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []TransitionSnapshot
	for rows.Next() {
		var (
			ts   int64
			snap TransitionSnapshot
			kind string
		)
		if err := rows.Scan(&ts, &snap.Domain, &snap.Level, &snap.Frequency,
			&snap.Voltage, &snap.Power, &snap.Cookie, &kind); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		snap.Timestamp = time.Unix(0, ts)
		snap.Kind = TransitionKind(kind)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}
