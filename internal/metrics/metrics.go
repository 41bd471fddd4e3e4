package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
)

// NewService returns the transition collector for cfg. A disabled
// configuration yields a collector that discards every transition, so
// callers never check whether history is on.
func NewService(cfg Config, log logger.Logger) (Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Transition history disabled")
		return discard{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &historyCollector{repo: repo, now: time.Now}, nil
}

// historyCollector checks transitions before handing them to the
// repository.
type historyCollector struct {
	repo Repository
	now  func() time.Time
}

func (c *historyCollector) Record(ctx context.Context, snapshot *TransitionSnapshot) error {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}
	if err := snapshot.validate(); err != nil {
		return err
	}

	snap := *snapshot
	if snap.Timestamp.IsZero() {
		snap.Timestamp = c.now()
	}
	if err := c.repo.Record(&snap); err != nil {
		return errFactory.Wrap(ErrTransitionRecord, err)
	}

	return nil
}

func (c *historyCollector) Close() error {
	if err := c.repo.Close(); err != nil {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}
	return nil
}

type discard struct{}

func (discard) Record(context.Context, *TransitionSnapshot) error { return nil }

func (discard) Close() error { return nil }
