package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
)

// Collector records level transitions of DVFS domains
type Collector interface {
	Record(ctx context.Context, snapshot *TransitionSnapshot) error
	Close() error
}

// Repository defines the interface for transition data storage
type Repository interface {
	Record(snapshot *TransitionSnapshot) error
	Recent(domain string, limit int) ([]TransitionSnapshot, error)
	Close() error
}

// TransitionKind tells whether a transition was applied or abandoned
type TransitionKind string

const (
	KindApplied TransitionKind = "applied"
	KindFailed  TransitionKind = "failed"
)

// TransitionSnapshot is one completed level request of a domain.
// Frequency is in kHz, Voltage in mV.
type TransitionSnapshot struct {
	Timestamp time.Time
	Domain    string
	Level     uint32
	Frequency uint32
	Voltage   uint32
	Power     uint32
	Cookie    uint64
	Kind      TransitionKind
}

func (s *TransitionSnapshot) validate() error {
	errFactory := errors.New()

	switch {
	case s == nil || s.Domain == "":
		return errFactory.New(ErrInvalidTransition)
	case s.Kind != KindApplied && s.Kind != KindFailed:
		return errFactory.WithData(ErrInvalidTransition, s.Kind)
	}

	return nil
}
