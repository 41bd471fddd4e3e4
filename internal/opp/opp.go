// Package opp holds the static operating point tables of DVFS domains.
package opp

import (
	"codeberg.org/mutker/dvfsctl/internal/errors"
)

const (
	ErrEmptyTable      = errors.ErrorCode("opp_empty_table")
	ErrDuplicateLevel  = errors.ErrorCode("opp_duplicate_level")
	ErrDuplicateVolt   = errors.ErrorCode("opp_duplicate_voltage")
	ErrZeroEntry       = errors.ErrorCode("opp_zero_entry")
	ErrSustainedIndex  = errors.ErrorCode("opp_invalid_sustained_index")
	ErrNotFound        = errors.ErrOutOfRange
	ErrIndexOutOfRange = errors.ErrOutOfRange
)

// OperatingPoint is one supported performance point of a domain.
type OperatingPoint struct {
	Level     uint32 // opaque identifier, typically the frequency in Hz
	Frequency uint32 // kHz
	Voltage   uint32 // mV
	Power     uint32
}

// IsZero reports whether op is the zero value, which is never a valid entry.
func (op OperatingPoint) IsZero() bool {
	return op == OperatingPoint{}
}

// Table is an ordered, read-only list of operating points.
type Table []OperatingPoint

// Validate checks that the table is non-empty and that levels and voltages
// are unique, since both are used as lookup keys.
func (t Table) Validate() error {
	errFactory := errors.New()

	if len(t) == 0 {
		return errFactory.New(ErrEmptyTable)
	}

	levels := make(map[uint32]struct{}, len(t))
	voltages := make(map[uint32]struct{}, len(t))
	for i, op := range t {
		if op.Level == 0 || op.Frequency == 0 || op.Voltage == 0 {
			return errFactory.WithData(ErrZeroEntry, i)
		}
		if _, ok := levels[op.Level]; ok {
			return errFactory.WithData(ErrDuplicateLevel, op.Level)
		}
		if _, ok := voltages[op.Voltage]; ok {
			return errFactory.WithData(ErrDuplicateVolt, op.Voltage)
		}
		levels[op.Level] = struct{}{}
		voltages[op.Voltage] = struct{}{}
	}

	return nil
}

// ForLevel returns the first entry whose level matches.
func (t Table) ForLevel(level uint32) (OperatingPoint, error) {
	for _, op := range t {
		if op.Level == level {
			return op, nil
		}
	}

	return OperatingPoint{}, errors.New().WithData(ErrNotFound, level)
}

// ForVoltage returns the first entry whose voltage matches.
func (t Table) ForVoltage(voltage uint32) (OperatingPoint, error) {
	for _, op := range t {
		if op.Voltage == voltage {
			return op, nil
		}
	}

	return OperatingPoint{}, errors.New().WithData(ErrNotFound, voltage)
}

// Nth returns the entry at index n.
func (t Table) Nth(n int) (OperatingPoint, error) {
	if n < 0 || n >= len(t) {
		return OperatingPoint{}, errors.New().WithData(ErrIndexOutOfRange, n)
	}

	return t[n], nil
}

// Sustained returns the default operating point at idx.
func (t Table) Sustained(idx int) (OperatingPoint, error) {
	return t.Nth(idx)
}

// LevelIndex returns the position of level in the table.
func (t Table) LevelIndex(level uint32) (int, error) {
	for i, op := range t {
		if op.Level == level {
			return i, nil
		}
	}

	return 0, errors.New().WithData(ErrNotFound, level)
}

// Nearest returns the entry whose frequency is closest to freq (kHz).
// Ties resolve to the lower entry.
func (t Table) Nearest(freq uint32) (OperatingPoint, error) {
	if len(t) == 0 {
		return OperatingPoint{}, errors.New().New(ErrEmptyTable)
	}

	best := t[0]
	bestDiff := absDiff(best.Frequency, freq)
	for _, op := range t[1:] {
		d := absDiff(op.Frequency, freq)
		if d < bestDiff || (d == bestDiff && op.Frequency < best.Frequency) {
			best, bestDiff = op, d
		}
	}

	return best, nil
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}

	return b - a
}
