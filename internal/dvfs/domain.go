package dvfs

import (
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"codeberg.org/mutker/dvfsctl/internal/opp"
	"github.com/jpillora/backoff"
)

// MaxRetries bounds how often a failed best-effort request is retried.
// Together with the first attempt a request is tried at most MaxRetries+1 times.
const MaxRetries = 4

// Domain is the static configuration of one voltage/frequency rail.
type Domain struct {
	Name      string
	Voltage   VoltageDriver
	Frequency FrequencyDriver
	// Alarm delays pending requests by Retry. Without it, or with a zero
	// Retry, pending requests are started as soon as the previous one ends.
	Alarm Alarm
	Retry time.Duration
	// RetryMax lets the delay grow exponentially per retry up to this value.
	RetryMax time.Duration
	// RoundMode and RoundArg are handed to the frequency driver unchanged.
	RoundMode    RoundMode
	RoundArg     uint64
	Latency      uint16
	SustainedIdx int
	Table        opp.Table
}

func (d Domain) validate() error {
	errFactory := errors.New()

	switch {
	case d.Voltage == nil:
		return errFactory.WithData(ErrInvalidDomainCfg, d.Name+": no voltage driver")
	case d.Frequency == nil:
		return errFactory.WithData(ErrInvalidDomainCfg, d.Name+": no frequency driver")
	case d.Retry < 0 || d.RetryMax < 0:
		return errFactory.WithData(ErrInvalidDomainCfg, d.Name+": negative retry delay")
	case d.RoundMode > RoundUp:
		return errFactory.WithData(ErrInvalidDomainCfg, d.Name+": unknown round mode")
	}

	if err := d.Table.Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidDomainCfg, err)
	}
	if _, err := d.Table.Sustained(d.SustainedIdx); err != nil {
		return errFactory.Wrap(ErrInvalidDomainCfg, err)
	}

	return nil
}

// State is the position of a domain in its request state machine.
type State uint8

const (
	StateIdle State = iota
	// StateSettingOPP: a SET_OPP sequence is reading the supply voltage.
	StateSettingOPP
	// StateSettingFrequency: voltage was raised, rate comes next.
	StateSettingFrequency
	// StateSettingVoltage: rate was lowered, voltage comes next.
	StateSettingVoltage
	// StateSetDone: the last driver step of the sequence is outstanding.
	StateSetDone
	StateGetOPP
	StateRetry
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSettingOPP:
		return "setting_opp"
	case StateSettingFrequency:
		return "setting_frequency"
	case StateSettingVoltage:
		return "setting_voltage"
	case StateSetDone:
		return "opp_set_done"
	case StateGetOPP:
		return "get_opp"
	case StateRetry:
		return "retry"
	default:
		return "unknown"
	}
}

type request struct {
	cookie           uintptr
	target           opp.OperatingPoint
	retry            bool
	numRetries       uint8
	responseRequired bool
	fromInterrupt    bool
}

type domainCtx struct {
	id      DomainID
	cfg     Domain
	current opp.OperatingPoint
	state   State
	request request
	pending *request
	log     logger.Logger
}

func (d *domainCtx) setState(s State) {
	if d.state == s {
		return
	}
	d.log.Debug().
		Str("from", d.state.String()).
		Str("to", s.String()).
		Msg("State transition")
	d.state = s
}

func (d *domainCtx) busy() bool {
	return d.state != StateIdle
}

// coalesce folds req into the pending slot. The slot always holds the latest
// accepted target, even one equal to the in-flight target, since the
// in-flight attempt may still fail. The retry flag is sticky once set.
func (d *domainCtx) coalesce(req request) {
	if d.pending != nil {
		if d.pending.target.Level == req.target.Level {
			d.pending.retry = d.pending.retry || req.retry
			return
		}
		req.retry = req.retry || d.pending.retry
	}

	d.pending = &req
	d.log.Debug().
		Uint32("level", req.target.Level).
		Bool("retry", req.retry).
		Msg("Request queued")
}

// requeue stores a failed request for another attempt. A pending request
// already in the slot is newer and keeps its target.
func (d *domainCtx) requeue(failed request) {
	if d.pending != nil {
		d.pending.retry = true
		return
	}

	d.pending = &failed
}

// retryDelay is Retry for the first retry of a request and doubles per
// further retry, capped at RetryMax.
func (d *domainCtx) retryDelay() time.Duration {
	if d.cfg.RetryMax <= d.cfg.Retry || d.pending == nil || d.pending.numRetries <= 1 {
		return d.cfg.Retry
	}

	b := &backoff.Backoff{
		Min:    d.cfg.Retry,
		Max:    d.cfg.RetryMax,
		Factor: 2,
	}

	return b.ForAttempt(float64(d.pending.numRetries - 1))
}

func (d *domainCtx) reset() {
	d.request = request{}
	d.setState(StateIdle)
}
