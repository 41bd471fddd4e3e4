package dvfs

import (
	"codeberg.org/mutker/dvfsctl/internal/errors"
)

const kHz = 1000

// ProcessEvent advances the state machine of the event's domain. Driver
// failures are consumed by the completion path; the returned error only
// reports events that could not be handled at all.
func (c *Controller) ProcessEvent(ev Event) error {
	d, err := c.domain(ev.Domain)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case EventSetOPP:
		if d.state != StateSettingOPP {
			return c.unexpected(d, ev)
		}
		return c.setOPP(d)
	case EventRetry:
		if d.state != StateRetry {
			return c.unexpected(d, ev)
		}
		return c.flushPending(d)
	case EventVoltageRead:
		return c.onVoltageRead(d, ev)
	case EventVoltageSet:
		return c.onVoltageSet(d, ev)
	case EventRateSet:
		return c.onRateSet(d, ev)
	default:
		return c.unexpected(d, ev)
	}
}

func (c *Controller) unexpected(d *domainCtx, ev Event) error {
	d.log.Warn().
		Str("event", ev.Kind.String()).
		Str("state", d.state.String()).
		Msg("Dropping unexpected event")

	return errors.New().WithData(ErrUnexpectedEvent, ev.Kind.String())
}

// setOPP reads the supply voltage, which decides the order of the steps.
func (c *Controller) setOPP(d *domainCtx) error {
	voltage, err := d.cfg.Voltage.GetVoltage(d.id)
	if IsPending(err) {
		return nil
	}
	if err != nil {
		return c.complete(d, err)
	}

	return c.adjust(d, voltage)
}

// adjust raises the voltage before the rate, and lowers the rate before the
// voltage, so the clock never outruns its supply.
func (c *Controller) adjust(d *domainCtx, voltage uint32) error {
	target := d.request.target

	switch {
	case target.Voltage > voltage:
		return c.setVoltage(d, StateSettingFrequency)
	case target.Voltage < voltage:
		return c.setRate(d, StateSettingVoltage)
	default:
		return c.setRate(d, StateSetDone)
	}
}

func (c *Controller) setVoltage(d *domainCtx, next State) error {
	err := d.cfg.Voltage.SetVoltage(d.id, d.request.target.Voltage)
	if IsPending(err) {
		d.setState(next)
		return nil
	}
	if err != nil {
		return c.complete(d, err)
	}

	return c.advance(d, next)
}

func (c *Controller) setRate(d *domainCtx, next State) error {
	hz := uint64(d.request.target.Frequency) * kHz

	err := d.cfg.Frequency.SetRate(d.id, hz, d.cfg.RoundMode, d.cfg.RoundArg)
	if IsPending(err) {
		d.setState(next)
		return nil
	}
	if err != nil {
		return c.complete(d, err)
	}

	return c.advance(d, next)
}

func (c *Controller) advance(d *domainCtx, next State) error {
	switch next {
	case StateSettingFrequency:
		return c.setRate(d, StateSetDone)
	case StateSettingVoltage:
		return c.setVoltage(d, StateSetDone)
	default:
		return c.complete(d, nil)
	}
}

func (c *Controller) onVoltageRead(d *domainCtx, ev Event) error {
	switch d.state {
	case StateSettingOPP:
		if ev.Err != nil {
			return c.complete(d, ev.Err)
		}
		return c.adjust(d, ev.Voltage)
	case StateGetOPP:
		if ev.Err != nil {
			return c.complete(d, ev.Err)
		}
		current, err := resolveVoltage(d, ev.Voltage)
		if err == nil {
			d.current = current
		}
		return c.complete(d, err)
	default:
		return c.unexpected(d, ev)
	}
}

func (c *Controller) onVoltageSet(d *domainCtx, ev Event) error {
	if d.state != StateSettingFrequency && d.state != StateSetDone {
		return c.unexpected(d, ev)
	}
	if ev.Err != nil {
		return c.complete(d, ev.Err)
	}

	return c.advance(d, d.state)
}

func (c *Controller) onRateSet(d *domainCtx, ev Event) error {
	if d.state != StateSettingVoltage && d.state != StateSetDone {
		return c.unexpected(d, ev)
	}
	if ev.Err != nil {
		return c.complete(d, ev.Err)
	}

	return c.advance(d, d.state)
}

// complete ends the in-flight request with status and notifies whoever is
// owed a result. The domain only returns to idle when nothing is pending,
// so a new request cannot overtake a queued one.
func (c *Controller) complete(d *domainCtx, status error) error {
	isGet := d.state == StateGetOPP
	req := d.request

	if status == nil && !isGet {
		d.current = req.target
	}

	switch {
	case req.responseRequired:
		resp := Response{
			Domain:        d.id,
			Cookie:        req.cookie,
			Err:           status,
			FromInterrupt: req.fromInterrupt,
		}
		if status == nil {
			resp.OPP = d.current
		}
		c.responder.Respond(resp)
	case status != nil && req.retry:
		req.numRetries++
		if req.numRetries <= MaxRetries {
			d.log.Debug().
				Err(status).
				Uint32("level", req.target.Level).
				Uint8("retry", req.numRetries).
				Msg("Request failed, retrying")
			d.requeue(req)
		} else {
			d.log.Warn().
				Err(status).
				Uint32("level", req.target.Level).
				Msg("Request dropped after exhausting retries")
		}
	case status != nil:
		d.log.Error().Err(status).Uint32("level", req.target.Level).Msg("Request failed")
	}

	if status == nil && !isGet {
		d.log.Info().
			Uint32("level", req.target.Level).
			Uint32("frequency_khz", req.target.Frequency).
			Uint32("voltage_mv", req.target.Voltage).
			Msg("Operating point set")
		c.notifier.LevelUpdated(d.id, req.cookie, req.target.Level)
		if c.driverResp != nil {
			c.driverResp.DriverResponse(d.id, req.cookie, req.target.Level)
		}
	}

	// A pending copy of the target just applied has nothing left to do.
	if status == nil && d.pending != nil && d.pending.target.Level == d.current.Level {
		d.pending = nil
	}

	if d.pending != nil {
		return c.dispatchPending(d)
	}

	d.reset()

	return nil
}

// dispatchPending starts the pending request now, or arms the retry alarm
// when the domain is configured with a delay.
func (c *Controller) dispatchPending(d *domainCtx) error {
	if d.state == StateRetry {
		return nil
	}

	if d.cfg.Alarm == nil || d.cfg.Retry <= 0 {
		return c.flushPending(d)
	}

	id := d.id
	delay := d.retryDelay()
	err := d.cfg.Alarm.StartOneShot(delay, func() {
		if err := c.queue.PostEvent(Event{Kind: EventRetry, Domain: id}); err != nil {
			d.log.Error().Err(err).Msg("Failed to post retry event")
		}
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to arm retry alarm, starting pending request now")
		return c.flushPending(d)
	}

	d.log.Debug().Dur("delay", delay).Msg("Retry alarm armed")
	d.setState(StateRetry)

	return nil
}

// flushPending turns the pending request into the in-flight one.
func (c *Controller) flushPending(d *domainCtx) error {
	if d.pending == nil {
		d.reset()
		return nil
	}

	req := *d.pending
	d.pending = nil

	if req.target.Level == d.current.Level {
		d.reset()
		return nil
	}

	d.request = req
	d.setState(StateSettingOPP)

	return c.setOPP(d)
}
