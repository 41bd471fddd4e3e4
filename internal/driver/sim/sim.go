// Package sim implements voltage and frequency drivers without hardware.
// With a zero latency they answer synchronously; otherwise they return
// dvfs.ErrPending and post the result to the queue once the latency elapsed.
package sim

import (
	"sync"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
)

const (
	ErrInjected = errors.ErrDevice
)

type injector struct {
	failures int
}

// fail consumes one injected failure.
func (i *injector) fail() error {
	if i.failures == 0 {
		return nil
	}
	if i.failures > 0 {
		i.failures--
	}

	return errors.New().WithMessage(ErrInjected, "injected failure")
}

// Regulator is a simulated power supply.
type Regulator struct {
	mu      sync.Mutex
	queue   dvfs.Queue
	latency time.Duration
	voltage uint32
	inj     injector
	log     logger.Logger
}

func NewRegulator(queue dvfs.Queue, bootVoltage uint32, latency time.Duration, log logger.Logger) *Regulator {
	return &Regulator{
		queue:   queue,
		latency: latency,
		voltage: bootVoltage,
		log:     log.With("sim_regulator"),
	}
}

// InjectFailures makes the next n SetVoltage calls fail. A negative n fails
// every call until reset with 0.
func (r *Regulator) InjectFailures(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inj.failures = n
}

// Voltage returns the simulated rail voltage in mV.
func (r *Regulator) Voltage() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.voltage
}

func (r *Regulator) GetVoltage(domain dvfs.DomainID) (uint32, error) {
	r.mu.Lock()
	voltage := r.voltage
	r.mu.Unlock()

	if r.latency == 0 {
		return voltage, nil
	}

	time.AfterFunc(r.latency, func() {
		post(r.queue, r.log, dvfs.Event{Kind: dvfs.EventVoltageRead, Domain: domain, Voltage: voltage})
	})

	return 0, dvfs.ErrPending
}

func (r *Regulator) SetVoltage(domain dvfs.DomainID, voltage uint32) error {
	r.mu.Lock()
	err := r.inj.fail()
	r.mu.Unlock()

	if r.latency == 0 {
		if err == nil {
			r.set(voltage)
		}
		return err
	}

	time.AfterFunc(r.latency, func() {
		if err == nil {
			r.set(voltage)
		}
		post(r.queue, r.log, dvfs.Event{Kind: dvfs.EventVoltageSet, Domain: domain, Err: err})
	})

	return dvfs.ErrPending
}

func (r *Regulator) set(voltage uint32) {
	r.mu.Lock()
	r.voltage = voltage
	r.mu.Unlock()

	r.log.Debug().Uint32("voltage_mv", voltage).Msg("Voltage set")
}

// Clock is a simulated PLL.
type Clock struct {
	mu      sync.Mutex
	queue   dvfs.Queue
	latency time.Duration
	rate    uint64
	inj     injector
	log     logger.Logger
}

func NewClock(queue dvfs.Queue, latency time.Duration, log logger.Logger) *Clock {
	return &Clock{
		queue:   queue,
		latency: latency,
		log:     log.With("sim_clock"),
	}
}

// InjectFailures makes the next n SetRate calls fail. A negative n fails
// every call until reset with 0.
func (c *Clock) InjectFailures(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inj.failures = n
}

// Rate returns the simulated clock rate in Hz.
func (c *Clock) Rate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

func (c *Clock) SetRate(domain dvfs.DomainID, hz uint64, _ dvfs.RoundMode, _ uint64) error {
	c.mu.Lock()
	err := c.inj.fail()
	c.mu.Unlock()

	if c.latency == 0 {
		if err == nil {
			c.set(hz)
		}
		return err
	}

	time.AfterFunc(c.latency, func() {
		if err == nil {
			c.set(hz)
		}
		post(c.queue, c.log, dvfs.Event{Kind: dvfs.EventRateSet, Domain: domain, Err: err})
	})

	return dvfs.ErrPending
}

func (c *Clock) set(hz uint64) {
	c.mu.Lock()
	c.rate = hz
	c.mu.Unlock()

	c.log.Debug().Uint64("rate_hz", hz).Msg("Rate set")
}

func post(queue dvfs.Queue, log logger.Logger, ev dvfs.Event) {
	if err := queue.PostEvent(ev); err != nil {
		log.Error().Err(err).Str("event", ev.Kind.String()).Msg("Failed to post driver response")
	}
}
