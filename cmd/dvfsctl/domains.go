package main

import (
	"time"

	"codeberg.org/mutker/dvfsctl/internal/alarm"
	"codeberg.org/mutker/dvfsctl/internal/config"
	"codeberg.org/mutker/dvfsctl/internal/driver/gpu"
	"codeberg.org/mutker/dvfsctl/internal/driver/sim"
	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
)

// hardware holds the drivers behind the configured domains.
type hardware struct {
	domains []dvfs.Domain
	gpus    map[int]*gpu.GPU
	alarms  []*alarm.Timer
	log     logger.Logger
}

type gpuOpener func(index int, log logger.Logger) (*gpu.GPU, error)

func buildDomains(cfg *config.Config, queue dvfs.Queue, openGPU gpuOpener, log logger.Logger) (*hardware, error) {
	errFactory := errors.New()

	hw := &hardware{
		gpus: make(map[int]*gpu.GPU),
		log:  log,
	}

	for _, dc := range cfg.Domains {
		table := dc.Table()
		d := dvfs.Domain{
			Name:         dc.Name,
			Retry:        dc.Retry(),
			RetryMax:     dc.RetryMax(),
			RoundMode:    roundMode(dc.RoundMode),
			RoundArg:     dc.RoundArg,
			Latency:      dc.Latency,
			SustainedIdx: dc.SustainedIdx,
			Table:        table,
		}

		switch dc.Driver {
		case config.DriverNVML:
			g, ok := hw.gpus[dc.Device]
			if !ok {
				var err error
				if g, err = openGPU(dc.Device, log); err != nil {
					hw.Close()
					return nil, errFactory.Wrap(errors.ErrInitFailed, err)
				}
				hw.gpus[dc.Device] = g
			}
			d.Voltage = g.Regulator(table)
			d.Frequency = g.Clock()
		default:
			boot := dc.Sim.BootVoltage
			if boot == 0 {
				sustained, _ := table.Sustained(dc.SustainedIdx)
				boot = sustained.Voltage
			}
			d.Voltage = sim.NewRegulator(queue, boot, microseconds(dc.Sim.VoltageLatencyUS), log)
			d.Frequency = sim.NewClock(queue, microseconds(dc.Sim.RateLatencyUS), log)
		}

		if dc.AlarmEnabled() && dc.RetryUS > 0 {
			t := alarm.New()
			hw.alarms = append(hw.alarms, t)
			d.Alarm = t
		}

		log.Debug().
			Str("domain", dc.Name).
			Str("driver", string(dc.Driver)).
			Int("opps", len(table)).
			Bool("alarm", d.Alarm != nil).
			Msg("Domain configured")

		hw.domains = append(hw.domains, d)
	}

	return hw, nil
}

// Close cancels pending retry alarms and releases the GPUs.
func (hw *hardware) Close() {
	for _, t := range hw.alarms {
		t.Stop()
	}
	for index, g := range hw.gpus {
		if err := g.Shutdown(); err != nil {
			hw.log.Error().Err(err).Int("device", index).Msg("Failed to release GPU")
		}
	}
}

func roundMode(r config.Rounding) dvfs.RoundMode {
	switch r {
	case config.RoundingNearest:
		return dvfs.RoundNearest
	case config.RoundingDown:
		return dvfs.RoundDown
	case config.RoundingUp:
		return dvfs.RoundUp
	default:
		return dvfs.RoundNone
	}
}

func microseconds(us uint32) time.Duration {
	return time.Duration(us) * time.Microsecond
}
