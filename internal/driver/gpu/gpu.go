// Package gpu drives the graphics clock of an NVIDIA GPU as a DVFS domain.
package gpu

import (
	"sync"

	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"codeberg.org/mutker/dvfsctl/internal/opp"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const hzPerMHz = 1_000_000

// device is the part of nvml.Device used here.
type device interface {
	GetName() (string, nvml.Return)
	GetClockInfo(clockType nvml.ClockType) (uint32, nvml.Return)
	SetGpuLockedClocks(minGpuClockMHz, maxGpuClockMHz uint32) nvml.Return
	ResetGpuLockedClocks() nvml.Return
}

// GPU is an opened NVML device. It is shared by the domains configured on it.
type GPU struct {
	lib    nvmlController
	device device
	name   string
	log    logger.Logger
}

// Open initializes NVML and returns the device at index.
func Open(index int, log logger.Logger) (*GPU, error) {
	return open(&nvmlWrapper{}, index, log)
}

func open(lib nvmlController, index int, log logger.Logger) (*GPU, error) {
	errFactory := errors.New()

	if err := lib.Initialize(); err != nil {
		return nil, err
	}

	count, err := lib.GetDeviceCount()
	if err != nil {
		lib.Shutdown()
		return nil, err
	}
	if index < 0 || index >= count {
		lib.Shutdown()
		return nil, errFactory.WithData(ErrDeviceNotFound, index)
	}

	dev, err := lib.GetDevice(index)
	if err != nil {
		lib.Shutdown()
		return nil, err
	}

	g := &GPU{lib: lib, device: dev, log: log.With("gpu")}
	if name, ret := dev.GetName(); IsNVMLSuccess(ret) {
		g.name = name
		g.log.Info().Msgf("Detected GPU: %v", name)
	} else {
		g.log.Warn().Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
	}

	return g, nil
}

func (g *GPU) Name() string {
	return g.name
}

// Shutdown hands clock control back to the driver and releases NVML.
func (g *GPU) Shutdown() error {
	errFactory := errors.New()

	if ret := g.device.ResetGpuLockedClocks(); !IsNVMLSuccess(ret) {
		g.lib.Shutdown()
		return errFactory.Wrap(ErrResetClockFailed, newNVMLError(ret))
	}

	return g.lib.Shutdown()
}

// Clock locks the graphics clock to the requested rate.
type Clock struct {
	gpu *GPU
}

func (g *GPU) Clock() *Clock {
	return &Clock{gpu: g}
}

// SetRate locks the graphics clock. arg is the rounding step in Hz; steps
// below 1 MHz, including zero, round to whole MHz.
func (c *Clock) SetRate(_ dvfs.DomainID, hz uint64, mode dvfs.RoundMode, arg uint64) error {
	errFactory := errors.New()

	mhz := toMHz(hz, mode, arg)
	if ret := c.gpu.device.SetGpuLockedClocks(mhz, mhz); !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrSetClockFailed, newNVMLError(ret))
	}
	c.gpu.log.Debug().Uint32("clock_mhz", mhz).Msg("Locked graphics clock")

	return nil
}

func toMHz(hz uint64, mode dvfs.RoundMode, step uint64) uint32 {
	if step < hzPerMHz {
		step = hzPerMHz
	}
	n := hz / step
	rem := hz % step

	switch mode {
	case dvfs.RoundUp:
		if rem != 0 {
			n++
		}
	case dvfs.RoundNearest:
		if rem >= step/2 {
			n++
		}
	}

	return uint32(n * step / hzPerMHz)
}

// Regulator reports the voltage of a GPU domain. NVML exposes no rail
// control: the board firmware follows the locked clock, so the voltage
// is tracked from the OPP table instead of being programmed.
type Regulator struct {
	gpu     *GPU
	table   opp.Table
	mu      sync.Mutex
	voltage uint32
}

func (g *GPU) Regulator(table opp.Table) *Regulator {
	return &Regulator{gpu: g, table: table}
}

// GetVoltage returns the last voltage set, or before that, the voltage of
// the entry nearest to the current graphics clock.
func (r *Regulator) GetVoltage(dvfs.DomainID) (uint32, error) {
	errFactory := errors.New()

	r.mu.Lock()
	voltage := r.voltage
	r.mu.Unlock()
	if voltage != 0 {
		return voltage, nil
	}

	mhz, ret := r.gpu.device.GetClockInfo(nvml.CLOCK_GRAPHICS)
	if !IsNVMLSuccess(ret) {
		return 0, errFactory.Wrap(ErrGetClockFailed, newNVMLError(ret))
	}

	op, err := r.table.Nearest(mhz * 1000)
	if err != nil {
		return 0, errFactory.Wrap(ErrUnknownVoltage, err)
	}

	return op.Voltage, nil
}

func (r *Regulator) SetVoltage(_ dvfs.DomainID, voltage uint32) error {
	if _, err := r.table.ForVoltage(voltage); err != nil {
		return errors.New().Wrap(ErrUnknownVoltage, err)
	}

	r.mu.Lock()
	r.voltage = voltage
	r.mu.Unlock()

	return nil
}
