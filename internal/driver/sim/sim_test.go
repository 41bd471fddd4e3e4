package sim_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/driver/sim"
	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanQueue chan dvfs.Event

func (q chanQueue) PutEvent(ev dvfs.Event) error {
	select {
	case q <- ev:
		return nil
	default:
		return errors.New().New(errors.ErrResourceExhausted)
	}
}

func (q chanQueue) PostEvent(ev dvfs.Event) error {
	q <- ev
	return nil
}

func receive(t *testing.T, q chanQueue) dvfs.Event {
	t.Helper()
	select {
	case ev := <-q:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event posted")
		return dvfs.Event{}
	}
}

func TestSynchronousRegulator(t *testing.T) {
	q := make(chanQueue, 4)
	reg := sim.NewRegulator(q, 800, 0, logger.Nop())

	v, err := reg.GetVoltage(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(800), v)

	require.NoError(t, reg.SetVoltage(0, 900))
	assert.Equal(t, uint32(900), reg.Voltage())
	assert.Empty(t, q)
}

func TestAsynchronousRegulator(t *testing.T) {
	q := make(chanQueue, 4)
	reg := sim.NewRegulator(q, 800, time.Millisecond, logger.Nop())

	_, err := reg.GetVoltage(3)
	require.True(t, dvfs.IsPending(err))
	ev := receive(t, q)
	assert.Equal(t, dvfs.Event{Kind: dvfs.EventVoltageRead, Domain: 3, Voltage: 800}, ev)

	require.True(t, dvfs.IsPending(reg.SetVoltage(3, 950)))
	ev = receive(t, q)
	assert.Equal(t, dvfs.EventVoltageSet, ev.Kind)
	assert.NoError(t, ev.Err)
	assert.Equal(t, uint32(950), reg.Voltage())
}

func TestRegulatorFailureInjection(t *testing.T) {
	q := make(chanQueue, 4)
	reg := sim.NewRegulator(q, 800, 0, logger.Nop())
	reg.InjectFailures(1)

	err := reg.SetVoltage(0, 900)
	assert.True(t, errors.HasCode(err, errors.ErrDevice))
	assert.Equal(t, uint32(800), reg.Voltage())

	require.NoError(t, reg.SetVoltage(0, 900))
}

func TestClock(t *testing.T) {
	t.Run("synchronous", func(t *testing.T) {
		clk := sim.NewClock(make(chanQueue, 1), 0, logger.Nop())
		require.NoError(t, clk.SetRate(0, 200_000_000, dvfs.RoundNone, 0))
		assert.Equal(t, uint64(200_000_000), clk.Rate())
	})

	t.Run("asynchronous failure", func(t *testing.T) {
		q := make(chanQueue, 1)
		clk := sim.NewClock(q, time.Millisecond, logger.Nop())
		clk.InjectFailures(-1)

		require.True(t, dvfs.IsPending(clk.SetRate(1, 200_000_000, dvfs.RoundNone, 0)))
		ev := receive(t, q)
		assert.Equal(t, dvfs.EventRateSet, ev.Kind)
		assert.Equal(t, dvfs.DomainID(1), ev.Domain)
		assert.True(t, errors.HasCode(ev.Err, errors.ErrDevice))
		assert.Zero(t, clk.Rate())
	})
}

func TestResponseWaitsForRoomInQueue(t *testing.T) {
	q := make(chanQueue, 1)
	require.NoError(t, q.PutEvent(dvfs.Event{Kind: dvfs.EventRetry}))

	clk := sim.NewClock(q, time.Millisecond, logger.Nop())
	require.True(t, dvfs.IsPending(clk.SetRate(2, 300_000_000, dvfs.RoundNone, 0)))

	assert.Equal(t, dvfs.EventRetry, receive(t, q).Kind)
	ev := receive(t, q)
	assert.Equal(t, dvfs.EventRateSet, ev.Kind)
	assert.Equal(t, dvfs.DomainID(2), ev.Domain)
}
