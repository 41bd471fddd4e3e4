package dvfs_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/opp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var testTable = opp.Table{
	{Level: 1, Frequency: 100, Voltage: 800, Power: 10},
	{Level: 2, Frequency: 200, Voltage: 900, Power: 20},
	{Level: 3, Frequency: 300, Voltage: 1000, Power: 30},
}

type call struct {
	Op  string
	Arg uint64
}

type trace struct {
	calls []call
}

func (tr *trace) add(op string, arg uint64) {
	tr.calls = append(tr.calls, call{Op: op, Arg: arg})
}

func (tr *trace) count(op string) int {
	n := 0
	for _, c := range tr.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

var errRegulator = errors.New().WithMessage(errors.ErrDevice, "regulator fault")

type fakeRegulator struct {
	tr          *trace
	voltage     uint32
	readPending bool
	setPending  bool
	failSets    int
}

func (r *fakeRegulator) GetVoltage(dvfs.DomainID) (uint32, error) {
	r.tr.add("get_voltage", 0)
	if r.readPending {
		return 0, dvfs.ErrPending
	}
	return r.voltage, nil
}

func (r *fakeRegulator) SetVoltage(_ dvfs.DomainID, voltage uint32) error {
	r.tr.add("set_voltage", uint64(voltage))
	if r.failSets > 0 {
		r.failSets--
		return errRegulator
	}
	r.voltage = voltage
	if r.setPending {
		return dvfs.ErrPending
	}
	return nil
}

var errClock = errors.New().WithMessage(errors.ErrDevice, "pll did not lock")

type fakeClock struct {
	tr       *trace
	pending  bool
	failSets int // negative fails forever
	modes    []dvfs.RoundMode
	args     []uint64
}

func (c *fakeClock) SetRate(_ dvfs.DomainID, hz uint64, mode dvfs.RoundMode, arg uint64) error {
	c.tr.add("set_rate", hz)
	c.modes = append(c.modes, mode)
	c.args = append(c.args, arg)
	if c.failSets != 0 {
		if c.failSets > 0 {
			c.failSets--
		}
		return errClock
	}
	if c.pending {
		return dvfs.ErrPending
	}
	return nil
}

type fakeAlarm struct {
	delays []time.Duration
	fn     func()
	err    error
}

func (a *fakeAlarm) StartOneShot(delay time.Duration, fn func()) error {
	if a.err != nil {
		return a.err
	}
	a.delays = append(a.delays, delay)
	a.fn = fn
	return nil
}

type sliceQueue struct {
	events []dvfs.Event
	err    error
	posted int
}

func (q *sliceQueue) PutEvent(ev dvfs.Event) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func (q *sliceQueue) PostEvent(ev dvfs.Event) error {
	q.posted++
	return q.PutEvent(ev)
}

type update struct {
	Domain dvfs.DomainID
	Cookie uintptr
	Level  uint32
}

type harness struct {
	t         *testing.T
	c         *dvfs.Controller
	q         *sliceQueue
	tr        *trace
	reg       *fakeRegulator
	clk       *fakeClock
	alarm     *fakeAlarm
	updates   []update
	driverUps []update
	responses []dvfs.Response
}

func (h *harness) LevelUpdated(domain dvfs.DomainID, cookie uintptr, level uint32) {
	h.updates = append(h.updates, update{domain, cookie, level})
}

func (h *harness) DriverResponse(domain dvfs.DomainID, cookie uintptr, level uint32) {
	h.driverUps = append(h.driverUps, update{domain, cookie, level})
}

func (h *harness) Respond(resp dvfs.Response) {
	h.responses = append(h.responses, resp)
}

func newHarness(t *testing.T, configure ...func(*harness, *dvfs.Domain)) *harness {
	t.Helper()

	tr := &trace{}
	h := &harness{
		t:     t,
		q:     &sliceQueue{},
		tr:    tr,
		reg:   &fakeRegulator{tr: tr, voltage: 800},
		clk:   &fakeClock{tr: tr},
		alarm: &fakeAlarm{},
	}

	domain := dvfs.Domain{
		Name:         "cpu0",
		Voltage:      h.reg,
		Frequency:    h.clk,
		Latency:      120,
		SustainedIdx: 1,
		Table:        testTable,
	}
	for _, fn := range configure {
		fn(h, &domain)
	}

	c, err := dvfs.New([]dvfs.Domain{domain}, h.q,
		dvfs.WithNotifier(h),
		dvfs.WithResponder(h),
		dvfs.WithDriverResponder(h),
	)
	require.NoError(t, err)
	h.c = c

	return h
}

// boot makes the current operating point known by reading the regulator.
func (h *harness) boot() {
	h.t.Helper()
	_, err := h.c.GetCurrentOPP(0, 0)
	require.NoError(h.t, err)
	h.tr.calls = nil
}

func (h *harness) drain() {
	h.t.Helper()
	for len(h.q.events) > 0 {
		ev := h.q.events[0]
		h.q.events = h.q.events[1:]
		require.NoError(h.t, h.c.ProcessEvent(ev))
	}
}

func (h *harness) post(ev dvfs.Event) {
	h.t.Helper()
	require.NoError(h.t, h.q.PutEvent(ev))
	h.drain()
}

func (h *harness) fireAlarm() {
	h.t.Helper()
	require.NotNil(h.t, h.alarm.fn, "alarm not armed")
	fn := h.alarm.fn
	h.alarm.fn = nil
	fn()
	h.drain()
}

func (h *harness) state() dvfs.State {
	h.t.Helper()
	s, err := h.c.State(0)
	require.NoError(h.t, err)
	return s
}

func (h *harness) current() opp.OperatingPoint {
	h.t.Helper()
	op, err := h.c.GetCurrentOPP(0, 0)
	require.NoError(h.t, err)
	return op
}

func (h *harness) assertCalls(want ...call) {
	h.t.Helper()
	if diff := cmp.Diff(want, h.tr.calls); diff != "" {
		h.t.Errorf("driver calls mismatch (-want +got):\n%s", diff)
	}
}

func withRetry(delay, maxDelay time.Duration) func(*harness, *dvfs.Domain) {
	return func(h *harness, d *dvfs.Domain) {
		d.Retry = delay
		d.RetryMax = maxDelay
		d.Alarm = h.alarm
	}
}
