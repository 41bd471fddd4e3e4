// Package perf exposes the DVFS controller to concurrent callers. Every
// call is marshalled onto the event loop that owns the controller.
package perf

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/eventloop"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"codeberg.org/mutker/dvfsctl/internal/metrics"
	"codeberg.org/mutker/dvfsctl/internal/opp"
	"github.com/jpillora/backoff"
)

const (
	ErrUnknownDomain = errors.ErrResourceNotFound
	ErrStopped       = eventloop.ErrStopped

	updatesDepth = 64
)

// LevelUpdate is published after a domain completed a level change.
type LevelUpdate struct {
	Domain string
	Level  uint32
	Cookie uintptr
}

// DomainStatus describes one domain at the time of a Snapshot.
type DomainStatus struct {
	Name      string
	State     dvfs.State
	Current   opp.OperatingPoint
	Sustained opp.OperatingPoint
	OPPCount  int
	Latency   uint16
}

type waiter struct {
	ch     chan dvfs.Response
	target opp.OperatingPoint
}

// Service owns a dvfs.Controller and the loop that drives it.
type Service struct {
	ctrl      *dvfs.Controller
	loop      *eventloop.Loop[dvfs.Event]
	collector metrics.Collector
	log       logger.Logger
	names     map[string]dvfs.DomainID
	updates   chan LevelUpdate
	stopped   chan struct{}
	stopOnce  sync.Once

	// Loop goroutine only.
	cookie  uintptr
	waiters map[uintptr]waiter
}

type Option func(*Service)

func WithCollector(c metrics.Collector) Option {
	return func(s *Service) {
		s.collector = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// New builds the controller for domains. Drivers that answer
// asynchronously must post their events to loop.
func New(loop *eventloop.Loop[dvfs.Event], domains []dvfs.Domain, opts ...Option) (*Service, error) {
	s := &Service{
		loop:    loop,
		log:     logger.Default(),
		names:   make(map[string]dvfs.DomainID, len(domains)),
		updates: make(chan LevelUpdate, updatesDepth),
		stopped: make(chan struct{}),
		waiters: make(map[uintptr]waiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.log
	s.log = s.log.With("perf")

	if s.collector == nil {
		collector, err := metrics.NewService(metrics.DefaultConfig(), s.log)
		if err != nil {
			return nil, err
		}
		s.collector = collector
	}

	ctrl, err := dvfs.New(domains, loop,
		dvfs.WithNotifier(s),
		dvfs.WithResponder(s),
		dvfs.WithDriverResponder(s),
		dvfs.WithLogger(base),
	)
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl

	for i := 0; i < ctrl.NumDomains(); i++ {
		name, _ := ctrl.Name(dvfs.DomainID(i))
		s.names[name] = dvfs.DomainID(i)
	}

	return s, nil
}

// Start launches the event loop.
func (s *Service) Start() {
	s.loop.Start(s.ctrl.ProcessEvent)
}

// Stop halts the loop and releases every caller still waiting for a
// response.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		err = s.loop.Stop()
	})

	return err
}

// Updates delivers completed level changes. Updates are dropped while
// the channel is full.
func (s *Service) Updates() <-chan LevelUpdate {
	return s.updates
}

// Domains returns the configured domain names in id order.
func (s *Service) Domains() []string {
	out := make([]string, len(s.names))
	for name, id := range s.names {
		out[id] = name
	}
	return out
}

func (s *Service) lookup(name string) (dvfs.DomainID, error) {
	id, ok := s.names[name]
	if !ok {
		return 0, errors.New().WithData(ErrUnknownDomain, name)
	}
	return id, nil
}

func (s *Service) nextCookie() uintptr {
	s.cookie++
	return s.cookie
}

// SetLevel requests level without waiting for the outcome. Failed
// attempts are retried by the controller.
func (s *Service) SetLevel(ctx context.Context, name string, level uint32) error {
	id, err := s.lookup(name)
	if err != nil {
		return err
	}

	var callErr error
	if err := s.loop.Do(ctx, func() {
		callErr = s.ctrl.SetLevel(id, s.nextCookie(), level)
	}); err != nil {
		return err
	}

	return callErr
}

// SetLevelWait moves a domain to level and waits for the operating point
// to be applied. It fails with a busy error while another change is in
// flight.
func (s *Service) SetLevelWait(ctx context.Context, name string, level uint32) (opp.OperatingPoint, error) {
	id, err := s.lookup(name)
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	ch := make(chan dvfs.Response, 1)
	var (
		op      opp.OperatingPoint
		callErr error
	)
	if err := s.loop.Do(ctx, func() {
		cookie := s.nextCookie()
		callErr = s.ctrl.RequestLevel(id, cookie, level, false)
		switch {
		case dvfs.IsPending(callErr):
			target, _ := s.target(id, level)
			s.waiters[cookie] = waiter{ch: ch, target: target}
		case callErr == nil:
			op, callErr = s.ctrl.Current(id)
		}
	}); err != nil {
		return opp.OperatingPoint{}, err
	}

	if !dvfs.IsPending(callErr) {
		return op, callErr
	}

	return s.wait(ctx, ch)
}

func (s *Service) target(id dvfs.DomainID, level uint32) (opp.OperatingPoint, error) {
	idx, err := s.ctrl.GetLevelID(id, level)
	if err != nil {
		return opp.OperatingPoint{}, err
	}
	return s.ctrl.GetNthOPP(id, idx)
}

// CurrentOPP returns the operating point of a domain, reading the
// regulator when it is not known yet.
func (s *Service) CurrentOPP(ctx context.Context, name string) (opp.OperatingPoint, error) {
	id, err := s.lookup(name)
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	ch := make(chan dvfs.Response, 1)
	var (
		op      opp.OperatingPoint
		callErr error
	)
	if err := s.loop.Do(ctx, func() {
		cookie := s.nextCookie()
		op, callErr = s.ctrl.GetCurrentOPP(id, cookie)
		if dvfs.IsPending(callErr) {
			s.waiters[cookie] = waiter{ch: ch}
		}
	}); err != nil {
		return opp.OperatingPoint{}, err
	}

	if !dvfs.IsPending(callErr) {
		return op, callErr
	}

	return s.wait(ctx, ch)
}

func (s *Service) wait(ctx context.Context, ch <-chan dvfs.Response) (opp.OperatingPoint, error) {
	errFactory := errors.New()

	select {
	case resp := <-ch:
		return resp.OPP, resp.Err
	case <-ctx.Done():
		return opp.OperatingPoint{}, errFactory.Wrap(eventloop.ErrCancelled, ctx.Err())
	case <-s.stopped:
		return opp.OperatingPoint{}, errFactory.New(ErrStopped)
	}
}

// Sustain drives a domain to its sustained operating point, waiting out
// any change already in flight.
func (s *Service) Sustain(ctx context.Context, name string) (opp.OperatingPoint, error) {
	id, err := s.lookup(name)
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	var (
		sustained opp.OperatingPoint
		latency   uint16
		callErr   error
	)
	if err := s.loop.Do(ctx, func() {
		sustained, callErr = s.ctrl.GetSustainedOPP(id)
		if callErr == nil {
			latency, callErr = s.ctrl.GetLatency(id)
		}
	}); err != nil {
		return opp.OperatingPoint{}, err
	}
	if callErr != nil {
		return opp.OperatingPoint{}, callErr
	}

	b := &backoff.Backoff{
		Min:    time.Duration(latency)*time.Microsecond + time.Microsecond,
		Max:    100 * time.Millisecond,
		Factor: 2,
	}
	for {
		op, err := s.SetLevelWait(ctx, name, sustained.Level)
		if !errors.HasCode(err, dvfs.ErrDomainBusy) {
			return op, err
		}

		d := b.Duration()
		s.log.Debug().Str("domain", name).Dur("delay", d).Msg("Domain busy, waiting to restore sustained level")

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return opp.OperatingPoint{}, errors.New().Wrap(eventloop.ErrCancelled, ctx.Err())
		case <-s.stopped:
			return opp.OperatingPoint{}, errors.New().New(ErrStopped)
		}
	}
}

// Snapshot reports every domain without touching the drivers.
func (s *Service) Snapshot(ctx context.Context) ([]DomainStatus, error) {
	var (
		out     []DomainStatus
		callErr error
	)
	if err := s.loop.Do(ctx, func() {
		out, callErr = s.snapshot()
	}); err != nil {
		return nil, err
	}

	return out, callErr
}

func (s *Service) snapshot() ([]DomainStatus, error) {
	out := make([]DomainStatus, 0, s.ctrl.NumDomains())
	for i := 0; i < s.ctrl.NumDomains(); i++ {
		id := dvfs.DomainID(i)
		st := DomainStatus{}

		var err error
		if st.Name, err = s.ctrl.Name(id); err != nil {
			return nil, err
		}
		if st.State, err = s.ctrl.State(id); err != nil {
			return nil, err
		}
		if st.Current, err = s.ctrl.Current(id); err != nil {
			return nil, err
		}
		if st.Sustained, err = s.ctrl.GetSustainedOPP(id); err != nil {
			return nil, err
		}
		if st.OPPCount, err = s.ctrl.GetOPPCount(id); err != nil {
			return nil, err
		}
		if st.Latency, err = s.ctrl.GetLatency(id); err != nil {
			return nil, err
		}

		out = append(out, st)
	}

	return out, nil
}

// LevelUpdated records the transition. Called on the loop goroutine.
func (s *Service) LevelUpdated(domain dvfs.DomainID, cookie uintptr, level uint32) {
	op, err := s.ctrl.Current(domain)
	if err != nil {
		s.log.Error().Err(err).Msg("Level update for unknown domain")
		return
	}
	name, _ := s.ctrl.Name(domain)

	s.record(name, op, cookie, metrics.KindApplied)
}

// Respond hands a deferred response to its waiter. Called on the loop
// goroutine.
func (s *Service) Respond(resp dvfs.Response) {
	w, ok := s.waiters[resp.Cookie]
	if !ok {
		s.log.Debug().Uint64("cookie", uint64(resp.Cookie)).Msg("Response without waiter")
		return
	}
	delete(s.waiters, resp.Cookie)

	if resp.Err != nil && !w.target.IsZero() {
		name, _ := s.ctrl.Name(resp.Domain)
		s.record(name, w.target, resp.Cookie, metrics.KindFailed)
	}

	w.ch <- resp
}

// DriverResponse publishes the change to Updates. Called on the loop
// goroutine.
func (s *Service) DriverResponse(domain dvfs.DomainID, cookie uintptr, level uint32) {
	name, _ := s.ctrl.Name(domain)

	select {
	case s.updates <- LevelUpdate{Domain: name, Level: level, Cookie: cookie}:
	default:
		s.log.Debug().Str("domain", name).Msg("Update channel full, dropping level update")
	}
}

func (s *Service) record(name string, op opp.OperatingPoint, cookie uintptr, kind metrics.TransitionKind) {
	snap := &metrics.TransitionSnapshot{
		Timestamp: time.Now(),
		Domain:    name,
		Level:     op.Level,
		Frequency: op.Frequency,
		Voltage:   op.Voltage,
		Power:     op.Power,
		Cookie:    uint64(cookie),
		Kind:      kind,
	}
	if err := s.collector.Record(context.Background(), snap); err != nil {
		s.log.Warn().Err(err).Str("domain", name).Msg("Failed to record transition")
	}
}
