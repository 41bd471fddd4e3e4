// Package dvfs sequences voltage and frequency changes of DVFS domains.
//
// A Controller is not safe for concurrent use. Every method, including
// ProcessEvent, must run on the single goroutine that drains the Queue.
package dvfs

import (
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"codeberg.org/mutker/dvfsctl/internal/opp"
)

type Controller struct {
	domains    []*domainCtx
	queue      Queue
	notifier   Notifier
	responder  Responder
	driverResp DriverResponder
	log        logger.Logger
}

// Option configures a Controller.
type Option func(*Controller)

func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithResponder(r Responder) Option {
	return func(c *Controller) { c.responder = r }
}

// WithDriverResponder binds a performance-controller driver that is told
// about every completed level change in addition to the Notifier.
func WithDriverResponder(d DriverResponder) Option {
	return func(c *Controller) { c.driverResp = d }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// New creates a Controller for domains. The current operating point of
// every domain starts unknown.
func New(domains []Domain, queue Queue, opts ...Option) (*Controller, error) {
	errFactory := errors.New()

	if queue == nil {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "nil queue")
	}

	c := &Controller{
		queue:     queue,
		notifier:  nopNotifier{},
		responder: nopResponder{},
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("dvfs")

	names := make(map[string]struct{}, len(domains))
	for i, d := range domains {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, ok := names[d.Name]; ok {
			return nil, errFactory.WithData(ErrInvalidDomainCfg, "duplicate domain "+d.Name)
		}
		names[d.Name] = struct{}{}

		c.domains = append(c.domains, &domainCtx{
			id:  DomainID(i),
			cfg: d,
			log: c.log.WithStr("domain", d.Name),
		})
	}

	return c, nil
}

func (c *Controller) domain(id DomainID) (*domainCtx, error) {
	if id < 0 || int(id) >= len(c.domains) {
		return nil, errors.New().WithData(ErrInvalidDomain, int(id))
	}

	return c.domains[id], nil
}

// NumDomains returns the number of configured domains.
func (c *Controller) NumDomains() int {
	return len(c.domains)
}

// Lookup returns the id of the domain called name.
func (c *Controller) Lookup(name string) (DomainID, error) {
	for _, d := range c.domains {
		if d.cfg.Name == name {
			return d.id, nil
		}
	}

	return 0, errors.New().WithData(errors.ErrResourceNotFound, name)
}

// Name returns the configured name of a domain.
func (c *Controller) Name(id DomainID) (string, error) {
	d, err := c.domain(id)
	if err != nil {
		return "", err
	}

	return d.cfg.Name, nil
}

// State returns the current state of a domain.
func (c *Controller) State(id DomainID) (State, error) {
	d, err := c.domain(id)
	if err != nil {
		return StateIdle, err
	}

	return d.state, nil
}

// Current returns the cached operating point of a domain without touching
// the drivers. The zero value means it is not known yet.
func (c *Controller) Current(id DomainID) (opp.OperatingPoint, error) {
	d, err := c.domain(id)
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	return d.current, nil
}

// GetCurrentOPP returns the operating point of a domain. Once known it is
// served from the cache. Otherwise the supply voltage is read; when the
// driver answers asynchronously ErrPending is returned and the result is
// delivered to the Responder under cookie.
func (c *Controller) GetCurrentOPP(id DomainID, cookie uintptr) (opp.OperatingPoint, error) {
	errFactory := errors.New()

	d, err := c.domain(id)
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	if d.current.Level != 0 {
		return d.current, nil
	}

	if d.busy() {
		return opp.OperatingPoint{}, errFactory.New(ErrDomainBusy)
	}

	voltage, err := d.cfg.Voltage.GetVoltage(d.id)
	if IsPending(err) {
		d.request = request{cookie: cookie, responseRequired: true}
		d.setState(StateGetOPP)
		return opp.OperatingPoint{}, ErrPending
	}
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	current, err := resolveVoltage(d, voltage)
	if err != nil {
		return opp.OperatingPoint{}, err
	}
	d.current = current

	return current, nil
}

// GetSustainedOPP returns the default operating point of a domain.
func (c *Controller) GetSustainedOPP(id DomainID) (opp.OperatingPoint, error) {
	d, err := c.domain(id)
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	return d.cfg.Table.Sustained(d.cfg.SustainedIdx)
}

// GetNthOPP returns the n-th entry of a domain's table.
func (c *Controller) GetNthOPP(id DomainID, n int) (opp.OperatingPoint, error) {
	d, err := c.domain(id)
	if err != nil {
		return opp.OperatingPoint{}, err
	}

	return d.cfg.Table.Nth(n)
}

// GetLevelID returns the table index of level.
func (c *Controller) GetLevelID(id DomainID, level uint32) (int, error) {
	d, err := c.domain(id)
	if err != nil {
		return 0, err
	}

	return d.cfg.Table.LevelIndex(level)
}

func (c *Controller) GetOPPCount(id DomainID) (int, error) {
	d, err := c.domain(id)
	if err != nil {
		return 0, err
	}

	return len(d.cfg.Table), nil
}

func (c *Controller) GetLatency(id DomainID) (uint16, error) {
	d, err := c.domain(id)
	if err != nil {
		return 0, err
	}

	return d.cfg.Latency, nil
}

// SetLevel asks a domain to move to level. The request is best effort: it
// returns as soon as it is accepted, a failed attempt is retried up to
// MaxRetries times, and completion is reported to the Notifier only.
// While the domain is busy the request is coalesced with any other
// queued request and nil is returned.
func (c *Controller) SetLevel(id DomainID, cookie uintptr, level uint32) error {
	d, err := c.domain(id)
	if err != nil {
		return err
	}

	target, err := d.cfg.Table.ForLevel(level)
	if err != nil {
		return err
	}

	return c.start(d, request{cookie: cookie, target: target, retry: true})
}

// RequestLevel is SetLevel for callers that need the outcome. It returns
// nil when the domain already runs at level, ErrPending when the request
// was accepted and a Response will follow, and a busy error instead of
// queuing when a request is in flight. fromInterrupt is copied into the
// Response so the caller can route it.
func (c *Controller) RequestLevel(id DomainID, cookie uintptr, level uint32, fromInterrupt bool) error {
	d, err := c.domain(id)
	if err != nil {
		return err
	}

	target, err := d.cfg.Table.ForLevel(level)
	if err != nil {
		return err
	}

	if d.busy() {
		return errors.New().New(ErrDomainBusy)
	}
	if target.Level == d.current.Level {
		return nil
	}

	err = c.start(d, request{
		cookie:           cookie,
		target:           target,
		responseRequired: true,
		fromInterrupt:    fromInterrupt,
	})
	if err != nil {
		return err
	}

	return ErrPending
}

func (c *Controller) start(d *domainCtx, req request) error {
	if d.busy() {
		d.coalesce(req)
		return nil
	}

	if req.target.Level == d.current.Level {
		return nil
	}

	d.request = req
	d.setState(StateSettingOPP)

	if err := c.queue.PutEvent(Event{Kind: EventSetOPP, Domain: d.id}); err != nil {
		d.reset()
		return errors.New().Wrap(ErrQueueEvent, err)
	}

	return nil
}

func resolveVoltage(d *domainCtx, voltage uint32) (opp.OperatingPoint, error) {
	op, err := d.cfg.Table.ForVoltage(voltage)
	if err != nil {
		return opp.OperatingPoint{}, errors.New().Wrap(ErrDeviceFailure, err)
	}

	return op, nil
}
