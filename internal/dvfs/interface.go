package dvfs

import (
	"time"

	"codeberg.org/mutker/dvfsctl/internal/opp"
)

// DomainID indexes a domain inside a Controller.
type DomainID int

// RoundMode tells a frequency driver how to treat a rate it cannot hit exactly.
type RoundMode uint8

const (
	RoundNone RoundMode = iota
	RoundNearest
	RoundDown
	RoundUp
)

// VoltageDriver controls the supply of a domain. Either call may return
// ErrPending, in which case the driver later posts an EventVoltageRead or
// EventVoltageSet for the domain.
type VoltageDriver interface {
	GetVoltage(domain DomainID) (uint32, error)
	SetVoltage(domain DomainID, voltage uint32) error
}

// FrequencyDriver controls the clock of a domain. SetRate may return
// ErrPending, in which case the driver later posts an EventRateSet. arg
// qualifies mode and its meaning is up to the driver.
type FrequencyDriver interface {
	SetRate(domain DomainID, hz uint64, mode RoundMode, arg uint64) error
}

// Alarm is a one-shot timer. fn runs on the timer's own goroutine.
type Alarm interface {
	StartOneShot(delay time.Duration, fn func()) error
}

// Queue accepts events for later processing on the controller's goroutine.
// PutEvent never blocks and fails when the queue is full, so the controller
// goroutine can use it. PostEvent waits for room and is for goroutines
// delivering driver responses and alarm expiries, which must not be lost.
type Queue interface {
	PutEvent(ev Event) error
	PostEvent(ev Event) error
}

// Notifier receives every completed level change.
type Notifier interface {
	LevelUpdated(domain DomainID, cookie uintptr, level uint32)
}

// Responder receives deferred responses owed to callers that got ErrPending.
type Responder interface {
	Respond(resp Response)
}

// DriverResponder is the optional performance-controller binding.
type DriverResponder interface {
	DriverResponse(domain DomainID, cookie uintptr, level uint32)
}

// Response is the outcome of a request that demanded one.
type Response struct {
	Domain        DomainID
	Cookie        uintptr
	OPP           opp.OperatingPoint
	Err           error
	FromInterrupt bool
}

// EventKind identifies what an Event carries.
type EventKind uint8

const (
	// EventSetOPP starts the sequence for the request just accepted.
	EventSetOPP EventKind = iota
	// EventRetry flushes the pending request once the retry alarm fired.
	EventRetry
	// EventVoltageRead carries the result of an asynchronous GetVoltage.
	EventVoltageRead
	// EventVoltageSet carries the result of an asynchronous SetVoltage.
	EventVoltageSet
	// EventRateSet carries the result of an asynchronous SetRate.
	EventRateSet
)

func (k EventKind) String() string {
	switch k {
	case EventSetOPP:
		return "set_opp"
	case EventRetry:
		return "retry"
	case EventVoltageRead:
		return "voltage_read"
	case EventVoltageSet:
		return "voltage_set"
	case EventRateSet:
		return "rate_set"
	default:
		return "unknown"
	}
}

// Event is the unit of work processed by Controller.ProcessEvent.
type Event struct {
	Kind    EventKind
	Domain  DomainID
	Voltage uint32
	Err     error
}

type nopNotifier struct{}

func (nopNotifier) LevelUpdated(DomainID, uintptr, uint32) {}

type nopResponder struct{}

func (nopResponder) Respond(Response) {}
