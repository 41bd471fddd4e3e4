package dvfs

import "codeberg.org/mutker/dvfsctl/internal/errors"

const (
	ErrInvalidDomain    = errors.ErrInvalidArgument
	ErrLevelNotFound    = errors.ErrOutOfRange
	ErrDomainBusy       = errors.ErrResourceBusy
	ErrDeviceFailure    = errors.ErrDevice
	ErrUnexpectedEvent  = errors.ErrorCode("dvfs_unexpected_event")
	ErrQueueEvent       = errors.ErrorCode("dvfs_queue_event_failed")
	ErrInvalidDomainCfg = errors.ErrorCode("dvfs_invalid_domain_config")
)

// ErrPending is returned by drivers and by the API when the result will be
// delivered later.
var ErrPending = errors.New().New(errors.ErrPending)

// IsPending reports whether err signals asynchronous completion.
func IsPending(err error) bool {
	return errors.HasCode(err, errors.ErrPending)
}
