package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, "Resource is busy", errFactory.New(errors.ErrResourceBusy).Error())
	assert.Equal(t, "custom", errFactory.WithMessage(errors.ErrDevice, "custom").Error())
	assert.Equal(t, "Value out of range: 7", errFactory.WithData(errors.ErrOutOfRange, 7).Error())
	assert.Equal(t, "unknown_code", errFactory.New(errors.ErrorCode("unknown_code")).Error())
}

func TestWrapAndUnwrap(t *testing.T) {
	errFactory := errors.New()
	cause := fmt.Errorf("regulator timeout")

	err := errFactory.Wrap(errors.ErrDevice, cause)

	assert.Equal(t, "Device error: regulator timeout", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestHasCode(t *testing.T) {
	errFactory := errors.New()
	inner := errFactory.New(errors.ErrPending)
	outer := errFactory.Wrap(errors.ErrOperationFailed, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrOperationFailed))
	assert.True(t, errors.HasCode(outer, errors.ErrPending))
	assert.False(t, errors.HasCode(outer, errors.ErrDevice))
	assert.False(t, errors.HasCode(nil, errors.ErrDevice))
	assert.False(t, errors.HasCode(fmt.Errorf("plain"), errors.ErrDevice))
}

func TestCodeOf(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(errFactory.New(errors.ErrOutOfRange)))
	assert.Equal(t, errors.ErrOutOfRange,
		errors.CodeOf(fmt.Errorf("lookup: %w", errFactory.New(errors.ErrOutOfRange))))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(fmt.Errorf("plain")))
}

func TestWithMessageKeepsCode(t *testing.T) {
	err := errors.New().New(errors.ErrResourceBusy).WithMessage("domain busy")

	assert.Equal(t, errors.ErrResourceBusy, err.Code())
	assert.Equal(t, "domain busy", err.Error())
}
