package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := New(CodeAlreadyExists, "pair registered")

	assert.True(t, errors.Is(err, ErrAlreadyExists))
	assert.False(t, errors.Is(err, ErrErrorState))
	assert.Equal(t, CodeAlreadyExists, CodeOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeConnectFailed, "dial", cause)

	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Nil(t, Wrap(CodeFailed, "noop", nil))
}

func TestCodeOfWrappedChain(t *testing.T) {
	err := fmt.Errorf("accept: %w", New(CodeInvalidData, "raw data"))

	assert.Equal(t, CodeInvalidData, CodeOf(err))
	assert.Equal(t, CodeFailed, CodeOf(errors.New("foreign")))
	assert.Equal(t, Code(0), CodeOf(nil))
}

func TestInterZoneRetagsConnectFailedOnly(t *testing.T) {
	connectErr := New(CodeConnectFailed, "timeout")
	retagged := InterZone(connectErr)

	assert.Equal(t, CodeConnectInterZoneFailed, CodeOf(retagged))
	assert.True(t, errors.Is(retagged, ErrConnectInterZoneFailed))

	other := New(CodeInvalidData, "bad")
	assert.Same(t, other, InterZone(other))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "OutOfLimit", CodeOutOfLimit.String())
	assert.Equal(t, "Code(999)", Code(999).String())
}
