package errkind_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/errkind"
)

func TestTransientKinds(t *testing.T) {
	require.True(t, errkind.Timeout.Transient())
	require.True(t, errkind.NetworkFailure.Transient())
	require.True(t, errkind.ServerError.Transient())
	require.True(t, errkind.Transport.Transient())
	require.False(t, errkind.PermissionDenied.Transient())
	require.False(t, errkind.BadPlan.Transient())
}

func TestWrapUsesCauseMessageWhenReasonEmpty(t *testing.T) {
	cause := errors.New("connection reset")
	err := errkind.Wrap(errkind.NetworkFailure, "", cause)
	require.Equal(t, "connection reset", err.Error())
}

func TestErrorSurfacesReasonOnly(t *testing.T) {
	cause := errors.New("raw internal detail")
	err := errkind.Wrap(errkind.ServerError, "tool server unavailable", cause)
	require.Equal(t, "tool server unavailable", err.Error())
	require.NotContains(t, err.Error(), "raw internal detail")
}

func TestAsExtractsKind(t *testing.T) {
	err := errkind.New(errkind.SchemaViolation, "bad arguments")
	kind, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.SchemaViolation, kind)

	_, ok = errkind.As(errors.New("plain error"))
	require.False(t, ok)
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := errkind.Wrap(errkind.Timeout, "retrieval timed out", cause)
	require.ErrorIs(t, err, cause)
}
