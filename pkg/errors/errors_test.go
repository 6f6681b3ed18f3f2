package errors

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	t.Parallel()

	require.Nil(t, Wrap(ErrMetaOpFail, nil))

	cause := errors.New("connection refused")
	err := Wrap(ErrMetaOpFail, cause)
	require.True(t, Is(err, ErrMetaOpFail))
	require.False(t, Is(err, ErrMetaNewClientFail))
	require.Contains(t, err.Error(), "meta operation fail")

	err = ErrIllegalState.GenWithStackByArgs("start instance failure")
	require.True(t, Is(err, ErrIllegalState))
	require.True(t, Is(errors.Trace(err), ErrIllegalState))
	require.Contains(t, err.Error(), "start instance failure")

	require.False(t, Is(cause, ErrIllegalState))
	require.False(t, Is(nil, ErrIllegalState))
}
