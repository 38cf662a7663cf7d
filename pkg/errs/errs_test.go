package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelsMatchWrappedErrors(t *testing.T) {
	err := fmt.Errorf("decode: %w", Sample("ctd", "bad length %d", 3))
	assert.True(t, errors.Is(err, ErrSample))
	assert.False(t, errors.Is(err, ErrReadOnly))
	assert.True(t, Is(err, KindSample))
	assert.True(t, IsRecoverable(err))
}

func TestUnexpectedDataCarriesBytes(t *testing.T) {
	data := []byte("garbage")
	err := UnexpectedData("parser", data, 10, 17)
	data[0] = 'X'

	require.Equal(t, 7, err.Len())
	assert.Equal(t, "garbage", string(err.Data))
	assert.Equal(t, int64(10), err.Start)
	assert.Equal(t, int64(17), err.End)
	assert.Contains(t, err.Error(), "parser: unexpected data at [10:17]")
	assert.True(t, IsRecoverable(err))
}

func TestMisuseKindsAreNotRecoverable(t *testing.T) {
	for _, kind := range []Kind{KindDatasetParser, KindReadOnly, KindNotImplemented, KindInvalidParameter, KindSanityCheck} {
		err := New(kind, "op", "boom")
		assert.False(t, IsRecoverable(err), kind.String())
	}
	assert.False(t, IsRecoverable(errors.New("plain")))
}

func TestErrorMessages(t *testing.T) {
	inner := errors.New("disk gone")
	err := Wrap(KindDatasetParser, "set state", inner)
	assert.Equal(t, "set state: disk gone", err.Error())
	assert.ErrorIs(t, err, inner)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindDatasetParser, kind)

	bare := &Error{Kind: KindReadOnly}
	assert.Equal(t, "read only error", bare.Error())
}
