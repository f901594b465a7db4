package llfsid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llfs-go/llfs/internal/llfsid"
)

func TestNewIsNotZeroAndRoundtrips(t *testing.T) {
	t.Parallel()

	id, err := llfsid.New()
	require.NoError(t, err)
	require.False(t, id.Zero())

	parsed, err := llfsid.Parse(id[:])
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseRejectsWrongLength(t *testing.T) {
	t.Parallel()

	_, err := llfsid.Parse([]byte{1, 2, 3})
	require.Error(t, err)
}
