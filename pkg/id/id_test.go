package id

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("generated_id_parses", func(t *testing.T) {
		s, err := NewString()
		require.NoError(t, err)
		require.True(t, IsValid(s))

		r, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, r.String())
	})

	t.Run("rejects_non_ulid", func(t *testing.T) {
		_, err := Parse("volume_0001")
		require.Error(t, err)
		require.False(t, IsValid("volume_0001"))
	})
}

func TestStartedAt(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	r, err := NewRunIDAt(at)
	require.NoError(t, err)
	require.True(t, at.Equal(r.StartedAt()))
	require.False(t, r.IsZero())
	require.True(t, RunID{}.IsZero())
}

func TestRunIDsAreSortedWithinTheSameMillisecond(t *testing.T) {
	now := time.Now()
	const n = 10000

	seen := make(map[string]struct{}, n)
	prev := ""
	for range n {
		r, err := NewRunIDAt(now)
		require.NoError(t, err)

		s := r.String()
		require.Greater(t, s, prev)
		prev = s
		seen[s] = struct{}{}
	}
	require.Len(t, seen, n)
}
