package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProviderSelector(t *testing.T) {
	s := NewProviderSelector([]string{"a", "b", "c"}, "fallback")

	require.Equal(t, "a", s.Pick(nil))

	s.Observe("c", 20*time.Millisecond)
	s.Observe("b", 50*time.Millisecond)
	require.Equal(t, "c", s.Pick(nil))
	require.Equal(t, "b", s.Pick(map[string]bool{"c": true}))

	s.Fail("c")
	require.Equal(t, "b", s.Pick(nil))

	require.Equal(t, "fallback", s.Pick(map[string]bool{"a": true, "b": true, "c": true}))
}

func TestProviderSelectorSmoothsLatency(t *testing.T) {
	s := NewProviderSelector([]string{"a", "b"}, "")

	s.Observe("a", 10*time.Millisecond)
	s.Observe("b", 30*time.Millisecond)
	// one slow response does not outweigh the history
	s.Observe("a", 50*time.Millisecond)
	require.Equal(t, "a", s.Pick(nil))
}
