package node

import (
	"peernet/chainhash"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockAvailabilityTracksPeers(t *testing.T) {
	tr := NewBlockAvailabilityTracker(10)
	h := chainhash.Random()

	require.Empty(t, tr.WhoHas(h))

	tr.Update(h, "a")
	tr.Update(h, "b")
	tr.Update(h, "a")
	require.ElementsMatch(t, []string{"a", "b"}, tr.WhoHas(h))
}

func TestBlockAvailabilityEvictsOldest(t *testing.T) {
	tr := NewBlockAvailabilityTracker(2)
	h1, h2, h3 := chainhash.Random(), chainhash.Random(), chainhash.Random()

	tr.Update(h1, "a")
	tr.Update(h2, "a")
	tr.Update(h3, "b")

	require.Empty(t, tr.WhoHas(h1))
	require.Equal(t, []string{"a"}, tr.WhoHas(h2))
	require.Equal(t, []string{"b"}, tr.WhoHas(h3))
}

func TestBlockAvailabilityForget(t *testing.T) {
	tr := NewBlockAvailabilityTracker(10)
	h1, h2 := chainhash.Random(), chainhash.Random()

	tr.Update(h1, "a")
	tr.Update(h1, "b")
	tr.Update(h2, "a")

	tr.Forget("a")
	require.Equal(t, []string{"b"}, tr.WhoHas(h1))
	require.Empty(t, tr.WhoHas(h2))

	// Freed slots are reusable
	tr.Update(h2, "c")
	require.Equal(t, []string{"c"}, tr.WhoHas(h2))
}
