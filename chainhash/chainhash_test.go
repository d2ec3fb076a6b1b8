package chainhash

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestHashFromString(t *testing.T) {
	h := Compute([]byte("block"))

	parsed, err := FromString(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = FromString("zz")
	require.ErrorIs(t, err, ErrorInvalidHashString)

	_, err = FromString("abcd")
	require.ErrorIs(t, err, ErrorInvalidHashLength)
}

func TestHashComputeIsDeterministic(t *testing.T) {
	require.Equal(t, Compute([]byte("a"), []byte("b")), Compute([]byte("ab")))
	require.NotEqual(t, Compute([]byte("a")), Compute([]byte("b")))
	require.False(t, Compute([]byte("a")).IsZero())
	require.True(t, Zero.IsZero())
}

func TestHashEncodings(t *testing.T) {
	type wrapper struct {
		H Hash `cbor:"1,keyasint" json:"h"`
	}
	w := wrapper{H: Random()}

	enc, err := cbor.Marshal(w)
	require.NoError(t, err)
	var fromCbor wrapper
	require.NoError(t, cbor.Unmarshal(enc, &fromCbor))
	require.Equal(t, w.H, fromCbor.H)

	js, err := json.Marshal(w)
	require.NoError(t, err)
	require.Contains(t, string(js), w.H.String())
	var fromJSON wrapper
	require.NoError(t, json.Unmarshal(js, &fromJSON))
	require.Equal(t, w.H, fromJSON.H)
}
