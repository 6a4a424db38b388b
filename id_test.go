package dedupstore

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKeySet(t *testing.T) *KeySet {
	t.Helper()
	ks, err := NewKeySet([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return ks
}

func TestIDStringRoundTrip(t *testing.T) {
	id := testKeySet(t).IDer().ID([]byte("hello world"))

	s := id.String()
	require.Len(t, s, IDSize*2)

	parsed, err := ParseID(s)
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	require.Equal(t, s[:16], id.ShortString())
}

func TestParseIDErrors(t *testing.T) {
	_, err := ParseID("abc")
	require.Error(t, err)

	_, err = ParseID(strings.Repeat("zz", IDSize))
	require.Error(t, err)
}

func TestIDerDeterministic(t *testing.T) {
	der := testKeySet(t).IDer()

	a := der.ID([]byte("chunk"))
	b := der.ID([]byte("chunk"))
	require.Equal(t, a, b)
	require.False(t, a.IsZero())

	c := der.ID([]byte("chunk!"))
	require.NotEqual(t, a, c)
}

func TestIDerKeySeparation(t *testing.T) {
	ks1 := testKeySet(t)
	ks2, err := NewKeySet([]byte("another secret another secret xx"))
	require.NoError(t, err)

	data := []byte("same plaintext")
	require.NotEqual(t, ks1.IDer().ID(data), ks2.IDer().ID(data))
}

func TestIDReader(t *testing.T) {
	der := testKeySet(t).IDer()
	data := bytes.Repeat([]byte("streaming"), 100)

	ir := der.NewIDReader(bytes.NewReader(data))
	var buf bytes.Buffer
	n, err := buf.ReadFrom(ir)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, int64(len(data)), ir.BytesRead())

	require.Equal(t, der.ID(data), ir.Sum())
}

func TestManifestIDIsZero(t *testing.T) {
	require.True(t, ManifestID.IsZero())
	require.False(t, testKeySet(t).IDer().ID(nil).IsZero())
}

func TestNewKeySet(t *testing.T) {
	ks := testKeySet(t)

	// Same secret, same keys.
	again, err := NewKeySet([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	require.Equal(t, ks.IDKey(), again.IDKey())
	require.Equal(t, ks.DataKey(), again.DataKey())

	// The two derivation paths never coincide.
	require.NotEqual(t, ks.IDKey(), ks.DataKey())
}

func TestNewKeySetRejectsShortSecret(t *testing.T) {
	_, err := NewKeySet([]byte("too short"))
	require.Error(t, err)
}

func TestKeyCheck(t *testing.T) {
	ks := testKeySet(t)
	check := ks.KeyCheck()
	require.True(t, ks.VerifyKeyCheck(check))

	other, err := NewKeySet([]byte("a different secret entirely here"))
	require.NoError(t, err)
	require.False(t, other.VerifyKeyCheck(check))
}

func TestNewRandomSecret(t *testing.T) {
	a, err := NewRandomSecret()
	require.NoError(t, err)
	require.Len(t, a, KeySize)

	b, err := NewRandomSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
