package keyring

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	id, b64   string
	generated int
}

func (s *fakeSource) ActiveDefaultKey(context.Context) (string, string, error) {
	return s.id, s.b64, nil
}
func (s *fakeSource) GenerateDefaultKey(context.Context) error {
	s.generated++
	s.id, s.b64 = "k0", base64.StdEncoding.EncodeToString([]byte("placeholder-secret"))
	return nil
}

func TestInstallFromEnvOverridesDB(t *testing.T) {
	var ring = NewRing()
	var src = &fakeSource{id: "db-key", b64: base64.StdEncoding.EncodeToString([]byte("db-secret"))}
	require.NoError(t, ring.InstallDefaultFromDB(context.Background(), src))

	t.Setenv("S2S_KEY_ID", "env-key")
	t.Setenv("S2S_KEY_B64", base64.StdEncoding.EncodeToString([]byte("env-secret")))

	installed, err := ring.InstallFromEnv()
	require.NoError(t, err)
	require.True(t, installed)

	def, ok := ring.DefaultSenderKey()
	require.True(t, ok)
	require.Equal(t, "env-key", def.ID)
	require.Equal(t, []byte("env-secret"), def.Secret)

	// The DB key remains resident for verification of inbound traffic.
	dbKey, ok := ring.Lookup("db-key")
	require.True(t, ok)
	require.Equal(t, []byte("db-secret"), dbKey.Secret)
}

func TestInstallFromEnvAbsent(t *testing.T) {
	t.Setenv("S2S_KEY_ID", "")
	t.Setenv("S2S_KEY_B64", "")

	var ring = NewRing()
	installed, err := ring.InstallFromEnv()
	require.NoError(t, err)
	require.False(t, installed)

	_, ok := ring.DefaultSenderKey()
	require.False(t, ok)
}

func TestPlaceholderGeneration(t *testing.T) {
	var ring = NewRing()
	var src = &fakeSource{}
	require.NoError(t, ring.InstallDefaultFromDB(context.Background(), src))
	require.Equal(t, 1, src.generated)

	def, ok := ring.DefaultSenderKey()
	require.True(t, ok)
	require.Equal(t, "k0", def.ID)
}

func TestRingCapacity(t *testing.T) {
	var ring = NewRing()
	for i := 0; i != MaxKeys; i++ {
		require.NoError(t, ring.Install(Key{ID: fmt.Sprintf("k%d", i), Secret: []byte{byte(i)}}))
	}
	require.Error(t, ring.Install(Key{ID: "overflow", Secret: []byte{9}}))

	// Replacing a resident key is not a capacity change.
	require.NoError(t, ring.Install(Key{ID: "k3", Secret: []byte("rotated")}))
	k, ok := ring.Lookup("k3")
	require.True(t, ok)
	require.Equal(t, []byte("rotated"), k.Secret)
}

func TestStrictBase64(t *testing.T) {
	var ok = base64.StdEncoding.EncodeToString([]byte("some-secret-key"))
	out, err := DecodeKeyB64(ok)
	require.NoError(t, err)
	require.Equal(t, []byte("some-secret-key"), out)

	for _, bad := range []string{
		"",
		"abc",            // not a multiple of four
		"ab cd",          // whitespace
		"abcd\n",         // trailing newline
		"a===",           // over-padded
		"!!!!",           // outside alphabet
	} {
		_, err = DecodeKeyB64(bad)
		require.Error(t, err, "input %q", bad)
	}
}
