package cipher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() *MasterKey {
	var raw [32]byte
	for i := range raw {
		raw[i] = 0x42
	}
	return NewMasterKey(raw)
}

func TestPageRoundTrip(t *testing.T) {
	c, err := New(SuiteMisuseResistant, testKey())
	require.NoError(t, err)

	plaintext := make([]byte, 4096)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	sealed, err := c.SealPage(7, 1, plaintext)
	require.NoError(t, err)
	require.Len(t, sealed, 4096+AEADOverhead)

	opened, err := c.OpenPage(7, 1, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestPageTamperDetected(t *testing.T) {
	c, err := New(SuiteMisuseResistant, testKey())
	require.NoError(t, err)

	sealed, err := c.SealPage(1, 0, []byte("sensitive data"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = c.OpenPage(1, 0, tampered)
	require.Error(t, err)
}

func TestPageWrongIDOrEpochFails(t *testing.T) {
	c, err := New(SuiteMisuseResistant, testKey())
	require.NoError(t, err)

	sealed, err := c.SealPage(1, 0, []byte("data"))
	require.NoError(t, err)

	_, err = c.OpenPage(2, 0, sealed)
	require.Error(t, err)

	_, err = c.OpenPage(1, 1, sealed)
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	c, err := New(SuiteMisuseResistant, testKey())
	require.NoError(t, err)

	payload := []byte("begin-record-bytes")
	sealed, err := c.SealFrame(128, payload)
	require.NoError(t, err)

	opened, err := c.OpenFrame(128, sealed)
	require.NoError(t, err)
	require.Equal(t, payload, opened)

	_, err = c.OpenFrame(129, sealed)
	require.Error(t, err)
}

func TestPlaintextSuiteIsIdentity(t *testing.T) {
	c, err := New(SuitePlaintext, nil)
	require.NoError(t, err)
	require.Equal(t, 0, c.Overhead())

	plaintext := []byte("not encrypted")
	sealed, err := c.SealPage(1, 0, plaintext)
	require.NoError(t, err)
	require.Equal(t, plaintext, sealed)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := make([]byte, SaltSize)
	for i := range salt {
		salt[i] = 0x01
	}
	k1, err := DeriveKey([]byte("my passphrase"), salt)
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("my passphrase"), salt)
	require.NoError(t, err)
	require.Equal(t, k1.key, k2.key)
}

func TestDeriveKeyDifferentSaltDiffers(t *testing.T) {
	salt1 := make([]byte, SaltSize)
	salt2 := make([]byte, SaltSize)
	for i := range salt2 {
		salt2[i] = 0xFF
	}
	k1, err := DeriveKey([]byte("pass"), salt1)
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("pass"), salt2)
	require.NoError(t, err)
	require.NotEqual(t, k1.key, k2.key)
}

func TestHMACTermIDDeterministic(t *testing.T) {
	termKey := DeriveTermKey(testKey())
	h1 := HMACTermID(&termKey, []byte("hello"))
	h2 := HMACTermID(&termKey, []byte("hello"))
	require.Equal(t, h1, h2)

	h3 := HMACTermID(&termKey, []byte("world"))
	require.NotEqual(t, h1, h3)
}
