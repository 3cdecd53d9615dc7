package db

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestConfigCipher_RoundTrip(t *testing.T) {
	cipher, err := NewConfigCipher(testKey(t))
	require.NoError(t, err)

	cfg := ChannelConfig{
		URL:    "https://hooks.example.com/alerts",
		Secret: "whsec_abc123",
	}

	sealed, err := cipher.Seal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "whsec_abc123")

	opened, err := cipher.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, cfg, opened)
}

func TestConfigCipher_RejectsBadKey(t *testing.T) {
	_, err := NewConfigCipher("not-base64!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = NewConfigCipher(short)
	assert.Error(t, err)
}

func TestConfigCipher_OpenRejectsTampering(t *testing.T) {
	cipher, err := NewConfigCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := cipher.Seal(ChannelConfig{Token: "xoxb-1"})
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = cipher.Open(sealed)
	assert.Error(t, err)

	_, err = cipher.Open([]byte("short"))
	assert.Error(t, err)
}
