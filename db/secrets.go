package db

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ConfigCipher seals and opens channel configurations with NaCl secretbox.
// The key is service-level, loaded once from configuration.
type ConfigCipher struct {
	key [32]byte
}

// NewConfigCipher builds a cipher from a base64-encoded 32-byte key.
func NewConfigCipher(encodedKey string) (*ConfigCipher, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode channel encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("channel encryption key must be 32 bytes, got %d", len(raw))
	}
	c := &ConfigCipher{}
	copy(c.key[:], raw)
	return c, nil
}

// Seal encrypts a channel config. The nonce is prepended to the ciphertext.
func (c *ConfigCipher) Seal(cfg ChannelConfig) ([]byte, error) {
	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal channel config: %w", err)
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

// Open decrypts a sealed channel config.
func (c *ConfigCipher) Open(sealed []byte) (ChannelConfig, error) {
	var cfg ChannelConfig
	if len(sealed) < 24 {
		return cfg, fmt.Errorf("sealed channel config too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return cfg, fmt.Errorf("failed to open sealed channel config")
	}

	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal channel config: %w", err)
	}
	return cfg, nil
}
