package crypto

import (
	"context"
	"fmt"

	"github.com/ovh/kmip-go/kmipclient"
)

// KMIPKeyManager wraps and unwraps a stash's master key material through an
// external KMIP-speaking key management server, so the plaintext master key
// never needs to touch disk alongside the stash's objects. It implements
// KeyManager.
type KMIPKeyManager struct {
	client    *kmipclient.Client
	keyID     string
	keyVersion int
}

// KMIPConfig describes how to reach the KMIP server and which wrapping key
// to use.
type KMIPConfig struct {
	Endpoint string
	KeyID    string
}

// NewKMIPKeyManager dials the configured KMIP server and binds to the given
// wrapping key.
func NewKMIPKeyManager(ctx context.Context, cfg KMIPConfig) (*KMIPKeyManager, error) {
	client, err := kmipclient.Dial(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: dial kmip server %s: %w", cfg.Endpoint, err)
	}
	return &KMIPKeyManager{client: client, keyID: cfg.KeyID, keyVersion: 1}, nil
}

// Provider identifies this KeyManager implementation for diagnostics.
func (m *KMIPKeyManager) Provider() string { return "kmip" }

// WrapKey encrypts plaintext (a stash master key or DEK) under the bound
// KMIP wrapping key.
func (m *KMIPKeyManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	resp, err := m.client.Encrypt().
		UniqueIdentifier(m.keyID).
		Data(plaintext).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("crypto: kmip wrap: %w", err)
	}
	return &KeyEnvelope{
		KeyID:      m.keyID,
		KeyVersion: m.keyVersion,
		Provider:   m.Provider(),
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts a ciphertext previously produced by WrapKey.
func (m *KMIPKeyManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	resp, err := m.client.Decrypt().
		UniqueIdentifier(envelope.KeyID).
		Data(envelope.Ciphertext).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("crypto: kmip unwrap: %w", err)
	}
	return resp.Data, nil
}

// ActiveKeyVersion returns the bound wrapping key's version.
func (m *KMIPKeyManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.keyVersion, nil
}

// HealthCheck verifies the KMIP server is reachable by requesting the
// wrapping key's attributes.
func (m *KMIPKeyManager) HealthCheck(ctx context.Context) error {
	_, err := m.client.GetAttributes().UniqueIdentifier(m.keyID).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("crypto: kmip health check: %w", err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *KMIPKeyManager) Close(ctx context.Context) error {
	return m.client.Close()
}
