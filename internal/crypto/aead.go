package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/SecurityWorks/zerostash/internal/objectid"
	"github.com/SecurityWorks/zerostash/internal/zerostash"
)

var errKeyDerivation = zerostash.ErrKeyDerivation

// SealChunkObject encrypts a chunk object's body under a key derived from
// masterKey and id, using a fresh random nonce. It returns the wire format
// specified for the object blob level: nonce || ciphertext || auth_tag.
func SealChunkObject(masterKey []byte, id objectid.ID, plaintext []byte) ([]byte, error) {
	key, err := DeriveObjectKey(masterKey, id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	GetGlobalBufferPool().Put32(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AEAD: %w", err)
	}
	nonce := GetGlobalBufferPool().Get12()
	defer GetGlobalBufferPool().Put12(nonce)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, id[:])
	return out, nil
}

// OpenChunkObject decrypts a chunk object blob produced by SealChunkObject.
func OpenChunkObject(masterKey []byte, id objectid.ID, blob []byte) ([]byte, error) {
	key, err := DeriveObjectKey(masterKey, id)
	if err != nil {
		return nil, err
	}
	return openBlob(key, id, blob)
}

// SealMetaObject encrypts a meta-object body under a key derived from
// masterKey and id, using the deterministic meta-object nonce.
func SealMetaObject(masterKey []byte, id objectid.ID, plaintext []byte) ([]byte, error) {
	key, err := DeriveMetaKey(masterKey, id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	GetGlobalBufferPool().Put32(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AEAD: %w", err)
	}
	nonce, err := DeriveMetaNonce(masterKey, id)
	if err != nil {
		return nil, err
	}
	defer GetGlobalBufferPool().Put12(nonce)
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, id[:])
	return out, nil
}

// OpenMetaObject decrypts a meta-object blob produced by SealMetaObject.
func OpenMetaObject(masterKey []byte, id objectid.ID, blob []byte) ([]byte, error) {
	key, err := DeriveMetaKey(masterKey, id)
	if err != nil {
		return nil, err
	}
	return openBlob(key, id, blob)
}

func openBlob(key []byte, id objectid.ID, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	GetGlobalBufferPool().Put32(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AEAD: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: blob shorter than nonce: %w", zerostash.ErrMalformedHeader)
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, id[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: open %s: %w", id, zerostash.ErrAuthFailure)
	}
	return plaintext, nil
}
