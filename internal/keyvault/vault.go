package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"crypto/ecdsa"
)

// materialPrefix is the algorithm/version tag carried by every piece of
// encrypted key material. A future cipher change bumps the version.
const materialPrefix = "aesgcm.v1:"

var (
	// ErrKeyGeneration indicates the entropy source failed while
	// generating a keypair.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrDecryption indicates malformed ciphertext or a mismatched
	// encryption key. It is fatal and never retried.
	ErrDecryption = errors.New("key material decryption failed")
)

// Vault encrypts and decrypts custodial private keys with an
// application-wide symmetric key derived from configuration. All raw
// cryptographic primitives stay inside this package.
type Vault struct {
	key [32]byte
}

// New derives the vault's AES-256 key from the configured secret.
func New(secret string) (*Vault, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("keyvault: encryption secret is required")
	}
	return &Vault{key: sha256.Sum256([]byte(secret))}, nil
}

// Generate produces a fresh keypair and returns the address together
// with the encrypted private key material. The plaintext key bytes are
// scrubbed before returning.
func (v *Vault) Generate() (common.Address, string, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	addr := crypto.PubkeyToAddress(priv.PublicKey)

	material, err := v.encrypt(priv)
	Zero(priv)
	if err != nil {
		return common.Address{}, "", err
	}
	return addr, material, nil
}

// Decrypt recovers a private key from encrypted material. Any failure,
// from a bad tag to a GCM authentication mismatch, returns ErrDecryption
// with no plaintext fragment in the message.
func (v *Vault) Decrypt(material string) (*ecdsa.PrivateKey, error) {
	if !strings.HasPrefix(material, materialPrefix) {
		return nil, fmt.Errorf("%w: unrecognized material format", ErrDecryption)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(material, materialPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}

	aead, err := v.aead()
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init", ErrDecryption)
	}

	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	// GCM authentication guarantees this either yields the original key
	// bytes or fails outright; there is no partial success.
	keyBytes, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}

	priv, err := crypto.ToECDSA(keyBytes)
	zeroBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key bytes", ErrDecryption)
	}
	return priv, nil
}

// Zero scrubs a decrypted private key. Callers must invoke it as soon as
// signing is done.
func Zero(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	priv.D.SetInt64(0)
}

func (v *Vault) encrypt(priv *ecdsa.PrivateKey) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", fmt.Errorf("keyvault: cipher init: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	keyBytes := crypto.FromECDSA(priv)
	sealed := aead.Seal(nil, nonce, keyBytes, nil)
	zeroBytes(keyBytes)

	return materialPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
