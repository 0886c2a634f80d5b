// Package crypto signs and verifies the terminal state of spokes with
// Ed25519 keys derived per key id from a single secret.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/murray-ux/wheel/pkg/canonicalize"
)

const (
	masterKDFSalt = "wheel-signing-kdf"
	derivedKDFTag = "wheel-key-kdf"
)

// ErrInvalidSignature is returned for malformed or non-matching signatures.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// KeyProvider signs messages. Implementations may sit on an HSM or KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider keeps the private key in memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a random key.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewKeyProviderFromSeed builds a provider from a 32-byte Ed25519 seed.
func NewKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Keyring signs spoke results under one key id.
type Keyring struct {
	provider KeyProvider
	keyID    string
}

// NewKeyring wraps a provider under keyID.
func NewKeyring(p KeyProvider, keyID string) (*Keyring, error) {
	if p == nil {
		return nil, errors.New("crypto: key provider is required")
	}
	if keyID == "" || strings.Contains(keyID, ":") {
		return nil, fmt.Errorf("crypto: invalid key id %q", keyID)
	}
	return &Keyring{provider: p, keyID: keyID}, nil
}

// NewKeyringFromSecret derives the keyring's key from an operator secret
// with HKDF-SHA256, so the same secret and key id always give the same
// key.
func NewKeyringFromSecret(secret []byte, keyID string) (*Keyring, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: signing secret is empty")
	}
	seed, err := deriveSeed(secret, []byte(masterKDFSalt), []byte(keyID))
	if err != nil {
		return nil, err
	}
	p, err := NewKeyProviderFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return NewKeyring(p, keyID)
}

// Derive returns a keyring for keyID whose key is derived from this
// keyring's seed. It requires a MemoryKeyProvider.
func (k *Keyring) Derive(keyID string) (*Keyring, error) {
	mem, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, errors.New("crypto: key derivation requires a MemoryKeyProvider")
	}
	seed, err := deriveSeed(mem.priv.Seed(), []byte(derivedKDFTag), []byte(keyID))
	if err != nil {
		return nil, err
	}
	p, err := NewKeyProviderFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return NewKeyring(p, keyID)
}

func deriveSeed(ikm, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("crypto: HKDF derivation failed: %w", err)
	}
	return seed, nil
}

// KeyID returns the key id embedded in signatures.
func (k *Keyring) KeyID() string { return k.keyID }

// PublicKey returns the verification key.
func (k *Keyring) PublicKey() ed25519.PublicKey { return k.provider.PublicKey() }

// resultClaim is the signed projection of a result.
type resultClaim struct {
	SpokeID   string `json:"spoke_id"`
	Phase     string `json:"phase"`
	ChainHead string `json:"chain_head"`
}

// ResultPayload returns the canonical bytes signed for a result.
func ResultPayload(spokeID, phase, chainHead string) ([]byte, error) {
	return canonicalize.JCS(resultClaim{SpokeID: spokeID, Phase: phase, ChainHead: chainHead})
}

// SignResult signs a result's terminal state. The signature has the form
// "<key id>:<hex ed25519 signature>".
func (k *Keyring) SignResult(spokeID, phase, chainHead string) (string, error) {
	msg, err := ResultPayload(spokeID, phase, chainHead)
	if err != nil {
		return "", fmt.Errorf("crypto: canonicalize result: %w", err)
	}
	sig, err := k.provider.Sign(msg)
	if err != nil {
		return "", fmt.Errorf("crypto: sign result: %w", err)
	}
	return k.keyID + ":" + hex.EncodeToString(sig), nil
}

// VerifyResultSignature checks a signature produced by SignResult. It
// returns the key id the signature claims.
func VerifyResultSignature(pub ed25519.PublicKey, spokeID, phase, chainHead, signature string) (string, error) {
	keyID, sigHex, ok := strings.Cut(signature, ":")
	if !ok || keyID == "" {
		return "", fmt.Errorf("%w: missing key id", ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return keyID, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	msg, err := ResultPayload(spokeID, phase, chainHead)
	if err != nil {
		return keyID, fmt.Errorf("crypto: canonicalize result: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sig) {
		return keyID, ErrInvalidSignature
	}
	return keyID, nil
}
