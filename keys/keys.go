// Package keys holds the asymmetric key material the envelope codec signs,
// verifies, encrypts and decrypts with.
//
// A KeyRing is one side's view of the pair: its own signing key and age
// identity, plus the peer's public signing key and age recipient. The site
// runs with the site private material and the hub public material; the hub
// side of the protocol is the mirror image.
package keys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/awnumar/memguard"

	"github.com/jmcleod/hubgate/internal/util"
)

var (
	// ErrInvalidPEM is returned when PEM input cannot be decoded.
	ErrInvalidPEM = errors.New("invalid PEM")
	// ErrUnsupportedKey is returned for key algorithms other than Ed25519,
	// ECDSA and RSA.
	ErrUnsupportedKey = errors.New("unsupported key type")
	// ErrDestroyed is returned after Destroy has been called.
	ErrDestroyed = errors.New("key ring destroyed")
)

// Material is the PEM and age encoded input a KeyRing is built from.
type Material struct {
	// SigningKey is a PKCS#8 "PRIVATE KEY" PEM block.
	SigningKey []byte
	// PeerPublicKey is a PKIX "PUBLIC KEY" PEM block.
	PeerPublicKey []byte
	// Identity is an AGE-SECRET-KEY-1... string.
	Identity string
	// PeerRecipient is an age1... string.
	PeerRecipient string
}

// KeyRing implements signing, verification, encryption and decryption for
// one side of the protocol. Private material stays in memguard enclaves and
// is only unsealed for the duration of a single operation.
type KeyRing struct {
	signingKey *memguard.Enclave
	identity   *memguard.Enclave
	peerKey    crypto.PublicKey
	recipient  *age.X25519Recipient
}

// New parses m and returns a KeyRing.
func New(m Material) (*KeyRing, error) {
	der, err := decodePEM(m.SigningKey, "PRIVATE KEY")
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w: %v", ErrInvalidPEM, err)
	}
	if _, err := asSigner(priv); err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	pubDER, err := decodePEM(m.PeerPublicKey, "PUBLIC KEY")
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w: %v", ErrInvalidPEM, err)
	}
	switch pub.(type) {
	case ed25519.PublicKey, *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return nil, fmt.Errorf("peer public key: %w: %T", ErrUnsupportedKey, pub)
	}

	identity := strings.TrimSpace(m.Identity)
	if _, err := age.ParseX25519Identity(identity); err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(m.PeerRecipient))
	if err != nil {
		return nil, fmt.Errorf("parsing peer recipient: %w", err)
	}

	return &KeyRing{
		signingKey: memguard.NewEnclave(util.CopyBytes(der)),
		identity:   memguard.NewEnclave([]byte(identity)),
		peerKey:    pub,
		recipient:  recipient,
	}, nil
}

func decodePEM(data []byte, wantType string) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	return block.Bytes, nil
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// Sign signs plaintext with the ring's private signing key. Ed25519 signs
// the message directly; ECDSA and RSA (PKCS #1 v1.5) sign its SHA-256 digest.
func (k *KeyRing) Sign(plaintext []byte) ([]byte, error) {
	if k.signingKey == nil {
		return nil, ErrDestroyed
	}
	buf, err := k.signingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key: %w", err)
	}
	defer buf.Destroy()

	priv, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	signer, err := asSigner(priv)
	if err != nil {
		return nil, err
	}

	if _, ok := signer.(ed25519.PrivateKey); ok {
		return signer.Sign(rand.Reader, plaintext, crypto.Hash(0))
	}
	digest := sha256.Sum256(plaintext)
	return signer.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// Verify reports whether sig is the peer's signature over plaintext.
func (k *KeyRing) Verify(plaintext, sig []byte) bool {
	switch pub := k.peerKey.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(pub, plaintext, sig)
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(plaintext)
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	case *rsa.PublicKey:
		digest := sha256.Sum256(plaintext)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	default:
		return false
	}
}

// Encrypt encrypts plaintext to the peer's age recipient.
func (k *KeyRing) Encrypt(plaintext []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := age.Encrypt(&out, k.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Decrypt decrypts ciphertext addressed to the ring's age identity.
func (k *KeyRing) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.identity == nil {
		return nil, ErrDestroyed
	}
	buf, err := k.identity.Open()
	if err != nil {
		return nil, fmt.Errorf("opening identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(string(buf.Bytes()))
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// Destroy drops the ring's private material. Later Sign and Decrypt calls
// fail with ErrDestroyed.
func (k *KeyRing) Destroy() {
	k.signingKey = nil
	k.identity = nil
}
