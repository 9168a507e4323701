package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// Pair is freshly generated key material for one side of the protocol.
// The private halves are what that side keeps; the public halves go to the
// peer.
type Pair struct {
	SigningKey []byte // PKCS#8 PEM
	PublicKey  []byte // PKIX PEM
	Identity   string // AGE-SECRET-KEY-1...
	Recipient  string // age1...
}

// Generate creates an Ed25519 signing key and an age X25519 identity.
func Generate() (*Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &Pair{
		SigningKey: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		PublicKey:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		Identity:   identity.String(),
		Recipient:  identity.Recipient().String(),
	}, nil
}

// File names used by WriteDir.
const (
	SigningKeyFile = "signing.key"
	PublicKeyFile  = "signing.pub"
	IdentityFile   = "identity.age"
	RecipientFile  = "recipient.age"
)

// WriteDir writes the pair into dir. Private files are created 0600 and
// existing files are never overwritten.
func (p *Pair) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{SigningKeyFile, p.SigningKey, 0o600},
		{PublicKeyFile, p.PublicKey, 0o644},
		{IdentityFile, []byte(p.Identity + "\n"), 0o600},
		{RecipientFile, []byte(p.Recipient + "\n"), 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, f.mode)
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		if _, err := fh.Write(f.data); err != nil {
			fh.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
		if err := fh.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Paths names the files a KeyRing is loaded from.
type Paths struct {
	SigningKey    string
	PeerPublicKey string
	Identity      string
	PeerRecipient string
}

// Load reads the files named by p and returns a KeyRing.
func Load(p Paths) (*KeyRing, error) {
	var m Material
	var err error
	if m.SigningKey, err = os.ReadFile(p.SigningKey); err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	if m.PeerPublicKey, err = os.ReadFile(p.PeerPublicKey); err != nil {
		return nil, fmt.Errorf("reading peer public key: %w", err)
	}
	identity, err := os.ReadFile(p.Identity)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	recipient, err := os.ReadFile(p.PeerRecipient)
	if err != nil {
		return nil, fmt.Errorf("reading peer recipient: %w", err)
	}
	m.Identity = string(identity)
	m.PeerRecipient = string(recipient)
	return New(m)
}
