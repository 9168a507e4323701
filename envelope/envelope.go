// Package envelope implements the signed-then-encrypted wrapper every
// request and response payload travels in.
//
// The signature is computed over the JSON plaintext before encryption, so
// Unpack must decrypt first and verify second. Nothing in an envelope is
// trusted until Unpack returns without error.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature means the envelope could not be authenticated.
	// Callers must stop processing the request.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedPayload means the envelope or its plaintext is not well formed.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Crypto is the asymmetric primitive set the codec is built on.
// *keys.KeyRing implements it.
type Crypto interface {
	Sign(plaintext []byte) ([]byte, error)
	Verify(plaintext, sig []byte) bool
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Envelope is the wire form of a payload. Both fields are standard base64.
type Envelope struct {
	Signature string `json:"signature"`
	Package   string `json:"package"`
}

// Codec packs and unpacks envelopes. It holds no state beyond its Crypto
// and is safe for concurrent use when the Crypto is.
type Codec struct {
	crypto Crypto
}

// NewCodec returns a Codec using c.
func NewCodec(c Crypto) *Codec {
	return &Codec{crypto: c}
}

// Unpack authenticates env and returns its payload.
func (c *Codec) Unpack(env Envelope) (Payload, error) {
	if env.Signature == "" || env.Package == "" {
		return nil, fmt.Errorf("%w: missing signature or package", ErrMalformedPayload)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedPayload, err)
	}
	pkg, err := base64.StdEncoding.DecodeString(env.Package)
	if err != nil {
		return nil, fmt.Errorf("%w: package: %v", ErrMalformedPayload, err)
	}

	plaintext, err := c.crypto.Decrypt(pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !c.crypto.Verify(plaintext, sig) {
		return nil, ErrInvalidSignature
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedPayload)
	}
	return p, nil
}

// Pack serializes v to JSON, signs the plaintext and encrypts it.
func (c *Codec) Pack(v any) (Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding payload: %w", err)
	}
	sig, err := c.crypto.Sign(plaintext)
	if err != nil {
		return Envelope{}, fmt.Errorf("signing payload: %w", err)
	}
	pkg, err := c.crypto.Encrypt(plaintext)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypting payload: %w", err)
	}
	return Envelope{
		Signature: base64.StdEncoding.EncodeToString(sig),
		Package:   base64.StdEncoding.EncodeToString(pkg),
	}, nil
}
