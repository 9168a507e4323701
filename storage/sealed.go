package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/hubgate/internal/util"
)

const sealedScheme = "aes256gcm"

// SealedRecord is a value encrypted with AES-256-GCM.
type SealedRecord struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into a SealedRecord using the given key and AAD.
func SealRecord(key, plaintext, aad []byte) (*SealedRecord, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &SealedRecord{
		Ver:        1,
		Scheme:     sealedScheme,
		Nonce:      cipher[:12],
		Ciphertext: cipher[12:],
	}, nil
}

// OpenRecord decrypts a SealedRecord using the given key and AAD.
func OpenRecord(key []byte, rec *SealedRecord, aad []byte) ([]byte, error) {
	if rec.Ver != 1 {
		return nil, fmt.Errorf("unsupported sealed record version: %d", rec.Ver)
	}
	if rec.Scheme != sealedScheme {
		return nil, fmt.Errorf("unsupported sealed record scheme: %s", rec.Scheme)
	}

	fullCipher := make([]byte, len(rec.Nonce)+len(rec.Ciphertext))
	copy(fullCipher, rec.Nonce)
	copy(fullCipher[len(rec.Nonce):], rec.Ciphertext)

	return util.DecryptAESWithAAD(fullCipher, key, aad)
}

// Seal encrypts plaintext and returns the JSON encoding of the sealed record,
// ready to be stored as a Repository value.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	rec, err := SealRecord(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// Open reverses Seal.
func Open(key, value, aad []byte) ([]byte, error) {
	var rec SealedRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("decoding sealed record: %w", err)
	}
	return OpenRecord(key, &rec, aad)
}
