package payments

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// sealedVersion prefixes every encrypted record. A plaintext tlv
	// envelope always starts with the kind type, zero, so the two never
	// collide.
	sealedVersion byte = 1

	// sealedHeaderSize is the version byte plus the nonce.
	sealedHeaderSize = 1 + chacha20poly1305.NonceSizeX
)

var (
	// ErrSealedRecord is returned when an encrypted record is read by a
	// store that has no key.
	ErrSealedRecord = errors.New("payment record is encrypted but no " +
		"key is configured")

	// ErrUnknownSealVersion is returned for an encrypted record of an
	// unsupported version.
	ErrUnknownSealVersion = errors.New("unknown payment record " +
		"encryption version")
)

// Encrypter seals payment records at rest with XChaCha20-Poly1305. Every
// record gets a fresh random nonce, and the record's key is bound as
// associated data so a sealed record can't be moved to another payment.
type Encrypter struct {
	aead cipher.AEAD
}

// NewEncrypter derives the record key from masterKey as SHA256(masterKey).
func NewEncrypter(masterKey [32]byte) (*Encrypter, error) {
	encryptionKey := sha256.Sum256(masterKey[:])

	aead, err := chacha20poly1305.NewX(encryptionKey[:])
	if err != nil {
		return nil, err
	}

	return &Encrypter{aead: aead}, nil
}

// seal encrypts plaintext stored under key.
func (e *Encrypter) seal(key, plaintext []byte) ([]byte, error) {
	sealed := make([]byte, sealedHeaderSize, sealedHeaderSize+
		len(plaintext)+e.aead.Overhead())
	sealed[0] = sealedVersion

	nonce := sealed[1:sealedHeaderSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return e.aead.Seal(
		sealed, nonce, plaintext, associatedData(sealed[:1], key),
	), nil
}

// open decrypts a record produced by seal for the same key.
func (e *Encrypter) open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < sealedHeaderSize {
		return nil, fmt.Errorf("sealed record too small, must be at "+
			"least %v bytes", sealedHeaderSize)
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSealVersion,
			sealed[0])
	}

	nonce := sealed[1:sealedHeaderSize]
	plaintext, err := e.aead.Open(
		nil, nonce, sealed[sealedHeaderSize:],
		associatedData(sealed[:1], key),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt payment %x: %w", key,
			err)
	}

	return plaintext, nil
}

// isSealed reports whether a stored value is an encrypted record.
func isSealed(data []byte) bool {
	return len(data) > 0 && data[0] != 0
}

func associatedData(version, key []byte) []byte {
	ad := make([]byte, 0, len(version)+len(key))
	ad = append(ad, version...)

	return append(ad, key...)
}
