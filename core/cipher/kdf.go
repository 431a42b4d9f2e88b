package cipher

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/tokuhirom/murodb/core/dberr"
)

// SaltSize is the length of the KDF salt stored in the database header.
const SaltSize = 16

// Argon2id parameters. The header carries only the salt (spec.md §9, Open
// Question 3), so these must stay fixed for the lifetime of the
// aead-misuse-resistant suite; bumping them would require a new suite id.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

// DeriveKey derives a 32-byte master key from a passphrase and the header's
// salt using Argon2id.
func DeriveKey(passphrase, salt []byte) (*MasterKey, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", dberr.ErrKdf, SaltSize, len(salt))
	}
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return MasterKeyFromSlice(key)
}

// GenerateSalt returns a fresh random 16-byte salt for a new database.
func GenerateSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("cipher: generate salt: %w", err)
	}
	return salt, nil
}
