package cipher

import (
	"crypto/hmac"
	"crypto/sha256"
)

// TermKeySize is the size of the key used to blind FTS terms.
const TermKeySize = 32

// DeriveTermKey derives the HMAC key used to compute FTS term ids from the
// database's master key, so that no plaintext token ever reaches disk (see
// spec.md §4.1). This is a fixed-label derivation: a real KDF for this
// purpose would be HKDF, but the corpus exposes no HKDF usage anywhere, and
// a single SHA-256 over key||label is sufficient to produce an independent
// 32-byte subkey here.
func DeriveTermKey(masterKey *MasterKey) [TermKeySize]byte {
	h := sha256.New()
	h.Write(masterKey.key[:])
	h.Write([]byte("murodb-fts-term-key-v1"))
	var out [TermKeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HMACTermID computes HMAC-SHA256(termKey, token), used by the (external)
// FTS collaborator to store blinded term identifiers instead of plaintext
// tokens.
func HMACTermID(termKey *[TermKeySize]byte, token []byte) [sha256.Size]byte {
	mac := hmac.New(sha256.New, termKey[:])
	mac.Write(token)
	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}
