package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tokuhirom/murodb/core/dberr"
)

// MasterKey is the 32-byte key used by the AEAD suite. Callers must call
// Zero once the key is no longer needed so it does not linger in memory.
type MasterKey struct {
	key [32]byte
}

// NewMasterKey wraps a 32-byte key.
func NewMasterKey(key [32]byte) *MasterKey {
	return &MasterKey{key: key}
}

// MasterKeyFromSlice copies a key from a slice, requiring exactly 32 bytes.
func MasterKeyFromSlice(b []byte) (*MasterKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(b))
	}
	mk := &MasterKey{}
	copy(mk.key[:], b)
	return mk, nil
}

// Zero overwrites the key material with zeroes. Safe to call multiple
// times.
func (k *MasterKey) Zero() {
	if k == nil {
		return
	}
	for i := range k.key {
		k.key[i] = 0
	}
}

const (
	nonceSize = 12
	tagSize   = 16
	// AEADOverhead is the number of bytes AES-256-GCM adds to any
	// plaintext: a random nonce prepended plus the authentication tag.
	AEADOverhead = nonceSize + tagSize
)

// aeadCore wraps a cipher.AEAD (AES-256-GCM) with the page/frame AAD
// conventions from spec.md §4.1.
type aeadCore struct {
	gcm cipher.AEAD
}

func newAEADCore(key *MasterKey) (*aeadCore, error) {
	block, err := aes.NewCipher(key.key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: new aes block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: new gcm: %w", err)
	}
	return &aeadCore{gcm: gcm}, nil
}

func (c *aeadCore) seal(aad, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cipher: generate nonce: %w", err)
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+tagSize)
	out = append(out, nonce...)
	out = c.gcm.Seal(out, nonce, plaintext, aad)
	return out, nil
}

func (c *aeadCore) open(aad, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", dberr.ErrIntegrity)
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberr.ErrIntegrity, err)
	}
	return plaintext, nil
}

func pageAAD(pageID uint64, epoch uint64) []byte {
	aad := make([]byte, 16)
	binary.LittleEndian.PutUint64(aad[0:8], pageID)
	binary.LittleEndian.PutUint64(aad[8:16], epoch)
	return aad
}

func frameAAD(lsn uint64) []byte {
	aad := make([]byte, 16)
	binary.LittleEndian.PutUint64(aad[0:8], lsn)
	// second half is reserved (always zero): frame nonce context is (lsn, 0)
	return aad
}

// Cipher is the page/frame cipher selected by a database's encryption
// suite. It is a small tagged union over {plaintext, AEAD} rather than an
// interface with virtual dispatch, since the suite is fixed for the file's
// lifetime (see spec.md §9, Dynamic dispatch).
type Cipher struct {
	suite Suite
	aead  *aeadCore // nil when suite == SuitePlaintext
}

// New constructs a Cipher for the given suite. masterKey may be nil for
// SuitePlaintext; it is required for SuiteMisuseResistant.
func New(suite Suite, masterKey *MasterKey) (*Cipher, error) {
	switch suite {
	case SuitePlaintext:
		return &Cipher{suite: suite}, nil
	case SuiteMisuseResistant:
		if masterKey == nil {
			return nil, fmt.Errorf("cipher: master key required for suite %s", suite)
		}
		core, err := newAEADCore(masterKey)
		if err != nil {
			return nil, err
		}
		return &Cipher{suite: suite, aead: core}, nil
	default:
		return nil, fmt.Errorf("cipher: unknown suite %d", suite)
	}
}

// Suite reports the cipher's suite.
func (c *Cipher) Suite() Suite { return c.suite }

// Overhead is the number of bytes this cipher adds to a sealed payload.
func (c *Cipher) Overhead() int {
	if c.suite == SuitePlaintext {
		return 0
	}
	return AEADOverhead
}

// SealPage encrypts a page-sized plaintext. AAD = page_id || epoch.
func (c *Cipher) SealPage(pageID, epoch uint64, plaintext []byte) ([]byte, error) {
	if c.suite == SuitePlaintext {
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		return out, nil
	}
	return c.aead.seal(pageAAD(pageID, epoch), plaintext)
}

// OpenPage decrypts a page-sized payload sealed by SealPage.
func (c *Cipher) OpenPage(pageID, epoch uint64, sealed []byte) ([]byte, error) {
	if c.suite == SuitePlaintext {
		out := make([]byte, len(sealed))
		copy(out, sealed)
		return out, nil
	}
	return c.aead.open(pageAAD(pageID, epoch), sealed)
}

// SealFrame encrypts a WAL frame payload. AAD = lsn || 0.
func (c *Cipher) SealFrame(lsn uint64, payload []byte) ([]byte, error) {
	if c.suite == SuitePlaintext {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	return c.aead.seal(frameAAD(lsn), payload)
}

// OpenFrame decrypts a WAL frame payload sealed by SealFrame.
func (c *Cipher) OpenFrame(lsn uint64, sealed []byte) ([]byte, error) {
	if c.suite == SuitePlaintext {
		out := make([]byte, len(sealed))
		copy(out, sealed)
		return out, nil
	}
	return c.aead.open(frameAAD(lsn), sealed)
}
