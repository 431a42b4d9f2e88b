// Package cipher provides page- and frame-level authenticated encryption for
// the murodb storage core, plus the passphrase-based key derivation used to
// produce the master key from the database header's salt.
//
// Two suites are supported, selected by the 4-byte encryption-suite field in
// the database header:
//
//	PlaintextSuiteID         (0) — identity, an explicit opt-in.
//	MisuseResistantSuiteID   (1) — AES-256-GCM, 12-byte random nonce,
//	                               16-byte tag, ciphertext layout
//	                               nonce || ct || tag.
//
// The corpus this package is modeled on (gojodb's core/security/encryption)
// reaches for AES-GCM via the standard library's crypto/aes + crypto/cipher;
// true AES-256-GCM-SIV (RFC 8452) has no implementation anywhere in that
// corpus or its dependency graph, so this suite keeps the wire contract the
// spec names (nonce || ct || tag, same AAD, same failure mode) while
// accepting randomized rather than synthetic nonces — see DESIGN.md.
package cipher

import (
	"fmt"
)

const (
	// PlaintextSuiteID is the header's encryption-suite value for the
	// identity suite.
	PlaintextSuiteID uint32 = 0
	// MisuseResistantSuiteID is the header's encryption-suite value for
	// the AEAD suite.
	MisuseResistantSuiteID uint32 = 1
)

// Suite identifies which page cipher a database file was created with.
type Suite uint32

const (
	SuitePlaintext        Suite = Suite(PlaintextSuiteID)
	SuiteMisuseResistant  Suite = Suite(MisuseResistantSuiteID)
)

// String implements fmt.Stringer.
func (s Suite) String() string {
	switch s {
	case SuitePlaintext:
		return "plaintext"
	case SuiteMisuseResistant:
		return "aead-misuse-resistant"
	default:
		return fmt.Sprintf("suite(%d)", uint32(s))
	}
}

// ParseSuite validates a header-supplied suite id.
func ParseSuite(id uint32) (Suite, error) {
	switch id {
	case PlaintextSuiteID, MisuseResistantSuiteID:
		return Suite(id), nil
	default:
		return 0, fmt.Errorf("unsupported encryption suite id %d", id)
	}
}

// RequiresMasterKey reports whether this suite needs a derived key to
// construct a Cipher.
func (s Suite) RequiresMasterKey() bool {
	return s == SuiteMisuseResistant
}
