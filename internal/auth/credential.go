// Package auth implements the user/group database described in spec §3
// and the throttled authenticator of spec §4.6. Credentials are a tagged
// union over {none, PBKDF2-HMAC-SHA256, legacy MD5, legacy salted SHA-512,
// impersonation-only}; legacy schemes verify on login but cannot be minted
// for new credentials (SPEC_FULL §5 open-question resolution).
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// CredentialScheme tags the variant held by a Credential.
type CredentialScheme int

const (
	CredNone CredentialScheme = iota
	CredPBKDF2SHA256
	CredMD5Legacy
	CredSHA512SaltedLegacy
	CredImpersonationOnly
)

// MinPBKDF2Iterations is the floor mandated by spec §3 ("iteration count
// ≥ 100 000").
const MinPBKDF2Iterations = 100_000

// ErrLegacySchemeDisallowed is returned by NewCredential when asked to mint
// a legacy scheme; legacy credentials may only arrive already persisted
// (e.g. migrated from an old users.xml) and are verified, never created.
var ErrLegacySchemeDisallowed = errors.New("auth: legacy credential schemes cannot be created, only verified")

// ErrIterationsTooLow is returned by NewPBKDF2Credential when iterations
// falls below MinPBKDF2Iterations.
var ErrIterationsTooLow = fmt.Errorf("auth: PBKDF2 iteration count must be >= %d", MinPBKDF2Iterations)

// ImpersonationMode distinguishes how an impersonation-only credential may
// be used, per spec §3 ("carrying login-time vs. persistent semantics").
type ImpersonationMode int

const (
	// ImpersonationLoginTime means the OS token is acquired fresh at login
	// and discarded when the session ends.
	ImpersonationLoginTime ImpersonationMode = iota
	// ImpersonationPersistent means the OS token is cached and reused
	// across sessions for the same user.
	ImpersonationPersistent
)

// Credential is the tagged union of spec §3's credential record.
type Credential struct {
	Scheme CredentialScheme

	// PBKDF2 / legacy fields.
	Salt       []byte
	Iterations int
	Hash       []byte // derived key (PBKDF2), raw MD5 digest, or salted SHA-512 digest

	// Impersonation-only fields.
	ImpMode ImpersonationMode
}

// NewCredential mints a new, non-legacy credential. Only CredPBKDF2SHA256
// and CredImpersonationOnly may be created this way.
func NewCredential(scheme CredentialScheme, password string, impMode ImpersonationMode) (Credential, error) {
	switch scheme {
	case CredPBKDF2SHA256:
		return NewPBKDF2Credential(password, MinPBKDF2Iterations)
	case CredImpersonationOnly:
		return Credential{Scheme: CredImpersonationOnly, ImpMode: impMode}, nil
	case CredMD5Legacy, CredSHA512SaltedLegacy:
		return Credential{}, ErrLegacySchemeDisallowed
	default:
		return Credential{Scheme: CredNone}, nil
	}
}

// NewPBKDF2Credential derives a new salted PBKDF2-HMAC-SHA256 credential.
func NewPBKDF2Credential(password string, iterations int) (Credential, error) {
	if iterations < MinPBKDF2Iterations {
		return Credential{}, ErrIterationsTooLow
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("auth: generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	return Credential{
		Scheme:     CredPBKDF2SHA256,
		Salt:       salt,
		Iterations: iterations,
		Hash:       key,
	}, nil
}

// VerifyPassword checks password against the stored credential. Legacy
// schemes are accepted here even though NewCredential refuses to mint them.
func (c Credential) VerifyPassword(password string) bool {
	switch c.Scheme {
	case CredNone:
		return password == ""
	case CredPBKDF2SHA256:
		derived := pbkdf2.Key([]byte(password), c.Salt, c.Iterations, sha256.Size, sha256.New)
		return subtle.ConstantTimeCompare(derived, c.Hash) == 1
	case CredMD5Legacy:
		sum := md5.Sum([]byte(password))
		return subtle.ConstantTimeCompare(sum[:], c.Hash) == 1
	case CredSHA512SaltedLegacy:
		h := hmac.New(sha512.New, c.Salt)
		h.Write([]byte(password))
		return subtle.ConstantTimeCompare(h.Sum(nil), c.Hash) == 1
	case CredImpersonationOnly:
		// Password-based login never succeeds for an impersonation-only
		// credential; the OS identity is acquired out of band.
		return false
	default:
		return false
	}
}

// LegacyMD5Credential constructs a CredMD5Legacy credential from a
// pre-existing digest, e.g. loaded verbatim from users.xml. Only usable for
// verification, per policy.
func LegacyMD5Credential(hexDigest string) (Credential, error) {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: decoding legacy MD5 digest: %w", err)
	}
	return Credential{Scheme: CredMD5Legacy, Hash: b}, nil
}

// LegacySaltedSHA512Credential constructs a CredSHA512SaltedLegacy
// credential from pre-existing salt+digest, e.g. loaded from users.xml.
func LegacySaltedSHA512Credential(salt, hexDigest string) (Credential, error) {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: decoding legacy SHA-512 digest: %w", err)
	}
	return Credential{Scheme: CredSHA512SaltedLegacy, Salt: []byte(salt), Hash: b}, nil
}
