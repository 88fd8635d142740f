package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPBKDF2CredentialVerifiesCorrectPassword(t *testing.T) {
	t.Parallel()
	cred, err := NewPBKDF2Credential("correct horse", MinPBKDF2Iterations)
	require.NoError(t, err)
	assert.True(t, cred.VerifyPassword("correct horse"))
	assert.False(t, cred.VerifyPassword("wrong"))
}

func TestNewPBKDF2CredentialRejectsLowIterations(t *testing.T) {
	t.Parallel()
	_, err := NewPBKDF2Credential("x", MinPBKDF2Iterations-1)
	assert.ErrorIs(t, err, ErrIterationsTooLow)
}

func TestNewCredentialRefusesLegacySchemes(t *testing.T) {
	t.Parallel()
	_, err := NewCredential(CredMD5Legacy, "x", ImpersonationLoginTime)
	assert.ErrorIs(t, err, ErrLegacySchemeDisallowed)

	_, err = NewCredential(CredSHA512SaltedLegacy, "x", ImpersonationLoginTime)
	assert.ErrorIs(t, err, ErrLegacySchemeDisallowed)
}

func TestNewCredentialImpersonationOnlyNeverVerifiesByPassword(t *testing.T) {
	t.Parallel()
	cred, err := NewCredential(CredImpersonationOnly, "", ImpersonationPersistent)
	require.NoError(t, err)
	assert.False(t, cred.VerifyPassword(""))
	assert.False(t, cred.VerifyPassword("anything"))
}

func TestLegacyMD5CredentialVerifiesButCannotBeMinted(t *testing.T) {
	t.Parallel()
	// md5("hello") = 5d41402abc4b2a76b9719d911017c592
	cred, err := LegacyMD5Credential("5d41402abc4b2a76b9719d911017c592")
	require.NoError(t, err)
	assert.True(t, cred.VerifyPassword("hello"))
	assert.False(t, cred.VerifyPassword("goodbye"))
}

func TestCredentialNoneOnlyAcceptsEmptyPassword(t *testing.T) {
	t.Parallel()
	cred, err := NewCredential(CredNone, "", ImpersonationLoginTime)
	require.NoError(t, err)
	assert.True(t, cred.VerifyPassword(""))
	assert.False(t, cred.VerifyPassword("x"))
}
