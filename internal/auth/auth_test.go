package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/model"
)

var quiet = slog.New(slog.DiscardHandler)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPassword("battery staple", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	other, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "each hash gets its own salt")
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	_, err := auth.VerifyPassword("x", "no-separator")
	assert.ErrorContains(t, err, "invalid hash format")

	_, err = auth.VerifyPassword("x", "!!!$abc")
	assert.ErrorContains(t, err, "decode salt")
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour, quiet)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken(model.User{ID: 42, Username: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID())
	assert.Equal(t, "alice", claims.Username)
}

func TestValidateTokenFromOtherManager(t *testing.T) {
	a, err := auth.NewJWTManager("", "", time.Hour, quiet)
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", "", time.Hour, quiet)
	require.NoError(t, err)

	token, _, err := a.IssueToken(model.User{ID: 1, Username: "alice"})
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateExpiredToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -time.Minute, quiet)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.User{ID: 1, Username: "alice"})
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

// writeKeyPair writes an Ed25519 key pair as PEM files and returns their
// paths with the raw private key for forging tokens.
func writeKeyPair(t *testing.T) (privPath, pubPath string, priv ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath = filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return privPath, pubPath, priv
}

func newManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	privPath, pubPath, priv := writeKeyPair(t)
	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour, quiet)
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, key ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewJWTManagerMismatchedKeys(t *testing.T) {
	privPath, _, _ := writeKeyPair(t)
	_, otherPub, _ := writeKeyPair(t)
	_, err := auth.NewJWTManager(privPath, otherPub, time.Hour, quiet)
	assert.ErrorContains(t, err, "does not match")
}

func TestNewJWTManagerMissingFile(t *testing.T) {
	_, err := auth.NewJWTManager("/nonexistent/priv.pem", "/nonexistent/pub.pem", time.Hour, quiet)
	assert.ErrorContains(t, err, "read private key")
}

func TestValidateTokenRejectsForgedClaims(t *testing.T) {
	mgr, priv := newManagerWithKey(t)
	now := time.Now().UTC()

	registered := func(subject, iss string) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    iss,
			Audience:  jwt.ClaimStrings{"ownai"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
	}

	cases := []struct {
		name   string
		claims auth.Claims
		want   string
	}{
		{"wrong issuer", auth.Claims{RegisteredClaims: registered("1", "someone-else")}, "invalid issuer"},
		{"empty issuer", auth.Claims{RegisteredClaims: registered("1", "")}, "invalid issuer"},
		{"non-numeric subject", auth.Claims{RegisteredClaims: registered("alice", "ownai")}, "invalid subject"},
		{"zero subject", auth.Claims{RegisteredClaims: registered("0", "ownai")}, "invalid subject"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, priv, &tc.claims))
			assert.ErrorContains(t, err, tc.want)
		})
	}

	ok := auth.Claims{RegisteredClaims: registered("7", "ownai"), Username: "bob"}
	claims, err := mgr.ValidateToken(forgeToken(t, priv, &ok))
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID())
}
