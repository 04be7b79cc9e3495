// ABOUTME: Tests for JWT verification and generation.
// ABOUTME: Covers round trips, expiry, wrong secrets, and missing claims.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	t.Run("round trip", func(t *testing.T) {
		token, err := v.Generate("cli", time.Hour)
		require.NoError(t, err)

		sub, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "cli", sub)
	})

	t.Run("minted tokens carry the issuer", func(t *testing.T) {
		token, err := v.Generate("cli", time.Hour)
		require.NoError(t, err)

		var claims jwt.RegisteredClaims
		_, err = jwt.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
			return []byte("test-secret"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, Issuer, claims.Issuer)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := v.Generate("cli", -time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTVerifier([]byte("other-secret"))
		token, err := other.Generate("cli", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.Verify("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing sub claim", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = v.Verify(signed)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})
}
