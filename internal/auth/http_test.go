// ABOUTME: Tests for the control API auth middleware.
// ABOUTME: Covers share key, bearer token, and pass-through modes.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("pass-through when nothing configured", func(t *testing.T) {
		h := Middleware("", nil)(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("share key", func(t *testing.T) {
		h := Middleware("sekrit", nil)(okHandler())

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status?s=sekrit", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status?s=wrong", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		v := NewJWTVerifier([]byte("secret"))
		token, err := v.Generate("cli", time.Hour)
		require.NoError(t, err)

		h := Middleware("", v)(okHandler())

		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		req = httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
