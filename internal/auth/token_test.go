package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/mentorhub/mentorchat-go/internal/testutil"
	"github.com/mentorhub/mentorchat-go/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func mintToken(t *testing.T, userId string, exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user-id": userId,
		"exp":     exp.Unix(),
	})
	signed, err := token.SignedString(testSigningKey)
	require.NoError(t, err, "expected token signing to succeed")
	return signed
}

// loginServer serves /api/auth/login, counting logins and minting tokens
// with the configured expiry.
func loginServer(t *testing.T, tokenTTL time.Duration, logins *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)

		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Password != "password" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}

		logins.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"token": mintToken(t, "u-1", time.Now().Add(tokenTTL)),
			"user":  types.User{Id: "u-1", Username: "mentee", EmailAddress: req.Email},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func Test_NewTokenSource_validation(t *testing.T) {
	logger := testutil.TestLogger(t)

	_, err := NewTokenSource("", Credentials{Email: "a@b.c", Password: "p"}, logger)
	assert.Error(t, err, "expected error for empty base url")

	_, err = NewTokenSource("http://localhost", Credentials{}, logger)
	assert.Error(t, err, "expected error for empty credentials")
}

func Test_Token_cachesUntilExpiry(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, time.Hour, &logins)

	ts, err := NewTokenSource(srv.URL, Credentials{Email: "mentee@example.com", Password: "password"}, testutil.TestLogger(t))
	require.NoError(t, err)

	tok1, err := ts.Token(context.Background())
	require.NoError(t, err, "expected first token fetch to succeed")
	require.NotEmpty(t, tok1)

	tok2, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2, "expected the cached token to be reused")
	assert.Equal(t, int32(1), logins.Load(), "expected a single login for a fresh token")

	user := ts.User()
	assert.Equal(t, "u-1", user.Id, "expected user from the login response")
	assert.Equal(t, "mentee", user.Username)
}

func Test_Token_refreshesNearExpiry(t *testing.T) {
	var logins atomic.Int32
	// Tokens expire inside the leeway window, so every call must refresh.
	srv := loginServer(t, time.Second, &logins)

	ts, err := NewTokenSource(srv.URL, Credentials{Email: "mentee@example.com", Password: "password"}, testutil.TestLogger(t))
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), logins.Load(), "expected a refresh for a near-expiry token")
}

func Test_Invalidate_forcesRelogin(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, time.Hour, &logins)

	ts, err := NewTokenSource(srv.URL, Credentials{Email: "mentee@example.com", Password: "password"}, testutil.TestLogger(t))
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	require.NoError(t, err)

	ts.Invalidate()

	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load(), "expected invalidate to force a new login")
}

func Test_Token_loginFailure(t *testing.T) {
	var logins atomic.Int32
	srv := loginServer(t, time.Hour, &logins)

	ts, err := NewTokenSource(srv.URL, Credentials{Email: "mentee@example.com", Password: "wrong"}, testutil.TestLogger(t))
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	assert.Error(t, err, "expected login rejection to surface")
	assert.Zero(t, logins.Load())
}

func Test_tokenExpiry(t *testing.T) {
	logger := testutil.TestLogger(t)

	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	got := tokenExpiry(mintToken(t, "u-1", exp), logger)
	assert.True(t, got.Equal(exp), "expected expiry read from the exp claim")

	// Opaque tokens fall back to the default ttl.
	got = tokenExpiry("not-a-jwt", logger)
	assert.WithinDuration(t, time.Now().Add(defaultTokenTTL), got, time.Minute,
		"expected the default ttl for unparsable tokens")
}
