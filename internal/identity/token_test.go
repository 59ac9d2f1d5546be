package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(secret, Principal{Identity: "alice", Nickname: "Al", Operator: true}, time.Hour, time.Now())
	require.NoError(t, err)

	p, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{Identity: "alice", Nickname: "Al", Operator: true}, p)
}

func TestParseTokenRejects(t *testing.T) {
	expired, err := IssueToken(secret, Principal{Identity: "alice"}, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	forged, err := IssueToken([]byte("other"), Principal{Identity: "alice"}, time.Hour, time.Now())
	require.NoError(t, err)
	anonymous, err := IssueToken(secret, Principal{}, time.Hour, time.Now())
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":    expired,
		"forged":     forged,
		"no subject": anonymous,
		"garbage":    "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(secret, tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestBearerMiddleware(t *testing.T) {
	var got Principal
	var seen bool
	h := BearerMiddleware(secret, []string{"ops"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, seen = FromContext(r.Context())
	}))

	serve := func(auth string) int {
		got, seen = Principal{}, false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve(""))
	assert.False(t, seen)

	assert.Equal(t, http.StatusUnauthorized, serve("Bearer nonsense"))

	// operator flag honoured only for listed identities
	tok, err := IssueToken(secret, Principal{Identity: "mallory", Operator: true}, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve("Bearer "+tok))
	assert.True(t, seen)
	assert.Equal(t, "mallory", got.Identity)
	assert.False(t, got.Operator)

	tok, err = IssueToken(secret, Principal{Identity: "ops", Operator: true}, time.Hour, time.Now())
	require.NoError(t, err)
	serve("Bearer " + tok)
	assert.True(t, got.Operator)
}
