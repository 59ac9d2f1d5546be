package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a bidder token
type Claims struct {
	Nickname string `json:"nickname,omitempty"`
	Operator bool   `json:"operator,omitempty"`
	jwt.RegisteredClaims
}

// ErrInvalidToken covers malformed, expired and wrongly signed tokens
var ErrInvalidToken = errors.New("invalid bearer token")

// IssueToken signs an HS256 token for p. Used by operators' tooling and tests.
func IssueToken(secret []byte, p Principal, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Nickname: p.Nickname,
		Operator: p.Operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a token and returns its principal
func ParseToken(secret []byte, raw string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, errors.Join(ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		Identity: strings.TrimSpace(claims.Subject),
		Nickname: strings.TrimSpace(claims.Nickname),
		Operator: claims.Operator,
	}, nil
}

// BearerMiddleware reads the principal from an HS256 Authorization bearer
// token instead of proxy headers. Requests without a token stay anonymous;
// a bad token is refused with 401.
func BearerMiddleware(secret []byte, operators []string) func(http.Handler) http.Handler {
	allowed := newOperatorSet(operators)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			p, err := ParseToken(secret, strings.TrimSpace(raw))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid bearer token"}`))
				return
			}
			p.Operator = allowed.permits(p)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
