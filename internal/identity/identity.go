package identity

import (
	"context"
	"net/http"
	"strings"
)

// Headers set by the OAuth proxy in front of the gateway
const (
	HeaderBidderID       = "X-Bidder-Id"
	HeaderBidderNickname = "X-Bidder-Nickname"
	HeaderOperator       = "X-Operator"
)

// Principal is the caller of a request
type Principal struct {
	Identity string
	Nickname string
	Operator bool
}

type ctxKey struct{}

// WithPrincipal attaches p to ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the request principal. ok is false for anonymous
// requests.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	if !ok || p.Identity == "" {
		return Principal{}, false
	}
	return p, true
}

// Middleware reads the principal from the proxy headers. When operators is
// non-empty the operator flag is honoured only for identities on that list.
func Middleware(operators []string) func(http.Handler) http.Handler {
	allowed := newOperatorSet(operators)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderBidderID))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			p := Principal{
				Identity: id,
				Nickname: strings.TrimSpace(r.Header.Get(HeaderBidderNickname)),
				Operator: strings.EqualFold(r.Header.Get(HeaderOperator), "true"),
			}
			p.Operator = allowed.permits(p)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

type operatorSet map[string]struct{}

func newOperatorSet(ids []string) operatorSet {
	set := make(operatorSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// permits reports whether p may act as operator. An empty set trusts the
// claimed flag.
func (s operatorSet) permits(p Principal) bool {
	if !p.Operator {
		return false
	}
	if len(s) == 0 {
		return true
	}
	_, ok := s[p.Identity]
	return ok
}
