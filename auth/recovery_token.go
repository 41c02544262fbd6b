package auth

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// TokenEncoding records where a recovery token was found in the landing URL.
type TokenEncoding string

const (
	TokenInFragment TokenEncoding = "fragment" // #access_token=...&type=recovery
	TokenInQuery    TokenEncoding = "query"    // ?code=... or ?token_hash=...
)

// RecoveryToken is a recovery token normalized from either link encoding.
type RecoveryToken struct {
	Value    string
	Encoding TokenEncoding
}

// ParseRecoveryURL extracts the recovery token from a landing URL. The fragment form wins
// when both are present. Error parameters sent by the identity service (for example an
// expired link) are reported as ErrExpiredOrInvalidToken.
func ParseRecoveryURL(rawURL string) (RecoveryToken, error) {
	const op = "auth.ParseRecoveryURL"

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return RecoveryToken{}, fail(op, ErrExpiredOrInvalidToken, errors.Wrap(err, "malformed url"))
	}

	fragment, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return RecoveryToken{}, fail(op, ErrExpiredOrInvalidToken, errors.Wrap(err, "malformed fragment"))
	}
	query := u.Query()

	for _, params := range []url.Values{fragment, query} {
		if desc := firstNonEmpty(params.Get("error_description"), params.Get("error")); desc != "" {
			return RecoveryToken{}, fail(op, ErrExpiredOrInvalidToken, errors.New(desc))
		}
	}

	if tok := fragment.Get("access_token"); tok != "" {
		if t := fragment.Get("type"); t != "" && t != "recovery" {
			return RecoveryToken{}, fail(op, ErrExpiredOrInvalidToken, errors.Errorf("unexpected link type %q", t))
		}
		return RecoveryToken{Value: tok, Encoding: TokenInFragment}, nil
	}
	if tok := firstNonEmpty(query.Get("code"), query.Get("token_hash")); tok != "" {
		return RecoveryToken{Value: tok, Encoding: TokenInQuery}, nil
	}
	return RecoveryToken{}, fail(op, ErrExpiredOrInvalidToken, errors.New("no recovery token in url"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
