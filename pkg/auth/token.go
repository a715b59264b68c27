package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenProvider yields the bearer token attached to admin calls. An empty
// token with a nil error means "send no Authorization header".
type TokenProvider func(ctx context.Context) (string, error)

type contextKey string

const tokenContextKey contextKey = "bearer-token"

var ErrNoToken = errors.New("no bearer token available")

// Static returns a provider that always yields token.
func Static(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// FromTokenSource adapts an oauth2.TokenSource. The source is wrapped in
// oauth2.ReuseTokenSource so tokens are fetched again only after expiry.
func FromTokenSource(src oauth2.TokenSource) TokenProvider {
	reuse := oauth2.ReuseTokenSource(nil, src)
	return func(context.Context) (string, error) {
		tok, err := reuse.Token()
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}
}

// ClientCredentials builds a provider using the OAuth2 client credentials grant.
func ClientCredentials(ctx context.Context, tokenURL, clientID, clientSecret string, scopes []string) (TokenProvider, error) {
	if tokenURL == "" || clientID == "" {
		return nil, errors.New("oauth2 client credentials configuration incomplete")
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return FromTokenSource(cfg.TokenSource(ctx)), nil
}

// WithToken stores a caller-supplied token on the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// TokenFromContext returns the token stored by WithToken.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenContextKey).(string)
	return tok, ok && tok != ""
}

// FromContext forwards the token that the gateway extracted from the incoming
// request. Missing tokens yield ErrNoToken.
func FromContext() TokenProvider {
	return func(ctx context.Context) (string, error) {
		if tok, ok := TokenFromContext(ctx); ok {
			return tok, nil
		}
		return "", ErrNoToken
	}
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		tok := strings.TrimSpace(header[7:])
		return tok, tok != ""
	}
	return "", false
}
