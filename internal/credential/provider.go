package credential

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Provider hands out the current access token. It is called on every
// connect, reconnect and request, never cached by callers. An empty token
// means "no credential": the request goes out unauthenticated.
type Provider interface {
	Credential(ctx context.Context) (string, error)
}

type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Credential(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always returns the same token.
type Static string

func (s Static) Credential(context.Context) (string, error) {
	return string(s), nil
}

// File re-reads a token file on every call so that an external refresher
// can rotate it underneath a long-lived session.
type File struct {
	Path string
}

func (f File) Credential(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// TokenSource adapts an oauth2.TokenSource. Concurrent callers share one
// in-flight refresh.
type TokenSource struct {
	src   oauth2.TokenSource
	group singleflight.Group
}

func FromTokenSource(src oauth2.TokenSource) *TokenSource {
	return &TokenSource{src: oauth2.ReuseTokenSource(nil, src)}
}

func (t *TokenSource) Credential(ctx context.Context) (string, error) {
	ch := t.group.DoChan("token", func() (any, error) {
		tok, err := t.src.Token()
		if err != nil {
			return "", err
		}
		if tok == nil || !tok.Valid() {
			return "", nil
		}
		return tok.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("fetch token: %w", res.Err)
		}
		return res.Val.(string), nil
	}
}

// Authorize fetches a fresh credential and sets the bearer header on req.
func Authorize(ctx context.Context, p Provider, req *http.Request) error {
	if p == nil {
		return nil
	}
	token, err := p.Credential(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
