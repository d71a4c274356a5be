package credential

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &oauth2.Token{
		AccessToken: "tok-" + string(rune('0'+n)),
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func TestTokenSource_ReusesValidToken(t *testing.T) {
	src := &countingSource{}
	p := FromTokenSource(src)

	first, err := p.Credential(context.Background())
	require.NoError(t, err)
	second, err := p.Credential(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestTokenSource_PropagatesError(t *testing.T) {
	p := FromTokenSource(&countingSource{err: errors.New("refresh denied")})
	_, err := p.Credential(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh denied")
}

func TestFile_RereadsOnEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	p := File{Path: path}

	tok, err := p.Credential(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok, "missing file means no credential")

	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))
	tok, err = p.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	tok, err = p.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestAuthorize(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)

	require.NoError(t, Authorize(context.Background(), Static("abc"), req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

	anon, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)
	require.NoError(t, Authorize(context.Background(), Static(""), anon))
	assert.Empty(t, anon.Header.Get("Authorization"))

	failing := ProviderFunc(func(context.Context) (string, error) { return "", errors.New("boom") })
	require.Error(t, Authorize(context.Background(), failing, anon))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
