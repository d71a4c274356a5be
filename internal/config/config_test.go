package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MimeLyc/strproc/internal/errors"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	t.Setenv("STRPROC_API_URL", "http://localhost:8080")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 3, cfg.API.SubmitRetries)
	assert.Equal(t, TransportSSE, cfg.Channel.Transport)
	assert.Equal(t, "/notifications", cfg.Channel.Path)
	assert.Equal(t, "0s,2s,5s,10s,15s", cfg.Backoff().String())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 200*time.Millisecond, cfg.Server.FragmentDelay)
	assert.Equal(t, 2, cfg.Server.Workers)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestNewFromEnv_FromEnvironment(t *testing.T) {
	t.Setenv("STRPROC_API_URL", "https://proc.example/base/")
	t.Setenv("API_TIMEOUT", "5")
	t.Setenv("API_SUBMIT_RETRIES", "0")
	t.Setenv("CHANNEL_TRANSPORT", "ws")
	t.Setenv("CHANNEL_BACKOFF", "1s,3s")
	t.Setenv("SERVER_FRAGMENT_DELAY", "10ms")
	t.Setenv("AUTH_TOKEN", "secret")
	t.Setenv("LOG_FILE", "/var/log/strproc.log")
	t.Setenv("SERVER_DB_PATH", "/var/lib/strproc/jobs.db")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/log/strproc.log", cfg.LogFile)
	assert.Equal(t, "/var/lib/strproc/jobs.db", cfg.Server.DBPath)

	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 0, cfg.API.SubmitRetries)
	assert.Equal(t, 3*time.Second, cfg.Backoff().Delay(7))
	assert.Equal(t, 10*time.Millisecond, cfg.Server.FragmentDelay)
	assert.Equal(t, "secret", cfg.Auth.Token)
	assert.NotContains(t, cfg.String(), "secret")

	u, err := cfg.ChannelURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://proc.example/base/notifications/ws", u)
}

func TestNewFromEnv_OptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("STRPROC_API_URL", "http://env.example")
	t.Setenv("CHANNEL_TRANSPORT", "ws")

	cfg, err := NewFromEnv(WithAPIURL("http://flag.example:9000"), WithTransport("sse"), WithToken("flag-token"))
	require.NoError(t, err)

	u, err := cfg.ChannelURL()
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example:9000/notifications", u)
	assert.Equal(t, "flag-token", cfg.Auth.Token)
}

func TestNewFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{name: "missing api url", env: map[string]string{"STRPROC_API_URL": ""}, field: "STRPROC_API_URL"},
		{name: "relative api url", env: map[string]string{"STRPROC_API_URL": "localhost:8080"}, field: "STRPROC_API_URL"},
		{name: "unknown transport", env: map[string]string{"CHANNEL_TRANSPORT": "grpc"}, field: "CHANNEL_TRANSPORT"},
		{name: "bad backoff", env: map[string]string{"CHANNEL_BACKOFF": "1s,-2s"}, field: "CHANNEL_BACKOFF"},
		{name: "no workers", env: map[string]string{"SERVER_WORKERS": "0"}, field: "SERVER_WORKERS"},
		{name: "relative path", env: map[string]string{"CHANNEL_PATH": "notifications"}, field: "CHANNEL_PATH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := tt.env["STRPROC_API_URL"]; !ok && tt.field != "STRPROC_API_URL" {
				t.Setenv("STRPROC_API_URL", "http://localhost:8080")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := NewFromEnv()
			require.Error(t, err)
			assert.True(t, apperrors.IsErrorType(err, apperrors.ErrConfig))

			var typed *apperrors.Error
			require.ErrorAs(t, err, &typed)
			assert.Equal(t, tt.field, typed.Context["field"])
		})
	}
}

func TestNewFromEnv_ServeWithoutAPI(t *testing.T) {
	t.Setenv("STRPROC_API_URL", "")

	cfg, err := NewFromEnv(WithoutAPI())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Server.Workers)
}

func TestNewFromEnv_RejectsMalformedNumber(t *testing.T) {
	t.Setenv("STRPROC_API_URL", "http://localhost:8080")
	t.Setenv("API_TIMEOUT", "soon")

	_, err := NewFromEnv()
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrConfig))
}
