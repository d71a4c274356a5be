package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSettings_Validate(t *testing.T) {
	valid := RuntimeSettings{
		APIURL:   "http://localhost:8080",
		CronExpr: "*/5 * * * *",
		Input:    "hello",
	}
	require.NoError(t, valid.Validate())

	invalid := valid
	invalid.CronExpr = "bad cron"
	require.Error(t, invalid.Validate())

	blank := valid
	blank.Input = "  "
	require.Error(t, blank.Validate())

	transport := valid
	transport.Transport = "carrier-pigeon"
	require.Error(t, transport.Validate())
}

func TestRuntimeSettingsFile_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "settings", "schedule.json")
	input := RuntimeSettings{
		APIURL:    "http://localhost:8080",
		Transport: TransportWebSocket,
		CronExpr:  "0 0 * * *",
		Input:     "nightly batch",
	}

	require.NoError(t, WriteRuntimeSettingsFile(filePath, input))

	got, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, input, got)

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	_, err = os.Stat(filePath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadRuntimeSettingsFile_RejectsInvalid(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "schedule.json")
	require.NoError(t, os.WriteFile(filePath, []byte(`{"cron_expr":"","input":"x"}`), 0o600))

	_, err := LoadRuntimeSettingsFile(filePath)
	require.Error(t, err)
}

func TestWithRuntimeSettings_OverridesConfig(t *testing.T) {
	t.Setenv("STRPROC_API_URL", "http://env.example")
	t.Setenv("CHANNEL_TRANSPORT", "sse")

	override := RuntimeSettings{
		APIURL:    "http://file.example",
		Transport: TransportWebSocket,
		CronExpr:  "@hourly",
		Input:     "x",
	}

	cfg, err := NewFromEnv(WithRuntimeSettings(override))
	require.NoError(t, err)
	assert.Equal(t, "http://file.example", cfg.API.URL)
	assert.Equal(t, TransportWebSocket, cfg.Channel.Transport)

	cfg, err = NewFromEnv(WithRuntimeSettings(RuntimeSettings{}))
	require.NoError(t, err)
	assert.Equal(t, "http://env.example", cfg.API.URL)
}
