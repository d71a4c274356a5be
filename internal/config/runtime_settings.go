package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
)

const DefaultRuntimeSettingsFile = "strproc-schedule.json"

// RuntimeSettings is the persisted setup of a scheduled submission.
type RuntimeSettings struct {
	APIURL    string `json:"api_url,omitempty"`
	Transport string `json:"transport,omitempty"`
	CronExpr  string `json:"cron_expr"`
	Input     string `json:"input"`
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.CronExpr) == "" {
		return fmt.Errorf("cron_expr is required")
	}
	if _, err := cron.ParseStandard(s.CronExpr); err != nil {
		return fmt.Errorf("invalid cron_expr: %w", err)
	}
	if strings.TrimSpace(s.Input) == "" {
		return fmt.Errorf("input is required")
	}
	switch s.Transport {
	case "", TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("invalid transport %q", s.Transport)
	}
	return nil
}

// WithRuntimeSettings overlays the non-empty connection fields of settings.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.APIURL) != "" {
			c.API.URL = settings.APIURL
		}
		if strings.TrimSpace(settings.Transport) != "" {
			c.Channel.Transport = settings.Transport
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

// WriteRuntimeSettingsFile validates settings and replaces path atomically.
func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
