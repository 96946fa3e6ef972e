package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

// parseWithArgs runs parseFlags against a synthetic command line.
func parseWithArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = append([]string{"smr"}, args...)
	return parseFlags()
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseWithArgs(t)
	if err != nil {
		t.Fatalf("parseFlags() with no arguments failed: %v", err)
	}

	if cfg.Index != 0 {
		t.Errorf("Index = %d, want 0", cfg.Index)
	}
	if cfg.Width != 640 || cfg.Height != 480 || cfg.Framerate != 25 {
		t.Errorf("capture geometry = %dx%d@%d, want 640x480@25", cfg.Width, cfg.Height, cfg.Framerate)
	}
	if cfg.ThresholdHigh != 0.02 || cfg.ThresholdLow != 0.01 {
		t.Errorf("thresholds = %v/%v, want 0.02/0.01", cfg.ThresholdHigh, cfg.ThresholdLow)
	}
	if cfg.FramesOn != 5 || cfg.FramesOff != 5 {
		t.Errorf("frame streaks = %d/%d, want 5/5", cfg.FramesOn, cfg.FramesOff)
	}
	if cfg.Lead != 2*time.Second || cfg.Trail != 4*time.Second {
		t.Errorf("lead/trail = %v/%v, want 2s/4s", cfg.Lead, cfg.Trail)
	}
	if cfg.AlertURL != "" {
		t.Errorf("AlertURL = %q, want empty (alerting disabled by default)", cfg.AlertURL)
	}
	if cfg.AlertCooldown != 5*time.Second {
		t.Errorf("AlertCooldown = %v, want 5s", cfg.AlertCooldown)
	}
	if cfg.ListenAddr != "127.0.0.1:8740" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:8740", cfg.ListenAddr)
	}
	if cfg.StreamFormat != ".jpg" {
		t.Errorf("StreamFormat = %q, want .jpg", cfg.StreamFormat)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.Overlay {
		t.Error("Overlay enabled by default, want disabled")
	}
}

func TestParseFlagsValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{
			name:    "valid live input",
			args:    []string{"-index", "1", "-overlay"},
			wantErr: false,
		},
		{
			name:    "valid file input",
			args:    []string{"-video", "input.mkv"},
			wantErr: false,
		},
		{
			name:    "index and video are mutually exclusive",
			args:    []string{"-index", "0", "-video", "input.mkv"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			args:    []string{"-logfmt", "xml"},
			wantErr: true,
		},
		{
			name:    "kv log format accepted",
			args:    []string{"-logfmt", "kv"},
			wantErr: false,
		},
		{
			name:    "low threshold above high",
			args:    []string{"-threshold-high", "0.01", "-threshold-low", "0.02"},
			wantErr: true,
		},
		{
			name:    "high threshold out of range",
			args:    []string{"-threshold-high", "1.5"},
			wantErr: true,
		},
		{
			name:    "zero frame streak",
			args:    []string{"-frames-on", "0"},
			wantErr: true,
		},
		{
			name:    "negative lead",
			args:    []string{"-lead", "-1s"},
			wantErr: true,
		},
		{
			name:    "zero lead accepted",
			args:    []string{"-lead", "0s"},
			wantErr: false,
		},
		{
			name:    "invalid stream format",
			args:    []string{"-stream-format", ".gif"},
			wantErr: true,
		},
		{
			name:    "png stream format accepted",
			args:    []string{"-stream-format", ".png"},
			wantErr: false,
		},
		{
			name:    "zero capture width",
			args:    []string{"-width", "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWithArgs(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseFlags(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestParseFlagsFileInputDisablesOverlay(t *testing.T) {
	cfg, err := parseWithArgs(t, "-video", "input.mkv", "-overlay")
	if err != nil {
		t.Fatalf("parseFlags() failed: %v", err)
	}
	if cfg.Overlay {
		t.Error("Overlay stayed enabled for file input, want forced off")
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		quiet  bool
	}{
		{"json format", "json", false},
		{"kv format", "kv", false},
		{"unknown format falls back to json", "other", false},
		{"quiet raises the level", "json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := setupLogger(tt.format, tt.quiet)
			if logger == nil {
				t.Fatal("setupLogger() returned nil")
			}
			if tt.quiet && logger.Enabled(context.Background(), slog.LevelInfo) {
				t.Error("quiet logger still enabled at info level")
			}
		})
	}
}
