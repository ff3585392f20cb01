package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.API.BaseURL != "http://localhost:8000/api/v1" {
		t.Fatalf("unexpected api base: %q", cfg.API.BaseURL)
	}
	if cfg.Proximity.ConnectRSSI != -65 || cfg.Proximity.DisconnectRSSI != -75 {
		t.Fatalf("unexpected thresholds: %+v", cfg.Proximity)
	}
	if cfg.Proximity.ConnectSustain != 5*time.Second {
		t.Fatalf("unexpected sustain: %v", cfg.Proximity.ConnectSustain)
	}
	if cfg.Scan.ServiceID == "" {
		t.Fatalf("expected a default service id")
	}
	if cfg.Recording.MaxDuration != 2*time.Hour {
		t.Fatalf("unexpected recording ceiling: %v", cfg.Recording.MaxDuration)
	}
	if !strings.HasPrefix(cfg.Recording.AudioDir, cfg.DataDir) {
		t.Fatalf("audio dir %q should live under data dir %q", cfg.Recording.AudioDir, cfg.DataDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EARSHOT_API_BASE", "https://api.example.com/v1")
	t.Setenv("EARSHOT_CONNECT_RSSI", "-60")
	t.Setenv("EARSHOT_DISCONNECT_RSSI", "-70")
	t.Setenv("EARSHOT_SCAN_WINDOW_MS", "4000")
	t.Setenv("EARSHOT_DATA_DIR", filepath.Join(home, "custom"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.API.BaseURL != "https://api.example.com/v1" {
		t.Fatalf("unexpected api base: %q", cfg.API.BaseURL)
	}
	if cfg.Proximity.ConnectRSSI != -60 || cfg.Proximity.DisconnectRSSI != -70 {
		t.Fatalf("unexpected thresholds: %+v", cfg.Proximity)
	}
	if cfg.Scan.Window != 4*time.Second {
		t.Fatalf("unexpected scan window: %v", cfg.Scan.Window)
	}
	if cfg.DataDir != filepath.Join(home, "custom") {
		t.Fatalf("unexpected data dir: %q", cfg.DataDir)
	}
}

func TestLoadRestoresHysteresisWhenInverted(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EARSHOT_CONNECT_RSSI", "-80")
	t.Setenv("EARSHOT_DISCONNECT_RSSI", "-60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Proximity.ConnectRSSI <= cfg.Proximity.DisconnectRSSI {
		t.Fatalf("connect threshold must sit above disconnect: %+v", cfg.Proximity)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EARSHOT_SAMPLE_RATE", "not-a-number")
	t.Setenv("EARSHOT_SCAN_WINDOW_MS", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate: %d", cfg.Audio.SampleRate)
	}
	if cfg.Scan.Window != 10*time.Second {
		t.Fatalf("unexpected scan window: %v", cfg.Scan.Window)
	}
}
