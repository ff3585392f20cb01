package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildWithInjectedRadio(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "earshot")
	t.Setenv("EARSHOT_DATA_DIR", dataDir)

	services, err := Build(context.Background(), External{Radio: &Radio{}})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer services.Close()

	if services.Store == nil {
		t.Fatalf("expected store")
	}
	if services.API == nil {
		t.Fatalf("expected backend client")
	}
	if services.Capture == nil {
		t.Fatalf("expected audio capture")
	}
	if _, err := os.Stat(dataDir); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestBuildFailsWithoutRadioDaemon(t *testing.T) {
	t.Setenv("EARSHOT_DATA_DIR", filepath.Join(t.TempDir(), "earshot"))
	t.Setenv("EARSHOT_RADIO_URL", "ws://127.0.0.1:1/radio")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Build(ctx, External{}); err == nil {
		t.Fatalf("expected dial failure with no daemon listening")
	}
}
