package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration for the proximity subsystem.
type Config struct {
	API       APIConfig
	Proximity ProximityConfig
	Scan      ScanConfig
	Handshake HandshakeConfig
	Audio     AudioConfig
	Recording RecordingConfig
	Sync      SyncConfig
	Radio     RadioConfig
	DataDir   string
}

type APIConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

type ProximityConfig struct {
	// ConnectRSSI must be sustained for ConnectSustain before a handle is
	// considered connected. DisconnectRSSI sits below it so the boundary
	// does not oscillate.
	ConnectRSSI     float64
	DisconnectRSSI  float64
	ConnectSustain  time.Duration
	DisconnectGrace time.Duration
	DetectTimeout   time.Duration
	FilterHalfLife  time.Duration
}

type ScanConfig struct {
	ServiceID  string
	Window     time.Duration
	Pause      time.Duration
	MaxBackoff time.Duration
}

type HandshakeConfig struct {
	ConnectTimeout  time.Duration
	DiscoverTimeout time.Duration
	OpTimeout       time.Duration
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type RecordingConfig struct {
	MaxDuration time.Duration
	AudioDir    string
}

type SyncConfig struct {
	UploadTick time.Duration
	PollTick   time.Duration
}

// RadioConfig points at the development radio daemon used when no native
// radio implementation is injected.
type RadioConfig struct {
	DaemonURL string
}

// The well-known service identifier both roles agree on. Overridable for
// development radio bridges only.
const defaultServiceID = "8e4c2a1e-73df-4b5a-9d2f-506ad4a8f4e1"

// Load resolves configuration from the environment and sensible defaults.
// A .env file in the working directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	dataDir := envOrDefault("EARSHOT_DATA_DIR", filepath.Join(home, ".local", "share", "earshot"))

	cfg := Config{
		API: APIConfig{
			BaseURL:        envOrDefault("EARSHOT_API_BASE", "http://localhost:8000/api/v1"),
			RequestTimeout: envOrDefaultDuration("EARSHOT_API_TIMEOUT_MS", 15*time.Second),
		},
		Proximity: ProximityConfig{
			ConnectRSSI:     envOrDefaultFloat("EARSHOT_CONNECT_RSSI", -65),
			DisconnectRSSI:  envOrDefaultFloat("EARSHOT_DISCONNECT_RSSI", -75),
			ConnectSustain:  envOrDefaultDuration("EARSHOT_CONNECT_SUSTAIN_MS", 5*time.Second),
			DisconnectGrace: envOrDefaultDuration("EARSHOT_DISCONNECT_GRACE_MS", 10*time.Second),
			DetectTimeout:   envOrDefaultDuration("EARSHOT_DETECT_TIMEOUT_MS", 30*time.Second),
			FilterHalfLife:  envOrDefaultDuration("EARSHOT_FILTER_HALF_LIFE_MS", 4*time.Second),
		},
		Scan: ScanConfig{
			ServiceID:  envOrDefault("EARSHOT_SERVICE_ID", defaultServiceID),
			Window:     envOrDefaultDuration("EARSHOT_SCAN_WINDOW_MS", 10*time.Second),
			Pause:      envOrDefaultDuration("EARSHOT_SCAN_PAUSE_MS", 2*time.Second),
			MaxBackoff: envOrDefaultDuration("EARSHOT_SCAN_MAX_BACKOFF_MS", time.Minute),
		},
		Handshake: HandshakeConfig{
			ConnectTimeout:  envOrDefaultDuration("EARSHOT_HS_CONNECT_TIMEOUT_MS", 10*time.Second),
			DiscoverTimeout: envOrDefaultDuration("EARSHOT_HS_DISCOVER_TIMEOUT_MS", 5*time.Second),
			OpTimeout:       envOrDefaultDuration("EARSHOT_HS_OP_TIMEOUT_MS", 5*time.Second),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("EARSHOT_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("EARSHOT_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("EARSHOT_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("EARSHOT_SAMPLE_RATE", 16000),
			Channels:        envOrDefaultInt("EARSHOT_CHANNELS", 1),
		},
		Recording: RecordingConfig{
			MaxDuration: envOrDefaultDuration("EARSHOT_MAX_RECORDING_MS", 2*time.Hour),
			AudioDir:    envOrDefault("EARSHOT_AUDIO_DIR", filepath.Join(dataDir, "audio")),
		},
		Sync: SyncConfig{
			UploadTick: envOrDefaultDuration("EARSHOT_UPLOAD_TICK_MS", 5*time.Minute),
			PollTick:   envOrDefaultDuration("EARSHOT_POLL_TICK_MS", time.Minute),
		},
		Radio: RadioConfig{
			DaemonURL: envOrDefault("EARSHOT_RADIO_URL", "ws://localhost:9188/radio"),
		},
		DataDir: dataDir,
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Proximity.ConnectRSSI <= cfg.Proximity.DisconnectRSSI {
		// Hysteresis requires the connect threshold to sit above disconnect.
		cfg.Proximity.ConnectRSSI = -65
		cfg.Proximity.DisconnectRSSI = -75
	}
	if cfg.Recording.MaxDuration <= 0 {
		cfg.Recording.MaxDuration = 2 * time.Hour
	}

	return cfg, nil
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// Durations are configured in milliseconds to match mobile config surfaces.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
