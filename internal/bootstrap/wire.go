package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"earshot/internal/audio"
	"earshot/internal/backend"
	"earshot/internal/config"
	"earshot/internal/ports"
	"earshot/internal/providers/simradio"
	"earshot/internal/store"
)

// Radio bundles the three radio roles. Mobile shells inject their native
// implementations; desktop development leaves it nil and gets the simradio
// bridge from config.
type Radio struct {
	Advertiser ports.Advertiser
	Scanner    ports.ScanRunner
	Connector  ports.PeerConnector
}

// External is everything the host platform supplies.
type External struct {
	Radio    *Radio
	Net      ports.Connectivity
	Location ports.LocationSource
	Tokens   ports.TokenSource
}

// Services is the assembled runtime graph.
type Services struct {
	Config  config.Config
	Store   *store.Store
	API     *backend.Client
	Capture ports.AudioCapture
	Radio   Radio

	closeRadio func() error
}

// Close releases the dialed radio bridge, if any.
func (s Services) Close() error {
	if s.closeRadio != nil {
		return s.closeRadio()
	}
	return nil
}

// Build wires all backend dependencies for the current runtime.
func Build(ctx context.Context, ext External) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return Services{}, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "earshot.db"))
	if err != nil {
		return Services{}, fmt.Errorf("open local store: %w", err)
	}

	services := Services{
		Config:  cfg,
		Store:   st,
		API:     backend.New(cfg.API.BaseURL, cfg.API.RequestTimeout, ext.Tokens),
		Capture: audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
	}

	if ext.Radio != nil {
		services.Radio = *ext.Radio
	} else {
		bridge, err := simradio.Dial(ctx, cfg.Radio.DaemonURL)
		if err != nil {
			return Services{}, fmt.Errorf("dial radio daemon: %w", err)
		}
		services.Radio = Radio{Advertiser: bridge, Scanner: bridge, Connector: bridge}
		services.closeRadio = bridge.Close
	}

	return services, nil
}
