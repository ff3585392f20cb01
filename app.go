package earshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"earshot/internal/backend"
	"earshot/internal/bootstrap"
	"earshot/internal/config"
	"earshot/internal/domain"
	"earshot/internal/exchange"
	"earshot/internal/identity"
	"earshot/internal/ports"
	"earshot/internal/proximity"
	"earshot/internal/recording"
	"earshot/internal/store"
	"earshot/internal/syncq"
)

// Service is the proximity recording subsystem: announce + scan, identity
// handshake, capture lifecycle, and the durable upload queue behind one
// facade. The embedding shell constructs exactly one Service, injects its
// platform ports, and observes everything through the EventSink.
type Service struct {
	cfg      config.Config
	events   ports.EventSink
	services bootstrap.Services

	machine    *proximity.Machine
	chain      *identity.Chain
	recorder   *recording.Recorder
	engine     *syncq.Engine
	handshaker *exchange.Handshaker
	scanLoop   *exchange.ScanLoop

	advertiser ports.Advertiser
	ownUserID  string

	mu           sync.Mutex
	running      bool
	visible      bool
	announcer    *exchange.Announcer
	activeHandle domain.PeerHandle
	runCtx       context.Context
	cancelRun    context.CancelFunc
	wg           sync.WaitGroup
}

// New assembles the subsystem. ownUserID is the stable identity token this
// device announces and exchanges during handshakes.
func New(ctx context.Context, ownUserID string, events ports.EventSink, ext bootstrap.External) (*Service, error) {
	if ownUserID == "" {
		return nil, errors.New("own user id is required")
	}
	services, err := bootstrap.Build(ctx, ext)
	if err != nil {
		events.SubsystemError(domain.ErrorCodeStartup, err.Error())
		return nil, err
	}
	cfg := services.Config

	s := &Service{
		cfg:        cfg,
		events:     events,
		services:   services,
		advertiser: services.Radio.Advertiser,
		ownUserID:  ownUserID,
	}

	s.machine = proximity.NewMachine(proximity.Config{
		ConnectRSSI:     cfg.Proximity.ConnectRSSI,
		DisconnectRSSI:  cfg.Proximity.DisconnectRSSI,
		ConnectSustain:  cfg.Proximity.ConnectSustain,
		DisconnectGrace: cfg.Proximity.DisconnectGrace,
		DetectTimeout:   cfg.Proximity.DetectTimeout,
		FilterHalfLife:  cfg.Proximity.FilterHalfLife,
	}, services.Store, s, events)

	s.handshaker = exchange.NewHandshaker(services.Radio.Connector, ownUserID, exchange.HandshakeConfig{
		ConnectTimeout:  cfg.Handshake.ConnectTimeout,
		DiscoverTimeout: cfg.Handshake.DiscoverTimeout,
		OpTimeout:       cfg.Handshake.OpTimeout,
	})
	s.chain = identity.NewChain(s.handshaker, profileSource{api: services.API}, services.Store, s.machine, events)

	s.recorder = recording.NewRecorder(services.Capture, services.Store, ext.Location, events, recording.Config{
		AudioDir:    cfg.Recording.AudioDir,
		MaxDuration: cfg.Recording.MaxDuration,
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
	}, s.recordingStopped)

	s.engine = syncq.NewEngine(services.Store, services.API, ext.Net, events, syncq.Config{
		UploadTick: cfg.Sync.UploadTick,
		PollTick:   cfg.Sync.PollTick,
	})

	s.scanLoop = exchange.NewScanLoop(services.Radio.Scanner, s.machine, events, exchange.ScanConfig{
		ServiceID:  cfg.Scan.ServiceID,
		Window:     cfg.Scan.Window,
		Pause:      cfg.Scan.Pause,
		MaxBackoff: cfg.Scan.MaxBackoff,
	})

	return s, nil
}

// Start brings the whole subsystem up: blocklist sync, proximity machine,
// announce and scan roles, and the upload engine.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.visible = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.cancelRun = cancel
	s.mu.Unlock()

	s.syncBlocklist(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.machine.Run()
	}()
	go func() {
		defer s.wg.Done()
		s.scanLoop.Run(runCtx)
	}()
	s.engine.Start()
	s.startAnnounce(ports.AnnounceVisibleAlways)
	return nil
}

// Stop takes the subsystem offline: scanning and announcing cease, any
// active session is finalized and left queued for upload, and the engine
// drains its in-flight work. The store and radio stay open so Start can
// bring everything back up; incognito is exactly this Stop/Start pair.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancelRun
	announcer := s.announcer
	s.announcer = nil
	s.mu.Unlock()

	cancel()
	if announcer != nil {
		announcer.Stop()
	}

	// Force-finalize an in-flight session before the machine goes away.
	if err := s.recorder.Stop(domain.RecordingReasonManualStop); err != nil && !errors.Is(err, recording.ErrNotActive) {
		s.events.SubsystemError(domain.ErrorCodeCapture, err.Error())
	}
	s.recorder.Unlink()

	s.machine.Stop()
	s.engine.Stop()
	s.wg.Wait()
}

// Close stops the subsystem if it is still running and releases the store,
// radio, and capture resources. The Service is done afterwards.
func (s *Service) Close() error {
	s.Stop()
	return s.services.Close()
}

// SetVisible switches between always-visible and foreground-only announce
// modes; platforms that hide background announcements from each other make
// this distinction meaningful.
func (s *Service) SetVisible(visible bool) {
	s.mu.Lock()
	if !s.running || s.visible == visible {
		s.mu.Unlock()
		return
	}
	s.visible = visible
	announcer := s.announcer
	s.announcer = nil
	s.mu.Unlock()

	if announcer != nil {
		announcer.Stop()
	}
	mode := ports.AnnounceVisibleAlways
	if !visible {
		mode = ports.AnnounceVisibleForegroundOnly
	}
	s.startAnnounce(mode)
}

// Status reports a snapshot for the embedding UI.
func (s *Service) Status() domain.Status {
	s.mu.Lock()
	running := s.running
	visible := s.visible
	s.mu.Unlock()

	tracked, recordingPeer := s.machine.Snapshot()
	return domain.Status{
		Running:        running,
		Visible:        visible,
		Recording:      s.recorder.State(),
		ActivePeer:     recordingPeer,
		TrackedHandles: tracked,
	}
}

// ManualStop ends the active session at the user's request.
func (s *Service) ManualStop() error {
	return s.recorder.Stop(domain.RecordingReasonManualStop)
}

// PauseCapture reflects a host audio interruption; the peer keeps the
// recording slot.
func (s *Service) PauseCapture() error {
	s.mu.Lock()
	handle := s.activeHandle
	s.mu.Unlock()
	if err := s.recorder.Pause(); err != nil {
		return err
	}
	s.machine.CapturePaused(handle)
	return nil
}

// ResumeCapture reopens capture after an interruption.
func (s *Service) ResumeCapture(ctx context.Context) error {
	s.mu.Lock()
	handle := s.activeHandle
	s.mu.Unlock()
	if err := s.recorder.Resume(ctx); err != nil {
		return err
	}
	s.machine.CaptureResumed(handle)
	return nil
}

// RetryFailed requeues every failed upload and returns how many were reset.
func (s *Service) RetryFailed() (int64, error) {
	return s.engine.RetryFailed()
}

// Retranscribe forces server-side reprocessing of a failed session. Debug
// builds only; the server rejects it otherwise.
func (s *Service) Retranscribe(ctx context.Context, localID string) error {
	row, err := s.services.Store.GetSession(localID)
	if err != nil {
		return err
	}
	if row.ServerID == nil {
		return backend.ErrSessionNotOnServer
	}
	return s.services.API.Retranscribe(ctx, *row.ServerID)
}

// Block adds a user to the blocklist, server-side and locally. A blocked
// peer never enters Detected again.
func (s *Service) Block(ctx context.Context, userID string) error {
	if err := s.services.API.Block(ctx, userID); err != nil {
		return err
	}
	s.syncBlocklist(ctx)
	return nil
}

// Unblock removes a user from the blocklist.
func (s *Service) Unblock(ctx context.Context, userID string) error {
	if err := s.services.API.Unblock(ctx, userID); err != nil {
		return err
	}
	s.syncBlocklist(ctx)
	return nil
}

// Sessions lists locally persisted sessions awaiting or past upload.
func (s *Service) Sessions() ([]store.ConversationSession, error) {
	return s.services.Store.AllSessions()
}

// PeerConnected implements proximity.Listener: reserve the recording slot
// and run the identity chain off the machine's loop.
func (s *Service) PeerConnected(h domain.PeerHandle) {
	if err := s.recorder.Link(h); err != nil {
		// Slot already held; this handle stays Connected and is dropped,
		// not queued.
		return
	}
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return
	}
	go func() {
		if err := s.chain.Resolve(runCtx, h); err != nil {
			s.recorder.Unlink()
		}
	}()
}

// RecordingStart implements proximity.Listener.
func (s *Service) RecordingStart(h domain.PeerHandle) {
	s.mu.Lock()
	s.activeHandle = h
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return
	}
	go s.beginCapture(runCtx, h)
}

// RecordingStop implements proximity.Listener: the machine lost the peer
// while a session was active or pending.
func (s *Service) RecordingStop(h domain.PeerHandle, _ domain.ProximityReason) {
	go func() {
		if err := s.recorder.Stop(domain.RecordingReasonPeerLost); errors.Is(err, recording.ErrNotActive) {
			s.recorder.Unlink()
		}
	}()
}

// PeerGone implements proximity.Listener.
func (s *Service) PeerGone(h domain.PeerHandle) {
	s.chain.Forget(h)
	go s.recorder.Unlink()
}

func (s *Service) beginCapture(ctx context.Context, h domain.PeerHandle) {
	res, ok := s.chain.Resolution(h)
	if !ok || res.Profile == nil {
		// Authorization without a profile should not happen; release the
		// slot rather than record against an unresolved handle.
		s.events.SubsystemError(domain.ErrorCodeCapture, fmt.Sprintf("no resolved identity for %s", h))
		s.recorder.Unlink()
		s.machine.RecordingEnded(h)
		return
	}
	peer := recording.Peer{
		Handle:      h,
		UserID:      res.UserID,
		DisplayName: res.Profile.DisplayName,
		Anonymous:   res.Profile.IsAnonymous,
	}
	if err := s.recorder.Start(ctx, peer); err != nil {
		s.machine.RecordingEnded(h)
		s.clearActive(h)
	}
}

// recordingStopped runs whenever a session finalizes, regardless of which
// side initiated it.
func (s *Service) recordingStopped(localID string, reason domain.RecordingReason) {
	s.engine.Kick()

	s.mu.Lock()
	handle := s.activeHandle
	s.activeHandle = ""
	s.mu.Unlock()

	// Peer loss came from the machine; every other reason originated here
	// and the machine still holds the slot.
	if reason != domain.RecordingReasonPeerLost && handle != "" {
		s.machine.RecordingEnded(handle)
	}
}

func (s *Service) clearActive(h domain.PeerHandle) {
	s.mu.Lock()
	if s.activeHandle == h {
		s.activeHandle = ""
	}
	s.mu.Unlock()
}

func (s *Service) startAnnounce(mode ports.AnnounceVisibility) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	announcer := exchange.NewAnnouncer(s.advertiser, s.events, ports.Announcement{
		ServiceID:  s.cfg.Scan.ServiceID,
		Token:      s.ownUserID,
		Visibility: mode,
	}, s.cfg.Scan.MaxBackoff)
	s.announcer = announcer
	runCtx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		announcer.Start(runCtx)
	}()
}

func (s *Service) syncBlocklist(ctx context.Context) {
	ids, err := s.services.API.ListBlocked(ctx)
	if err != nil {
		// Keep the last synced list; blocking decisions degrade to stale
		// rather than open.
		s.events.SubsystemError(domain.ErrorCodeBlocklist, err.Error())
		return
	}
	if err := s.services.Store.ReplaceBlocklist(ids); err != nil {
		s.events.SubsystemError(domain.ErrorCodeStore, err.Error())
	}
}

// profileSource adapts the backend client to the identity chain.
type profileSource struct {
	api *backend.Client
}

func (p profileSource) GetProfile(ctx context.Context, userID string) (domain.PeerProfile, error) {
	profile, err := p.api.GetProfile(ctx, userID)
	if err != nil {
		return domain.PeerProfile{}, err
	}
	return *profile, nil
}
