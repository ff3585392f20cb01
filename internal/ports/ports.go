package ports

import (
	"context"
	"io"
	"time"

	"earshot/internal/domain"
)

// AnnounceVisibility captures the platform's background announce capability.
// A foreground-only announcer hides its identity token from background
// scanners on the other platform; the handshake exists to cover that gap.
type AnnounceVisibility string

const (
	AnnounceVisibleAlways         AnnounceVisibility = "always"
	AnnounceVisibleForegroundOnly AnnounceVisibility = "foreground_only"
)

// Announcement describes what the advertise role should broadcast.
type Announcement struct {
	ServiceID  string
	Token      string
	Visibility AnnounceVisibility
}

// Advertiser broadcasts this device's presence. Duty-cycle throttling by the
// OS is accepted; StartAnnounce configures the least restrictive mode the
// platform offers.
type Advertiser interface {
	StartAnnounce(ctx context.Context, ann Announcement) error
	StopAnnounce() error
}

// Advertisement is a raw discovery result delivered by a scan window.
type Advertisement struct {
	Handle           domain.PeerHandle
	ServiceIDs       []string
	RSSI             int
	AdvertisedUserID string
	ObservedAt       time.Time
}

// ScanConfig bounds one scan window.
type ScanConfig struct {
	ServiceID string
	Window    time.Duration
}

// ScanRunner executes one bounded scan window. The returned channel is
// closed when the window fully terminates; callers must drain it before
// starting the next window or risk OS restart throttling. Hardware
// service-ID filtering is best effort and may be ignored by the platform.
type ScanRunner interface {
	RunScan(ctx context.Context, cfg ScanConfig) (<-chan Advertisement, error)
}

// PeerConnection is one point-to-point link used for the token handshake.
// Every method is bounded by its context; Close always releases the link.
type PeerConnection interface {
	DiscoverTokenService(ctx context.Context) error
	ReadToken(ctx context.Context) (string, error)
	WriteToken(ctx context.Context, token string) error
	Close() error
}

// PeerConnector opens point-to-point connections to discovered handles.
type PeerConnector interface {
	Connect(ctx context.Context, handle domain.PeerHandle) (PeerConnection, error)
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing encoded audio bytes.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// Connectivity reports network availability. Changes delivers edge events;
// the sync engine also runs a periodic safety net in case one is missed.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// LocationSource resolves the current position, when permitted. A nil point
// with nil error means location is unavailable right now.
type LocationSource interface {
	Current(ctx context.Context) (*domain.GeoPoint, error)
}

// TokenSource supplies the bearer token for backend calls. Token storage
// and refresh live outside this subsystem.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// EventSink receives subsystem state changes and diagnostics for the
// embedding layer (UI bridge, logging, notifications).
type EventSink interface {
	ProximityChanged(handle domain.PeerHandle, state domain.ProximityState, reason domain.ProximityReason)
	ResolutionStageChanged(handle domain.PeerHandle, stage domain.ResolutionStage)
	RecordingStateChanged(state domain.RecordingState, reason domain.RecordingReason)
	SyncStatusChanged(localID string, status domain.SyncStatus)
	SubsystemError(code domain.ErrorCode, detail string)
}
