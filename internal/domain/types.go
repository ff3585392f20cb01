package domain

import "time"

// PeerHandle is the transport-layer radio identifier for a nearby device.
// It is platform-assigned and unstable; it is never a user identity.
type PeerHandle string

// SignalSample is one raw strength observation for a peer handle.
type SignalSample struct {
	Handle     PeerHandle `json:"handle"`
	RSSI       int        `json:"rssi"`
	ObservedAt time.Time  `json:"observedAt"`

	// AdvertisedUserID is set when the announcing side was able to embed
	// its identity token in the advertisement (foreground announce mode).
	AdvertisedUserID string `json:"advertisedUserId,omitempty"`
}

// Trend classifies the smoothed strength direction for a handle.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendSteady  Trend = "steady"
)

// FilteredProximity is the smoothed view of one handle's signal.
type FilteredProximity struct {
	Handle   PeerHandle `json:"handle"`
	Smoothed float64    `json:"smoothed"`
	Trend    Trend      `json:"trend"`
}

// ProximityState models the per-handle proximity lifecycle.
type ProximityState string

const (
	ProximityIdle          ProximityState = "idle"
	ProximityDetected      ProximityState = "detected"
	ProximityConnected     ProximityState = "connected"
	ProximityRecording     ProximityState = "recording"
	ProximityDisconnecting ProximityState = "disconnecting"
)

// ProximityReason explains a proximity state transition for observers.
type ProximityReason string

const (
	ProximityReasonFirstSample         ProximityReason = "first_sample"
	ProximityReasonSustainedSignal     ProximityReason = "sustained_signal"
	ProximityReasonSignalDropped       ProximityReason = "signal_dropped"
	ProximityReasonSignalRecovered     ProximityReason = "signal_recovered"
	ProximityReasonHandleExpired       ProximityReason = "handle_expired"
	ProximityReasonPeerLost            ProximityReason = "peer_lost"
	ProximityReasonRecordingAuthorized ProximityReason = "recording_authorized"
	ProximityReasonRecordingEnded      ProximityReason = "recording_ended"
	ProximityReasonCapturePaused       ProximityReason = "capture_paused"
	ProximityReasonRecordingSlotBusy   ProximityReason = "recording_slot_busy"
	ProximityReasonSubsystemStopped    ProximityReason = "subsystem_stopped"
)

// ResolutionStage tracks the identity chain for one peer handle.
type ResolutionStage string

const (
	StageObserved    ResolutionStage = "observed"
	StageHandshaking ResolutionStage = "handshaking"
	StageResolved    ResolutionStage = "resolved"
	StageProfiled    ResolutionStage = "profiled"
	StageAuthorized  ResolutionStage = "authorized"
	StageFailed      ResolutionStage = "failed"
	StageBlocked     ResolutionStage = "blocked"
)

// PeerProfile is the backend-resolved display profile for a peer identity.
type PeerProfile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	IsAnonymous bool   `json:"isAnonymous"`
}

// AnonymousProfile is the placeholder bound to a resolved identity whose
// profile fetch failed or whose owner opted into anonymity.
func AnonymousProfile(userID string) PeerProfile {
	return PeerProfile{UserID: userID, IsAnonymous: true}
}

// RecordingState models the audio capture lifecycle.
type RecordingState string

const (
	RecordingIdle    RecordingState = "idle"
	RecordingPending RecordingState = "pending"
	RecordingActive  RecordingState = "recording"
	RecordingPaused  RecordingState = "paused"
	RecordingError   RecordingState = "error"
)

// RecordingReason explains a recording state transition.
type RecordingReason string

const (
	RecordingReasonLinking        RecordingReason = "linking"
	RecordingReasonIdentityReady  RecordingReason = "identity_ready"
	RecordingReasonPeerLost       RecordingReason = "peer_lost"
	RecordingReasonCeilingReached RecordingReason = "ceiling_reached"
	RecordingReasonManualStop     RecordingReason = "manual_stop"
	RecordingReasonInterrupted    RecordingReason = "interrupted"
	RecordingReasonResumed        RecordingReason = "resumed"
	RecordingReasonCaptureFailed  RecordingReason = "capture_failed"
	RecordingReasonSlotBusy       RecordingReason = "slot_busy"
)

// SyncStatus is the client-side upload pipeline status of a session row.
type SyncStatus string

const (
	SyncPending      SyncStatus = "pending"
	SyncUploading    SyncStatus = "uploading"
	SyncUploaded     SyncStatus = "uploaded"
	SyncTranscribing SyncStatus = "transcribing"
	SyncCompleted    SyncStatus = "completed"
	SyncFailed       SyncStatus = "failed"
)

// ErrorCode identifies non-fatal and fatal subsystem errors.
type ErrorCode string

const (
	ErrorCodeStartup   ErrorCode = "startup"
	ErrorCodeScan      ErrorCode = "scan"
	ErrorCodeAnnounce  ErrorCode = "announce"
	ErrorCodeHandshake ErrorCode = "handshake"
	ErrorCodeProfile   ErrorCode = "profile"
	ErrorCodeCapture   ErrorCode = "capture"
	ErrorCodeStore     ErrorCode = "store"
	ErrorCodeUpload    ErrorCode = "upload"
	ErrorCodePoll      ErrorCode = "poll"
	ErrorCodeBlocklist ErrorCode = "blocklist"
)

// GeoPoint is an optional capture location attached to a session.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Status summarizes the subsystem for embedding callers.
type Status struct {
	Running        bool           `json:"running"`
	Visible        bool           `json:"visible"`
	Recording      RecordingState `json:"recording"`
	ActivePeer     PeerHandle     `json:"activePeer,omitempty"`
	TrackedHandles int            `json:"trackedHandles"`
}
