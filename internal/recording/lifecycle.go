package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"earshot/internal/domain"
	"earshot/internal/ports"
	"earshot/internal/store"
)

var (
	ErrRecorderBusy = errors.New("recording: another session is active")
	ErrNotPending   = errors.New("recording: no pending session to start")
	ErrNotActive    = errors.New("recording: no active session")
)

// SessionStore is the slice of the local store the recorder needs.
type SessionStore interface {
	CreateSession(session *store.ConversationSession) error
	SetPeer(localID string, peerID string, displayName string, anonymous bool) error
	FinalizeSession(localID string, endedAt time.Time, duration time.Duration, audioPath string) error
	DeleteSession(localID string) error
}

// Peer is the identity a session gets bound to. Recording never starts
// against a bare transport handle.
type Peer struct {
	Handle      domain.PeerHandle
	UserID      string
	DisplayName string
	Anonymous   bool
}

// Config carries capture parameters.
type Config struct {
	AudioDir    string
	MaxDuration time.Duration
	Audio       ports.AudioConfig
}

// Recorder owns the audio capture session bound to one identity-resolved
// peer. At most one session exists at a time; a second link request while
// one is pending or active is rejected, not queued. Every session that
// captured any audio is finalized and handed off, including error paths.
type Recorder struct {
	capture  ports.AudioCapture
	sessions SessionStore
	location ports.LocationSource
	events   ports.EventSink
	cfg      Config

	// onStop observes session end for reasons that originate inside the
	// recorder (ceiling, capture failure) as well as explicit stops.
	onStop func(localID string, reason domain.RecordingReason)

	mu    sync.Mutex
	state domain.RecordingState
	cur   *activeSession
}

type activeSession struct {
	localID string
	peer    Peer
	file    *os.File
	path    string
	audio   ports.AudioSession
	started time.Time
	ceiling *time.Timer
	pumpWG  sync.WaitGroup

	// stopping marks a deliberate teardown so the pump does not report
	// the resulting read error as a capture failure.
	stopping bool
}

func NewRecorder(capture ports.AudioCapture, sessions SessionStore, location ports.LocationSource, events ports.EventSink, cfg Config, onStop func(localID string, reason domain.RecordingReason)) *Recorder {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 2 * time.Hour
	}
	if onStop == nil {
		onStop = func(string, domain.RecordingReason) {}
	}
	return &Recorder{
		capture:  capture,
		sessions: sessions,
		location: location,
		events:   events,
		cfg:      cfg,
		onStop:   onStop,
		state:    domain.RecordingIdle,
	}
}

// State reports the current lifecycle state.
func (r *Recorder) State() domain.RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Link moves the recorder to pending while identity resolution runs.
// Capture has not begun yet.
func (r *Recorder) Link(handle domain.PeerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.RecordingIdle {
		r.events.RecordingStateChanged(r.state, domain.RecordingReasonSlotBusy)
		return ErrRecorderBusy
	}
	r.state = domain.RecordingPending
	r.events.RecordingStateChanged(domain.RecordingPending, domain.RecordingReasonLinking)
	return nil
}

// Unlink cancels a pending session that never reached capture, for
// example when the peer is lost before identity resolution completes.
func (r *Recorder) Unlink() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.RecordingPending {
		return
	}
	r.state = domain.RecordingIdle
	r.events.RecordingStateChanged(domain.RecordingIdle, domain.RecordingReasonPeerLost)
}

// Start opens the capture session for a resolved peer: creates the local
// session row, starts the audio pump, and arms the ceiling timer.
func (r *Recorder) Start(ctx context.Context, peer Peer) error {
	r.mu.Lock()
	if r.state != domain.RecordingPending {
		r.mu.Unlock()
		return ErrNotPending
	}
	r.mu.Unlock()

	localID := uuid.NewString()
	row := &store.ConversationSession{
		LocalID:    localID,
		StartedAt:  time.Now().UTC(),
		SyncStatus: domain.SyncPending,
	}
	if r.location != nil {
		locCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if point, err := r.location.Current(locCtx); err == nil && point != nil {
			row.Latitude = &point.Latitude
			row.Longitude = &point.Longitude
		}
		cancel()
	}
	if err := r.sessions.CreateSession(row); err != nil {
		r.toIdleLocked(domain.RecordingReasonCaptureFailed)
		return fmt.Errorf("create session row: %w", err)
	}
	if err := r.sessions.SetPeer(localID, peer.UserID, peer.DisplayName, peer.Anonymous); err != nil {
		r.events.SubsystemError(domain.ErrorCodeStore, err.Error())
	}

	if err := os.MkdirAll(r.cfg.AudioDir, 0o755); err != nil {
		r.discard(localID)
		r.toIdleLocked(domain.RecordingReasonCaptureFailed)
		return fmt.Errorf("audio dir: %w", err)
	}
	path := filepath.Join(r.cfg.AudioDir, localID+".aac")
	file, err := os.Create(path)
	if err != nil {
		r.discard(localID)
		r.toIdleLocked(domain.RecordingReasonCaptureFailed)
		return fmt.Errorf("audio file: %w", err)
	}

	audio, err := r.capture.Start(ctx, r.cfg.Audio)
	if err != nil {
		file.Close()
		os.Remove(path)
		r.discard(localID)
		r.toIdleLocked(domain.RecordingReasonCaptureFailed)
		return fmt.Errorf("audio capture: %w", err)
	}

	cur := &activeSession{
		localID: localID,
		peer:    peer,
		file:    file,
		path:    path,
		audio:   audio,
		started: row.StartedAt,
	}
	cur.ceiling = time.AfterFunc(r.cfg.MaxDuration, func() {
		if err := r.Stop(domain.RecordingReasonCeilingReached); err != nil && !errors.Is(err, ErrNotActive) {
			r.events.SubsystemError(domain.ErrorCodeCapture, err.Error())
		}
	})

	r.mu.Lock()
	if r.state != domain.RecordingPending {
		// Torn down while we were setting up; the pump never ran, so the
		// file holds no audio and the row has nothing to upload.
		r.mu.Unlock()
		cur.ceiling.Stop()
		audio.Stop()
		file.Close()
		os.Remove(path)
		r.discard(localID)
		return ErrNotPending
	}
	r.cur = cur
	r.state = domain.RecordingActive
	r.mu.Unlock()

	r.startPump(cur)
	r.events.RecordingStateChanged(domain.RecordingActive, domain.RecordingReasonIdentityReady)
	return nil
}

// Pause halts capture without releasing the session. The file stays open
// and the peer keeps the recording slot.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	if r.state != domain.RecordingActive || r.cur == nil {
		r.mu.Unlock()
		return ErrNotActive
	}
	cur := r.cur
	cur.stopping = true
	r.state = domain.RecordingPaused
	r.mu.Unlock()

	cur.audio.Stop()
	cur.pumpWG.Wait()

	r.mu.Lock()
	cur.audio = nil
	cur.stopping = false
	r.mu.Unlock()

	r.events.RecordingStateChanged(domain.RecordingPaused, domain.RecordingReasonInterrupted)
	return nil
}

// Resume reopens capture after a transient interruption, appending to the
// same session file.
func (r *Recorder) Resume(ctx context.Context) error {
	r.mu.Lock()
	if r.state != domain.RecordingPaused || r.cur == nil {
		r.mu.Unlock()
		return ErrNotActive
	}
	cur := r.cur
	r.mu.Unlock()

	audio, err := r.capture.Start(ctx, r.cfg.Audio)
	if err != nil {
		r.fail(cur.localID, err)
		return fmt.Errorf("audio capture: %w", err)
	}

	r.mu.Lock()
	if r.state != domain.RecordingPaused || r.cur != cur {
		r.mu.Unlock()
		audio.Stop()
		return ErrNotActive
	}
	cur.audio = audio
	r.state = domain.RecordingActive
	r.mu.Unlock()

	r.startPump(cur)
	r.events.RecordingStateChanged(domain.RecordingActive, domain.RecordingReasonResumed)
	return nil
}

// Stop ends the session for the given reason and finalizes the row so the
// sync engine picks it up.
func (r *Recorder) Stop(reason domain.RecordingReason) error {
	r.mu.Lock()
	if (r.state != domain.RecordingActive && r.state != domain.RecordingPaused) || r.cur == nil {
		r.mu.Unlock()
		return ErrNotActive
	}
	cur := r.cur
	cur.stopping = true
	r.cur = nil
	r.state = domain.RecordingIdle
	r.mu.Unlock()

	r.teardown(cur)
	r.finalize(cur)
	r.events.RecordingStateChanged(domain.RecordingIdle, reason)
	r.onStop(cur.localID, reason)
	return nil
}

// fail handles an unrecoverable capture error. Whatever audio was captured
// is still finalized and handed off rather than discarded.
func (r *Recorder) fail(localID string, cause error) {
	r.mu.Lock()
	if r.cur == nil || r.cur.localID != localID || r.cur.stopping {
		r.mu.Unlock()
		return
	}
	cur := r.cur
	cur.stopping = true
	r.cur = nil
	r.state = domain.RecordingError
	r.mu.Unlock()

	r.events.SubsystemError(domain.ErrorCodeCapture, cause.Error())
	r.events.RecordingStateChanged(domain.RecordingError, domain.RecordingReasonCaptureFailed)

	r.teardown(cur)
	r.finalize(cur)

	r.mu.Lock()
	r.state = domain.RecordingIdle
	r.mu.Unlock()
	r.events.RecordingStateChanged(domain.RecordingIdle, domain.RecordingReasonCaptureFailed)
	r.onStop(cur.localID, domain.RecordingReasonCaptureFailed)
}

func (r *Recorder) startPump(cur *activeSession) {
	audio := cur.audio
	cur.pumpWG.Add(1)
	go func() {
		_, err := io.Copy(cur.file, audio)
		// Done before fail: fail tears the session down and waits on this
		// group, and the pump must not wait on itself.
		cur.pumpWG.Done()
		if err != nil && !errors.Is(err, io.EOF) {
			r.fail(cur.localID, err)
		}
	}()
}

func (r *Recorder) teardown(cur *activeSession) {
	if cur.ceiling != nil {
		cur.ceiling.Stop()
	}
	if cur.audio != nil {
		cur.audio.Stop()
	}
	cur.pumpWG.Wait()
	cur.file.Close()
}

func (r *Recorder) finalize(cur *activeSession) {
	endedAt := time.Now().UTC()
	duration := endedAt.Sub(cur.started)
	if err := r.sessions.FinalizeSession(cur.localID, endedAt, duration, cur.path); err != nil {
		r.events.SubsystemError(domain.ErrorCodeStore, err.Error())
	}
}

// discard removes a row whose capture never produced audio.
func (r *Recorder) discard(localID string) {
	if err := r.sessions.DeleteSession(localID); err != nil {
		r.events.SubsystemError(domain.ErrorCodeStore, err.Error())
	}
}

func (r *Recorder) toIdleLocked(reason domain.RecordingReason) {
	r.mu.Lock()
	r.state = domain.RecordingIdle
	r.mu.Unlock()
	r.events.RecordingStateChanged(domain.RecordingIdle, reason)
}
