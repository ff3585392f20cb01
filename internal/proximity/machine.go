package proximity

import (
	"sync"
	"time"

	"earshot/internal/domain"
	"earshot/internal/ports"
	"earshot/internal/signal"
)

// Blocklist answers whether a user id is blocked. Consulted before any
// sample is admitted so blocked peers never enter Detected.
type Blocklist interface {
	IsBlocked(userID string) bool
}

// Listener receives the transitions the rest of the subsystem acts on.
// Callbacks run on the machine's event loop and must not block.
type Listener interface {
	// PeerConnected fires on Detected -> Connected; the identity chain
	// starts here.
	PeerConnected(h domain.PeerHandle)
	// RecordingStart fires when a handle enters Recording.
	RecordingStart(h domain.PeerHandle)
	// RecordingStop fires when the recording handle is lost or expires.
	RecordingStop(h domain.PeerHandle, reason domain.ProximityReason)
	// PeerGone fires whenever a handle returns to Idle; per-handle
	// resolution state can be discarded.
	PeerGone(h domain.PeerHandle)
}

// Config holds the thresholds and windows driving transitions.
type Config struct {
	ConnectRSSI     float64
	DisconnectRSSI  float64
	ConnectSustain  time.Duration
	DisconnectGrace time.Duration
	DetectTimeout   time.Duration
	FilterHalfLife  time.Duration
	TickInterval    time.Duration
}

type tracker struct {
	state        domain.ProximityState
	aboveSince   time.Time
	belowSince   time.Time
	wasRecording bool

	// authorized defers a slot claim that arrived while the handle was in
	// Disconnecting; recording starts once the signal recovers.
	authorized bool
}

type eventKind int

const (
	evSample eventKind = iota
	evAuthorize
	evRecordingEnded
	evCapturePaused
	evCaptureResumed
)

type event struct {
	kind   eventKind
	sample domain.SignalSample
	handle domain.PeerHandle
}

// Machine owns one proximity lifecycle per tracked peer handle. All
// transitions for all handles are evaluated on a single goroutine fed by
// one inbound queue, so no two transitions for the same handle ever race.
type Machine struct {
	cfg      Config
	filter   *signal.Filter
	block    Blocklist
	events   ports.EventSink
	listener Listener

	in chan event

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	trackers  map[domain.PeerHandle]*tracker
	recording domain.PeerHandle
}

func NewMachine(cfg Config, block Blocklist, listener Listener, events ports.EventSink) *Machine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 30 * time.Second
	}
	return &Machine{
		cfg:      cfg,
		filter:   signal.NewFilter(cfg.FilterHalfLife, cfg.DetectTimeout),
		block:    block,
		events:   events,
		listener: listener,
		in:       make(chan event, 256),
		trackers: make(map[domain.PeerHandle]*tracker),
	}
}

// Run processes events until Stop is called. Run after Stop starts a fresh
// pass with no tracked handles; stale trackers from the previous pass do not
// survive an incognito toggle.
func (m *Machine) Run() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop, m.done = stop, done
	m.trackers = make(map[domain.PeerHandle]*tracker)
	m.recording = ""
	m.mu.Unlock()

	// Drop anything queued between runs.
drain:
	for {
		select {
		case <-m.in:
		default:
			break drain
		}
	}

	defer close(done)
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case ev := <-m.in:
			m.step(ev, time.Now())
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// Stop halts the event loop. In-flight recording finalization is the
// coordinator's responsibility.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

// Offer hands a raw sample to the machine. Never blocks; under burst the
// oldest unprocessed sample wins and the newest is dropped, which the
// filter tolerates.
func (m *Machine) Offer(s domain.SignalSample) {
	select {
	case m.in <- event{kind: evSample, sample: s}:
	default:
	}
}

// Authorize asks the machine to move a handle from Connected to Recording.
// Called by the coordinator once identity resolution succeeds.
func (m *Machine) Authorize(h domain.PeerHandle) {
	m.post(event{kind: evAuthorize, handle: h})
}

// RecordingEnded releases the recording slot after the lifecycle finalized
// a session for any reason other than peer loss.
func (m *Machine) RecordingEnded(h domain.PeerHandle) {
	m.post(event{kind: evRecordingEnded, handle: h})
}

// CapturePaused reflects an audio-subsystem interruption without peer loss.
func (m *Machine) CapturePaused(h domain.PeerHandle) {
	m.post(event{kind: evCapturePaused, handle: h})
}

// CaptureResumed returns a paused handle to Recording.
func (m *Machine) CaptureResumed(h domain.PeerHandle) {
	m.post(event{kind: evCaptureResumed, handle: h})
}

func (m *Machine) post(ev event) {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop == nil {
		select {
		case m.in <- ev:
		default:
		}
		return
	}
	select {
	case m.in <- ev:
	case <-stop:
	}
}

// Snapshot reports the current machine view for status queries.
func (m *Machine) Snapshot() (tracked int, recording domain.PeerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers), m.recording
}

func (m *Machine) step(ev event, now time.Time) {
	switch ev.kind {
	case evSample:
		m.handleSample(ev.sample, now)
	case evAuthorize:
		m.authorize(ev.handle)
	case evRecordingEnded:
		m.recordingEnded(ev.handle)
	case evCapturePaused:
		m.capturePaused(ev.handle)
	case evCaptureResumed:
		m.captureResumed(ev.handle)
	}
}

func (m *Machine) handleSample(s domain.SignalSample, now time.Time) {
	if s.AdvertisedUserID != "" && m.block != nil && m.block.IsBlocked(s.AdvertisedUserID) {
		return
	}

	fp := m.filter.Observe(s)

	m.mu.Lock()
	tr, ok := m.trackers[s.Handle]
	if !ok {
		tr = &tracker{state: domain.ProximityDetected}
		m.trackers[s.Handle] = tr
		m.mu.Unlock()
		m.events.ProximityChanged(s.Handle, domain.ProximityDetected, domain.ProximityReasonFirstSample)
		m.evalDetected(s.Handle, tr, fp, s.ObservedAt)
		return
	}
	m.mu.Unlock()

	switch tr.state {
	case domain.ProximityDetected:
		m.evalDetected(s.Handle, tr, fp, s.ObservedAt)
	case domain.ProximityConnected, domain.ProximityRecording:
		m.evalConnected(s.Handle, tr, fp, s.ObservedAt)
	case domain.ProximityDisconnecting:
		m.evalDisconnecting(s.Handle, tr, fp, s.ObservedAt)
	}
}

// evalDetected debounces the connect threshold: one strong sample is not
// enough, the smoothed value must stay above ConnectRSSI for ConnectSustain.
func (m *Machine) evalDetected(h domain.PeerHandle, tr *tracker, fp domain.FilteredProximity, at time.Time) {
	if fp.Smoothed < m.cfg.ConnectRSSI {
		tr.aboveSince = time.Time{}
		return
	}
	if tr.aboveSince.IsZero() {
		tr.aboveSince = at
		return
	}
	if at.Sub(tr.aboveSince) >= m.cfg.ConnectSustain {
		tr.state = domain.ProximityConnected
		tr.aboveSince = time.Time{}
		m.events.ProximityChanged(h, domain.ProximityConnected, domain.ProximityReasonSustainedSignal)
		m.listener.PeerConnected(h)
	}
}

func (m *Machine) evalConnected(h domain.PeerHandle, tr *tracker, fp domain.FilteredProximity, at time.Time) {
	if fp.Smoothed >= m.cfg.DisconnectRSSI {
		tr.belowSince = time.Time{}
		return
	}
	if tr.belowSince.IsZero() {
		tr.belowSince = at
	}
	tr.wasRecording = tr.state == domain.ProximityRecording
	tr.state = domain.ProximityDisconnecting
	m.events.ProximityChanged(h, domain.ProximityDisconnecting, domain.ProximityReasonSignalDropped)
	m.evalDisconnecting(h, tr, fp, at)
}

// evalDisconnecting applies the hysteretic grace: recovery before the grace
// period returns to the prior state, expiry of the grace drops to Idle.
func (m *Machine) evalDisconnecting(h domain.PeerHandle, tr *tracker, fp domain.FilteredProximity, at time.Time) {
	if fp.Smoothed >= m.cfg.DisconnectRSSI {
		prior := domain.ProximityConnected
		if tr.wasRecording {
			prior = domain.ProximityRecording
		}
		tr.state = prior
		tr.belowSince = time.Time{}
		tr.wasRecording = false
		m.events.ProximityChanged(h, prior, domain.ProximityReasonSignalRecovered)
		if tr.authorized && prior == domain.ProximityConnected {
			tr.authorized = false
			tr.state = domain.ProximityRecording
			m.events.ProximityChanged(h, domain.ProximityRecording, domain.ProximityReasonRecordingAuthorized)
			m.listener.RecordingStart(h)
		}
		return
	}
	if at.Sub(tr.belowSince) >= m.cfg.DisconnectGrace {
		m.toIdle(h, domain.ProximityReasonPeerLost)
	}
}

func (m *Machine) authorize(h domain.PeerHandle) {
	tr, ok := m.trackers[h]
	if !ok || (tr.state != domain.ProximityConnected && tr.state != domain.ProximityDisconnecting) {
		return
	}

	m.mu.Lock()
	busy := m.recording != "" && m.recording != h
	if !busy {
		m.recording = h
	}
	m.mu.Unlock()

	if busy {
		// Single-session invariant: a second handle reaching Connected
		// while another records is dropped, not queued.
		m.events.ProximityChanged(h, tr.state, domain.ProximityReasonRecordingSlotBusy)
		return
	}

	if tr.state == domain.ProximityDisconnecting {
		// The signal dipped while the handshake ran. The slot is claimed;
		// recording starts on recovery, and grace expiry releases it.
		tr.authorized = true
		return
	}

	tr.state = domain.ProximityRecording
	m.events.ProximityChanged(h, domain.ProximityRecording, domain.ProximityReasonRecordingAuthorized)
	m.listener.RecordingStart(h)
}

func (m *Machine) recordingEnded(h domain.PeerHandle) {
	m.mu.Lock()
	if m.recording == h {
		m.recording = ""
	}
	tr, ok := m.trackers[h]
	m.mu.Unlock()

	if !ok {
		return
	}
	if tr.state == domain.ProximityRecording {
		tr.state = domain.ProximityConnected
		m.events.ProximityChanged(h, domain.ProximityConnected, domain.ProximityReasonRecordingEnded)
	}
	tr.wasRecording = false
}

func (m *Machine) capturePaused(h domain.PeerHandle) {
	tr, ok := m.trackers[h]
	if !ok || tr.state != domain.ProximityRecording {
		return
	}
	// The recording slot stays reserved; the session is paused, not over.
	tr.state = domain.ProximityConnected
	m.events.ProximityChanged(h, domain.ProximityConnected, domain.ProximityReasonCapturePaused)
}

func (m *Machine) captureResumed(h domain.PeerHandle) {
	tr, ok := m.trackers[h]
	if !ok || tr.state != domain.ProximityConnected {
		return
	}
	m.mu.Lock()
	holds := m.recording == h
	m.mu.Unlock()
	if !holds {
		return
	}
	tr.state = domain.ProximityRecording
	m.events.ProximityChanged(h, domain.ProximityRecording, domain.ProximityReasonRecordingAuthorized)
}

// tick advances time-driven transitions: grace expiry for handles that went
// silent entirely, and tracker teardown for expired filter state.
func (m *Machine) tick(now time.Time) {
	for h, tr := range m.trackers {
		if tr.state == domain.ProximityDisconnecting && !tr.belowSince.IsZero() &&
			now.Sub(tr.belowSince) >= m.cfg.DisconnectGrace {
			m.toIdle(h, domain.ProximityReasonPeerLost)
		}
	}

	for _, h := range m.filter.Expire(now) {
		if _, ok := m.trackers[h]; !ok {
			continue
		}
		reason := domain.ProximityReasonHandleExpired
		if m.holdsSlot(h) {
			reason = domain.ProximityReasonPeerLost
		}
		m.toIdle(h, reason)
	}
}

func (m *Machine) holdsSlot(h domain.PeerHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording == h
}

func (m *Machine) toIdle(h domain.PeerHandle, reason domain.ProximityReason) {
	m.mu.Lock()
	delete(m.trackers, h)
	// Slot ownership, not the visible state, decides whether a session must
	// be finalized: a handle whose capture is paused sits in Connected but
	// still holds the slot.
	held := m.recording == h
	if held {
		m.recording = ""
	}
	m.mu.Unlock()

	m.filter.Forget(h)
	m.events.ProximityChanged(h, domain.ProximityIdle, reason)
	if held {
		m.listener.RecordingStop(h, reason)
	}
	m.listener.PeerGone(h)
}
