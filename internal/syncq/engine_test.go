package syncq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"earshot/internal/backend"
	"earshot/internal/domain"
	"earshot/internal/store"
)

type fakeNet struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
}

func newFakeNet(online bool) *fakeNet {
	return &fakeNet{online: online, ch: make(chan bool, 8)}
}

func (f *fakeNet) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeNet) Changes() <-chan bool { return f.ch }

func (f *fakeNet) set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
	f.ch <- online
}

type fakeBackend struct {
	mu          sync.Mutex
	created     []backend.CreateSessionRequest
	uploads     int
	confirms    int
	inFlight    int
	maxInFlight int

	createErr    map[int]error // by call index
	uploadBlocks bool
	statuses     map[string]backend.SessionDetail
	nextID       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		createErr: make(map[int]error),
		statuses:  make(map[string]backend.SessionDetail),
	}
}

func (f *fakeBackend) CreateSession(_ context.Context, req backend.CreateSessionRequest) (*backend.CreateSessionResponse, error) {
	f.mu.Lock()
	idx := len(f.created)
	f.created = append(f.created, req)
	err := f.createErr[idx]
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &backend.CreateSessionResponse{
		Conversation: backend.SessionRecord{ID: id, Status: "pending"},
		Upload:       backend.UploadTarget{UploadURL: "https://storage.test/" + id, AudioKey: "audio/" + id},
	}, nil
}

func (f *fakeBackend) UploadAudio(ctx context.Context, _ string, body io.Reader, _ int64, _ string) error {
	f.mu.Lock()
	f.uploads++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block := f.uploadBlocks
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := io.ReadAll(body)
	return err
}

func (f *fakeBackend) ConfirmUpload(_ context.Context, _ string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	return nil
}

func (f *fakeBackend) GetSession(_ context.Context, serverID string) (*backend.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	detail, ok := f.statuses[serverID]
	if !ok {
		return nil, errors.New("unknown session")
	}
	return &detail, nil
}

func (f *fakeBackend) createdPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.created))
	for _, req := range f.created {
		if req.PeerUserID != nil {
			out = append(out, *req.PeerUserID)
		}
	}
	return out
}

type countSink struct {
	mu      sync.Mutex
	changes map[string][]domain.SyncStatus
}

func newCountSink() *countSink {
	return &countSink{changes: make(map[string][]domain.SyncStatus)}
}

func (s *countSink) ProximityChanged(domain.PeerHandle, domain.ProximityState, domain.ProximityReason) {
}
func (s *countSink) ResolutionStageChanged(domain.PeerHandle, domain.ResolutionStage)    {}
func (s *countSink) RecordingStateChanged(domain.RecordingState, domain.RecordingReason) {}
func (s *countSink) SubsystemError(domain.ErrorCode, string)                             {}

func (s *countSink) SyncStatusChanged(localID string, status domain.SyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[localID] = append(s.changes[localID], status)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "earshot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func seedFinalized(t *testing.T, st *store.Store, localID string, peerID string, createdAt time.Time) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, localID+".aac")
	if err := os.WriteFile(path, []byte("audio-"+localID), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	row := &store.ConversationSession{
		LocalID:        localID,
		ResolvedPeerID: &peerID,
		StartedAt:      createdAt,
		SyncStatus:     domain.SyncPending,
		CreatedAt:      createdAt,
	}
	if err := st.CreateSession(row); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := st.FinalizeSession(localID, createdAt.Add(time.Minute), time.Minute, path); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func waitStatus(t *testing.T, st *store.Store, localID string, want domain.SyncStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		row, err := st.GetSession(localID)
		if err == nil && row.SyncStatus == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	row, _ := st.GetSession(localID)
	t.Fatalf("session %s never reached %s (now %+v)", localID, want, row)
}

func quickEngine(st *store.Store, api Backend, net *fakeNet, sink *countSink) *Engine {
	return NewEngine(st, api, net, sink, Config{
		UploadTick: time.Hour, // drains are kick-driven in tests
		PollTick:   20 * time.Millisecond,
	})
}

func TestEngineUploadsOldestFirstSequentially(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	base := time.Now().Add(-time.Hour).UTC()
	seedFinalized(t, st, "s1", "peer-1", base)
	seedFinalized(t, st, "s2", "peer-2", base.Add(time.Minute))
	seedFinalized(t, st, "s3", "peer-3", base.Add(2*time.Minute))

	api := newFakeBackend()
	net := newFakeNet(true)
	engine := quickEngine(st, api, net, newCountSink())
	engine.Start()
	defer engine.Stop()

	engine.Kick()
	waitStatus(t, st, "s1", domain.SyncUploaded)
	waitStatus(t, st, "s2", domain.SyncUploaded)
	waitStatus(t, st, "s3", domain.SyncUploaded)

	peers := api.createdPeers()
	if len(peers) != 3 || peers[0] != "peer-1" || peers[1] != "peer-2" || peers[2] != "peer-3" {
		t.Fatalf("upload order = %v, want oldest first", peers)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.maxInFlight > 1 {
		t.Fatalf("uploads overlapped: max in flight %d", api.maxInFlight)
	}
	if api.confirms != 3 {
		t.Fatalf("expected 3 confirms, got %d", api.confirms)
	}

	row, _ := st.GetSession("s1")
	if row.ServerID == nil || row.AudioStorageKey == "" {
		t.Fatalf("server upload not recorded: %+v", row)
	}
}

func TestEngineDoesNothingOffline(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	seedFinalized(t, st, "s1", "peer-1", time.Now().UTC())

	api := newFakeBackend()
	net := newFakeNet(false)
	engine := quickEngine(st, api, net, newCountSink())
	engine.Start()
	defer engine.Stop()

	engine.Kick()
	time.Sleep(100 * time.Millisecond)

	api.mu.Lock()
	created := len(api.created)
	api.mu.Unlock()
	if created != 0 {
		t.Fatalf("offline engine must not touch the backend, got %d calls", created)
	}
	row, _ := st.GetSession("s1")
	if row.SyncStatus != domain.SyncPending {
		t.Fatalf("status = %s, want pending while offline", row.SyncStatus)
	}
}

func TestEngineRowFailureDoesNotBlockQueue(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	base := time.Now().Add(-time.Hour).UTC()
	seedFinalized(t, st, "bad", "peer-1", base)
	seedFinalized(t, st, "good", "peer-2", base.Add(time.Minute))

	api := newFakeBackend()
	api.createErr[0] = errors.New("server rejected session")
	net := newFakeNet(true)
	engine := quickEngine(st, api, net, newCountSink())
	engine.Start()
	defer engine.Stop()

	engine.Kick()
	waitStatus(t, st, "bad", domain.SyncFailed)
	waitStatus(t, st, "good", domain.SyncUploaded)

	row, _ := st.GetSession("bad")
	if row.ErrorDetail == "" {
		t.Fatalf("failed row must record the error")
	}
}

func TestEngineConnectivityLossCancelsTransfer(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	seedFinalized(t, st, "s1", "peer-1", time.Now().Add(-time.Hour).UTC())

	api := newFakeBackend()
	api.uploadBlocks = true
	net := newFakeNet(true)
	engine := quickEngine(st, api, net, newCountSink())
	engine.Start()
	defer engine.Stop()

	engine.Kick()
	waitStatus(t, st, "s1", domain.SyncUploading)

	net.set(false)
	waitStatus(t, st, "s1", domain.SyncFailed)
}

func TestEngineComingOnlineDrainsQueue(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	seedFinalized(t, st, "s1", "peer-1", time.Now().Add(-time.Hour).UTC())

	api := newFakeBackend()
	net := newFakeNet(false)
	engine := quickEngine(st, api, net, newCountSink())
	engine.Start()
	defer engine.Stop()

	net.set(true)
	waitStatus(t, st, "s1", domain.SyncUploaded)
}

func TestEnginePollMapsServerStatuses(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	base := time.Now().Add(-time.Hour).UTC()
	for i, localID := range []string{"a", "b", "c"} {
		seedFinalized(t, st, localID, "peer", base.Add(time.Duration(i)*time.Minute))
	}

	api := newFakeBackend()
	net := newFakeNet(true)
	sink := newCountSink()
	engine := quickEngine(st, api, net, sink)
	engine.Start()
	defer engine.Stop()

	engine.Kick()
	for _, localID := range []string{"a", "b", "c"} {
		waitStatus(t, st, localID, domain.SyncUploaded)
	}

	serverOf := func(localID string) string {
		row, _ := st.GetSession(localID)
		return *row.ServerID
	}
	api.mu.Lock()
	api.statuses[serverOf("a")] = backend.SessionDetail{SessionRecord: backend.SessionRecord{Status: "transcribing"}}
	api.statuses[serverOf("b")] = backend.SessionDetail{SessionRecord: backend.SessionRecord{Status: "completed"}}
	api.statuses[serverOf("c")] = backend.SessionDetail{
		SessionRecord: backend.SessionRecord{Status: "summarization_failed"},
		ErrorDetail:   "summary model unavailable",
	}
	api.mu.Unlock()

	waitStatus(t, st, "a", domain.SyncTranscribing)
	waitStatus(t, st, "b", domain.SyncCompleted)
	waitStatus(t, st, "c", domain.SyncFailed)

	row, _ := st.GetSession("c")
	if row.ErrorDetail != "summary model unavailable" {
		t.Fatalf("poll must persist the server's failure detail, got %q", row.ErrorDetail)
	}

	// Completed and failed rows leave the polling set.
	rows, err := st.Processing()
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	for _, r := range rows {
		if r.LocalID == "b" || r.LocalID == "c" {
			t.Fatalf("terminal row %s still polled", r.LocalID)
		}
	}
}

// A process death can leave a row stranded in uploading. A fresh engine
// sweeps it back to pending on Start and re-runs the upload from the top.
func TestEngineRecoversInterruptedUploadOnStart(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	seedFinalized(t, st, "s1", "peer-1", time.Now().Add(-time.Hour).UTC())
	if err := st.TransitionStatus("s1", domain.SyncUploading, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	api := newFakeBackend()
	net := newFakeNet(true)
	engine := quickEngine(st, api, net, newCountSink())
	engine.Start()
	defer engine.Stop()

	waitStatus(t, st, "s1", domain.SyncUploaded)

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.confirms != 1 {
		t.Fatalf("expected the interrupted row to re-run, confirms = %d", api.confirms)
	}
}

// Start after Stop brings the loops back up; nothing queued afterwards is
// left behind.
func TestEngineRestartsAfterStop(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	api := newFakeBackend()
	net := newFakeNet(true)
	engine := quickEngine(st, api, net, newCountSink())

	engine.Start()
	engine.Stop()

	seedFinalized(t, st, "s1", "peer-1", time.Now().Add(-time.Hour).UTC())
	engine.Start()
	defer engine.Stop()

	engine.Kick()
	waitStatus(t, st, "s1", domain.SyncUploaded)
}

func TestEngineRetryFailedRequeues(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	seedFinalized(t, st, "s1", "peer-1", time.Now().Add(-time.Hour).UTC())

	api := newFakeBackend()
	api.createErr[0] = errors.New("transient outage")
	net := newFakeNet(true)
	engine := quickEngine(st, api, net, newCountSink())
	engine.Start()
	defer engine.Stop()

	engine.Kick()
	waitStatus(t, st, "s1", domain.SyncFailed)

	n, err := engine.RetryFailed()
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reset, got %d", n)
	}
	waitStatus(t, st, "s1", domain.SyncUploaded)
}
