package syncq

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"earshot/internal/backend"
	"earshot/internal/domain"
	"earshot/internal/ports"
	"earshot/internal/store"
)

const audioContentType = "audio/aac"

// Backend is the slice of the API client the engine drives.
type Backend interface {
	CreateSession(ctx context.Context, req backend.CreateSessionRequest) (*backend.CreateSessionResponse, error)
	UploadAudio(ctx context.Context, uploadURL string, body io.Reader, size int64, contentType string) error
	ConfirmUpload(ctx context.Context, serverID string, audioKey string) error
	GetSession(ctx context.Context, serverID string) (*backend.SessionDetail, error)
}

// Config carries the engine's cadence.
type Config struct {
	UploadTick time.Duration
	PollTick   time.Duration
}

// Engine drains finalized sessions to the backend. Uploads run strictly
// sequentially, oldest first, and each row's failure is recorded on that
// row without blocking the rest of the queue. Everything is gated on
// connectivity; losing the network mid-transfer cancels the transfer and
// marks that row failed, to be retried manually. Delivery is at-least-once:
// a crash between upload and confirm re-runs the row from the top.
type Engine struct {
	sessions *store.Store
	api      Backend
	net      ports.Connectivity
	events   ports.EventSink
	cfg      Config

	kick chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	cancelUp context.CancelFunc
}

func NewEngine(sessions *store.Store, api Backend, net ports.Connectivity, events ports.EventSink, cfg Config) *Engine {
	if cfg.UploadTick <= 0 {
		cfg.UploadTick = 5 * time.Minute
	}
	if cfg.PollTick <= 0 {
		cfg.PollTick = time.Minute
	}
	return &Engine{
		sessions: sessions,
		api:      api,
		net:      net,
		events:   events,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the upload, poll, and connectivity loops. Rows a previous
// process left mid-upload are swept back to pending first, so nothing is
// stranded by a crash between upload and confirm. Start after Stop brings
// the engine back up.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	stop := make(chan struct{})
	e.stopChan = stop
	e.mu.Unlock()

	if n, err := e.sessions.RecoverInterrupted(); err != nil {
		e.events.SubsystemError(domain.ErrorCodeStore, err.Error())
	} else if n > 0 {
		e.Kick()
	}

	e.wg.Add(3)
	go e.uploadLoop(stop)
	go e.pollLoop(stop)
	go e.watchConnectivity(stop)
}

// Stop halts the loops and cancels any in-flight transfer.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.abortTransfer()
	e.wg.Wait()
}

// Kick schedules an immediate drain, coalescing with any pending one.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// RetryFailed moves every failed row back to pending and kicks the queue.
func (e *Engine) RetryFailed() (int64, error) {
	n, err := e.sessions.ResetFailed()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Kick()
	}
	return n, nil
}

func (e *Engine) uploadLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.UploadTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-e.kick:
		}
		e.drainPending(stop)
	}
}

// drainPending uploads every pending finalized row, oldest first, one at a
// time. Rows that fail stay failed; the drain moves on.
func (e *Engine) drainPending(stop <-chan struct{}) {
	if !e.net.Online() {
		return
	}
	rows, err := e.sessions.PendingOldestFirst()
	if err != nil {
		e.events.SubsystemError(domain.ErrorCodeStore, err.Error())
		return
	}
	for i := range rows {
		select {
		case <-stop:
			return
		default:
		}
		if !e.net.Online() {
			return
		}
		e.uploadOne(&rows[i])
	}
}

func (e *Engine) uploadOne(row *store.ConversationSession) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancelUp = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelUp = nil
		e.mu.Unlock()
		cancel()
	}()

	e.setStatus(row.LocalID, domain.SyncUploading, "")

	if err := e.runPipeline(ctx, row); err != nil {
		e.events.SubsystemError(domain.ErrorCodeUpload, err.Error())
		e.setStatus(row.LocalID, domain.SyncFailed, err.Error())
		return
	}
	e.setStatus(row.LocalID, domain.SyncUploaded, "")
}

func (e *Engine) runPipeline(ctx context.Context, row *store.ConversationSession) error {
	file, err := os.Open(row.AudioFilePath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat audio: %w", err)
	}

	req := backend.CreateSessionRequest{
		PeerUserID: row.ResolvedPeerID,
		Latitude:   row.Latitude,
		Longitude:  row.Longitude,
		StartedAt:  row.StartedAt,
	}
	if row.EndedAt != nil {
		req.EndedAt = *row.EndedAt
	}
	if row.DurationSeconds != nil {
		req.DurationSeconds = *row.DurationSeconds
	}

	resp, err := e.api.CreateSession(ctx, req)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := e.sessions.SetServerUpload(row.LocalID, resp.Conversation.ID, resp.Upload.AudioKey); err != nil {
		return fmt.Errorf("record server id: %w", err)
	}

	if err := e.api.UploadAudio(ctx, resp.Upload.UploadURL, file, info.Size(), audioContentType); err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	if err := e.api.ConfirmUpload(ctx, resp.Conversation.ID, resp.Upload.AudioKey); err != nil {
		return fmt.Errorf("confirm upload: %w", err)
	}
	return nil
}

func (e *Engine) pollLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		e.pollProcessing(stop)
	}
}

// pollProcessing asks the server where each confirmed row stands and maps
// the answer onto the local status graph.
func (e *Engine) pollProcessing(stop <-chan struct{}) {
	if !e.net.Online() {
		return
	}
	rows, err := e.sessions.Processing()
	if err != nil {
		e.events.SubsystemError(domain.ErrorCodeStore, err.Error())
		return
	}
	for i := range rows {
		select {
		case <-stop:
			return
		default:
		}
		row := &rows[i]
		if row.ServerID == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		detail, err := e.api.GetSession(ctx, *row.ServerID)
		cancel()
		if err != nil {
			e.events.SubsystemError(domain.ErrorCodePoll, err.Error())
			continue
		}
		e.applyServerStatus(row, detail)
	}
}

func (e *Engine) applyServerStatus(row *store.ConversationSession, detail *backend.SessionDetail) {
	switch detail.Status {
	case "completed":
		e.setStatus(row.LocalID, domain.SyncCompleted, "")
	case "failed", "summarization_failed":
		reason := detail.ErrorDetail
		if reason == "" {
			reason = "server processing failed"
		}
		e.setStatus(row.LocalID, domain.SyncFailed, reason)
	case "transcribing", "transcribed", "summarizing":
		if row.SyncStatus == domain.SyncUploaded {
			e.setStatus(row.LocalID, domain.SyncTranscribing, "")
		}
	default:
		// pending / uploaded: the server has not started processing yet.
	}
}

func (e *Engine) setStatus(localID string, to domain.SyncStatus, detail string) {
	if err := e.sessions.TransitionStatus(localID, to, detail); err != nil {
		e.events.SubsystemError(domain.ErrorCodeStore, err.Error())
		return
	}
	e.events.SyncStatusChanged(localID, to)
}

func (e *Engine) watchConnectivity(stop <-chan struct{}) {
	defer e.wg.Done()
	changes := e.net.Changes()
	for {
		select {
		case <-stop:
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if online {
				e.Kick()
			} else {
				e.abortTransfer()
			}
		}
	}
}

func (e *Engine) abortTransfer() {
	e.mu.Lock()
	cancel := e.cancelUp
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
