package exchange

import (
	"context"
	"sync"
	"time"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

// Announcer keeps the advertise role broadcasting, retrying start failures
// with backoff. OS duty-cycle throttling is accepted as-is; the announcer
// only asks for the least restrictive mode the platform grants.
type Announcer struct {
	advertiser ports.Advertiser
	events     ports.EventSink
	ann        ports.Announcement
	maxBackoff time.Duration

	mu      sync.Mutex
	running bool
}

func NewAnnouncer(advertiser ports.Advertiser, events ports.EventSink, ann ports.Announcement, maxBackoff time.Duration) *Announcer {
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	return &Announcer{advertiser: advertiser, events: events, ann: ann, maxBackoff: maxBackoff}
}

// Start begins broadcasting, retrying until it sticks or ctx is cancelled.
func (a *Announcer) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := a.advertiser.StartAnnounce(ctx, a.ann)
		if err == nil {
			return
		}
		a.events.SubsystemError(domain.ErrorCodeAnnounce, err.Error())
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > a.maxBackoff {
			backoff = a.maxBackoff
		}
	}
}

// Stop halts broadcasting.
func (a *Announcer) Stop() {
	a.mu.Lock()
	wasRunning := a.running
	a.running = false
	a.mu.Unlock()

	if !wasRunning {
		return
	}
	if err := a.advertiser.StopAnnounce(); err != nil {
		a.events.SubsystemError(domain.ErrorCodeAnnounce, err.Error())
	}
}
