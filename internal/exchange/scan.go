package exchange

import (
	"context"
	"time"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

// ScanConfig drives the bounded scan loop.
type ScanConfig struct {
	ServiceID  string
	Window     time.Duration
	Pause      time.Duration
	MaxBackoff time.Duration
}

// SampleSink receives admitted samples; the proximity machine implements it.
type SampleSink interface {
	Offer(s domain.SignalSample)
}

// ScanLoop repeats bounded scan windows. The radio stack throttles apps
// that restart scans too aggressively, so each window is drained to
// completion before the next one starts, and start failures back off
// exponentially instead of transitioning any proximity state.
type ScanLoop struct {
	runner ports.ScanRunner
	sink   SampleSink
	events ports.EventSink
	cfg    ScanConfig
}

func NewScanLoop(runner ports.ScanRunner, sink SampleSink, events ports.EventSink, cfg ScanConfig) *ScanLoop {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Pause <= 0 {
		cfg.Pause = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &ScanLoop{runner: runner, sink: sink, events: events, cfg: cfg}
}

// Run scans until the context is cancelled.
func (l *ScanLoop) Run(ctx context.Context) {
	backoff := l.cfg.Pause

	for {
		if ctx.Err() != nil {
			return
		}

		results, err := l.runner.RunScan(ctx, ports.ScanConfig{
			ServiceID: l.cfg.ServiceID,
			Window:    l.cfg.Window,
		})
		if err != nil {
			l.events.SubsystemError(domain.ErrorCodeScan, err.Error())
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
			}
			continue
		}
		backoff = l.cfg.Pause

		l.drain(results)

		if !sleepCtx(ctx, l.cfg.Pause) {
			return
		}
	}
}

// drain consumes one window to completion, applying the software service
// filter. Hardware filtering cannot be trusted in the background on every
// platform, so the filter always runs here too.
func (l *ScanLoop) drain(results <-chan ports.Advertisement) {
	for adv := range results {
		if !matchesService(adv, l.cfg.ServiceID) {
			continue
		}
		l.sink.Offer(domain.SignalSample{
			Handle:           adv.Handle,
			RSSI:             adv.RSSI,
			ObservedAt:       adv.ObservedAt,
			AdvertisedUserID: adv.AdvertisedUserID,
		})
	}
}

func matchesService(adv ports.Advertisement, serviceID string) bool {
	for _, id := range adv.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
