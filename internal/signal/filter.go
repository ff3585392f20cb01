package signal

import (
	"math"
	"time"

	"earshot/internal/domain"
)

// trendEpsilon is the minimum smoothed-dBm movement treated as a direction
// change rather than noise.
const trendEpsilon = 1.5

type handleState struct {
	smoothed float64
	previous float64
	lastSeen time.Time
	samples  int
}

// Filter smooths raw RSSI samples into a stable per-handle proximity signal.
// It is not safe for concurrent use; callers funnel samples through one
// goroutine, matching the serialized event queue the state machine runs on.
type Filter struct {
	halfLife time.Duration
	expiry   time.Duration
	states   map[domain.PeerHandle]*handleState
}

func NewFilter(halfLife, expiry time.Duration) *Filter {
	if halfLife <= 0 {
		halfLife = 4 * time.Second
	}
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &Filter{
		halfLife: halfLife,
		expiry:   expiry,
		states:   make(map[domain.PeerHandle]*handleState),
	}
}

// Observe folds one sample into the handle's moving average and returns the
// updated filtered view. The weight of a sample scales with the gap since
// the previous one, so background scan cycles that deliver a sample every
// few tens of seconds do not leave the average pinned to stale history.
func (f *Filter) Observe(s domain.SignalSample) domain.FilteredProximity {
	state, ok := f.states[s.Handle]
	if !ok {
		state = &handleState{smoothed: float64(s.RSSI), previous: float64(s.RSSI)}
		f.states[s.Handle] = state
	} else {
		dt := s.ObservedAt.Sub(state.lastSeen)
		if dt <= 0 {
			dt = time.Millisecond
		}
		alpha := 1 - math.Exp(-float64(dt)/float64(f.halfLife)*math.Ln2)
		state.previous = state.smoothed
		state.smoothed += alpha * (float64(s.RSSI) - state.smoothed)
	}
	state.lastSeen = s.ObservedAt
	state.samples++

	return domain.FilteredProximity{
		Handle:   s.Handle,
		Smoothed: state.smoothed,
		Trend:    trendOf(state),
	}
}

// Current returns the latest filtered view for a handle, if tracked.
func (f *Filter) Current(h domain.PeerHandle) (domain.FilteredProximity, bool) {
	state, ok := f.states[h]
	if !ok {
		return domain.FilteredProximity{}, false
	}
	return domain.FilteredProximity{Handle: h, Smoothed: state.smoothed, Trend: trendOf(state)}, true
}

// LastSeen reports when the handle last produced a sample.
func (f *Filter) LastSeen(h domain.PeerHandle) (time.Time, bool) {
	state, ok := f.states[h]
	if !ok {
		return time.Time{}, false
	}
	return state.lastSeen, true
}

// Expire drops handles quiet for longer than the expiry window and returns
// the handles that were dropped.
func (f *Filter) Expire(now time.Time) []domain.PeerHandle {
	var expired []domain.PeerHandle
	for h, state := range f.states {
		if now.Sub(state.lastSeen) > f.expiry {
			delete(f.states, h)
			expired = append(expired, h)
		}
	}
	return expired
}

// Forget removes a handle immediately (peer lost, subsystem stop).
func (f *Filter) Forget(h domain.PeerHandle) {
	delete(f.states, h)
}

// Tracked reports how many handles currently hold filter state.
func (f *Filter) Tracked() int {
	return len(f.states)
}

func trendOf(state *handleState) domain.Trend {
	if state.samples < 2 {
		return domain.TrendSteady
	}
	delta := state.smoothed - state.previous
	switch {
	case delta > trendEpsilon:
		return domain.TrendRising
	case delta < -trendEpsilon:
		return domain.TrendFalling
	default:
		return domain.TrendSteady
	}
}
