package identity

import (
	"context"
	"errors"
	"sync"

	"earshot/internal/domain"
	"earshot/internal/exchange"
	"earshot/internal/ports"
)

// Exchanger performs the token handshake for one peer handle.
type Exchanger interface {
	Exchange(ctx context.Context, handle domain.PeerHandle) (string, error)
}

// ProfileSource resolves a stable user id to a display profile.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (domain.PeerProfile, error)
}

// Blocklist answers synchronously whether a resolved identity is blocked.
type Blocklist interface {
	IsBlocked(userID string) bool
}

// Authorizer grants the proximity machine permission to start recording
// against a handle whose identity chain completed.
type Authorizer interface {
	Authorize(handle domain.PeerHandle)
}

// Resolution is the chain's outcome for one handle.
type Resolution struct {
	Handle  domain.PeerHandle
	Stage   domain.ResolutionStage
	UserID  string
	Profile *domain.PeerProfile
}

// Chain sequences observed handle → handshake → profile → authorization.
// Recording is only authorized for a resolved identity; a failed handshake
// withholds it, and a failed profile fetch falls back to an anonymous
// placeholder bound to the resolved id. A handle whose chain failed stays
// retryable on the next proximity cycle.
type Chain struct {
	exchanger Exchanger
	profiles  ProfileSource
	block     Blocklist
	auth      Authorizer
	events    ports.EventSink

	mu      sync.Mutex
	entries map[domain.PeerHandle]*Resolution
	busy    map[domain.PeerHandle]bool
}

func NewChain(exchanger Exchanger, profiles ProfileSource, block Blocklist, auth Authorizer, events ports.EventSink) *Chain {
	return &Chain{
		exchanger: exchanger,
		profiles:  profiles,
		block:     block,
		auth:      auth,
		events:    events,
		entries:   make(map[domain.PeerHandle]*Resolution),
		busy:      make(map[domain.PeerHandle]bool),
	}
}

// Resolve runs the chain for one handle. It is a no-op for a handle that is
// already in flight or already reached a terminal stage (authorized or
// blocked); a previously failed handle is retried.
func (c *Chain) Resolve(ctx context.Context, handle domain.PeerHandle) error {
	if !c.begin(handle) {
		return nil
	}
	defer c.end(handle)

	c.setStage(handle, domain.StageHandshaking)
	token, err := c.exchanger.Exchange(ctx, handle)
	if err != nil {
		if errors.Is(err, exchange.ErrHandshakeBusy) {
			// Another handle holds the slot; leave this one observed so the
			// next cycle retries without counting it as a failure.
			c.setStage(handle, domain.StageObserved)
			return err
		}
		c.setStage(handle, domain.StageFailed)
		c.events.SubsystemError(domain.ErrorCodeHandshake, err.Error())
		return err
	}

	c.setUserID(handle, token)
	c.setStage(handle, domain.StageResolved)

	if c.block.IsBlocked(token) {
		c.setStage(handle, domain.StageBlocked)
		return nil
	}

	profile, err := c.profiles.GetProfile(ctx, token)
	if err != nil {
		c.events.SubsystemError(domain.ErrorCodeProfile, err.Error())
		profile = domain.AnonymousProfile(token)
	}
	c.setProfile(handle, profile)
	c.setStage(handle, domain.StageProfiled)

	c.setStage(handle, domain.StageAuthorized)
	c.auth.Authorize(handle)
	return nil
}

// Resolution returns the current chain outcome for a handle.
func (c *Chain) Resolution(handle domain.PeerHandle) (Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[handle]
	if !ok {
		return Resolution{}, false
	}
	out := *entry
	if entry.Profile != nil {
		p := *entry.Profile
		out.Profile = &p
	}
	return out, true
}

// Forget drops all chain state for a handle. Called when the proximity
// machine returns the handle to idle; the next detection starts over.
func (c *Chain) Forget(handle domain.PeerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, handle)
}

func (c *Chain) begin(handle domain.PeerHandle) bool {
	c.mu.Lock()
	if c.busy[handle] {
		c.mu.Unlock()
		return false
	}
	entry, seen := c.entries[handle]
	if seen && (entry.Stage == domain.StageAuthorized || entry.Stage == domain.StageBlocked) {
		c.mu.Unlock()
		return false
	}
	if !seen {
		c.entries[handle] = &Resolution{Handle: handle, Stage: domain.StageObserved}
	}
	c.busy[handle] = true
	c.mu.Unlock()

	if !seen {
		c.events.ResolutionStageChanged(handle, domain.StageObserved)
	}
	return true
}

func (c *Chain) end(handle domain.PeerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, handle)
}

func (c *Chain) setStage(handle domain.PeerHandle, stage domain.ResolutionStage) {
	c.mu.Lock()
	if entry, ok := c.entries[handle]; ok {
		entry.Stage = stage
	}
	c.mu.Unlock()
	c.events.ResolutionStageChanged(handle, stage)
}

func (c *Chain) setUserID(handle domain.PeerHandle, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[handle]; ok {
		entry.UserID = userID
	}
}

func (c *Chain) setProfile(handle domain.PeerHandle, profile domain.PeerProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[handle]; ok {
		entry.Profile = &profile
	}
}
