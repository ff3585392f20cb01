// Package exchange owns the two radio roles and the token handshake.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

// ErrHandshakeBusy reports that another handshake holds the single
// in-flight slot. One connection at a time is the portable default; some
// radio stacks cannot hold two links.
var ErrHandshakeBusy = errors.New("handshake already in flight")

var ErrEmptyToken = errors.New("peer returned an empty identity token")

// HandshakeConfig bounds each step of the connect-discover-read-write
// sequence.
type HandshakeConfig struct {
	ConnectTimeout  time.Duration
	DiscoverTimeout time.Duration
	OpTimeout       time.Duration
}

// Handshaker performs the point-to-point token exchange with one peer.
// Whatever happens, the connection is released before Exchange returns.
type Handshaker struct {
	connector ports.PeerConnector
	ownToken  string
	cfg       HandshakeConfig

	mu    sync.Mutex
	inUse bool
}

func NewHandshaker(connector ports.PeerConnector, ownToken string, cfg HandshakeConfig) *Handshaker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = 5 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Handshaker{connector: connector, ownToken: ownToken, cfg: cfg}
}

// Exchange connects to the handle, reads the peer's identity token, writes
// our own, and disconnects. Every step runs under its own timeout; any
// failure aborts the sequence and the peer stays unresolved.
func (h *Handshaker) Exchange(ctx context.Context, handle domain.PeerHandle) (string, error) {
	h.mu.Lock()
	if h.inUse {
		h.mu.Unlock()
		return "", ErrHandshakeBusy
	}
	h.inUse = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inUse = false
		h.mu.Unlock()
	}()

	connectCtx, cancelConnect := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	conn, err := h.connector.Connect(connectCtx, handle)
	cancelConnect()
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", handle, err)
	}
	defer conn.Close()

	discoverCtx, cancelDiscover := context.WithTimeout(ctx, h.cfg.DiscoverTimeout)
	err = conn.DiscoverTokenService(discoverCtx)
	cancelDiscover()
	if err != nil {
		return "", fmt.Errorf("discover token service on %s: %w", handle, err)
	}

	readCtx, cancelRead := context.WithTimeout(ctx, h.cfg.OpTimeout)
	token, err := conn.ReadToken(readCtx)
	cancelRead()
	if err != nil {
		return "", fmt.Errorf("read peer token from %s: %w", handle, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	if _, err := uuid.Parse(token); err != nil {
		return "", fmt.Errorf("peer token is not a valid identity: %w", err)
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, h.cfg.OpTimeout)
	err = conn.WriteToken(writeCtx, h.ownToken)
	cancelWrite()
	if err != nil {
		return "", fmt.Errorf("write own token to %s: %w", handle, err)
	}

	return token, nil
}
