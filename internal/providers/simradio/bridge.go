package simradio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

// Bridge speaks to a radio daemon over a single websocket and exposes the
// three radio roles behind it: announce, scan, and point-to-point connect.
// Desktop development runs against a simulator daemon; the mobile shells
// substitute their native radio implementations for these same ports.
type Bridge struct {
	conn *websocket.Conn
	done chan struct{}

	closeOnce sync.Once

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan message
	scans   map[string]chan ports.Advertisement
	err     error
}

// message is the wire envelope in both directions. Fields are sparse; each
// message type uses the subset it needs.
type message struct {
	Type       string   `json:"type"`
	ID         uint64   `json:"id,omitempty"`
	ScanID     string   `json:"scan_id,omitempty"`
	ConnID     string   `json:"conn_id,omitempty"`
	ServiceID  string   `json:"service_id,omitempty"`
	ServiceIDs []string `json:"service_ids,omitempty"`
	Handle     string   `json:"handle,omitempty"`
	Token      string   `json:"token,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
	WindowMS   int64    `json:"window_ms,omitempty"`
	RSSI       int      `json:"rssi,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// Dial connects to the radio daemon.
func Dial(ctx context.Context, rawURL string) (*Bridge, error) {
	wsURL := strings.TrimSpace(rawURL)
	if strings.HasPrefix(wsURL, "https://") {
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	} else if strings.HasPrefix(wsURL, "http://") {
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to radio daemon: %w", err)
	}

	b := &Bridge{
		conn:    conn,
		done:    make(chan struct{}),
		pending: make(map[uint64]chan message),
		scans:   make(map[string]chan ports.Advertisement),
	}
	go b.readLoop()
	return b, nil
}

// Close tears down the websocket and fails every outstanding request.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		_ = b.conn.Close()
	})
	<-b.done
	return nil
}

func (b *Bridge) readLoop() {
	defer func() {
		b.mu.Lock()
		if b.err == nil {
			b.err = errors.New("radio daemon connection closed")
		}
		for id, ch := range b.pending {
			close(ch)
			delete(b.pending, id)
		}
		for scanID, ch := range b.scans {
			close(ch)
			delete(b.scans, scanID)
		}
		b.mu.Unlock()
		close(b.done)
	}()

	for {
		var msg message
		if err := b.conn.ReadJSON(&msg); err != nil {
			b.setErr(err)
			return
		}

		switch msg.Type {
		case "ack", "error":
			b.mu.Lock()
			ch, ok := b.pending[msg.ID]
			if ok {
				delete(b.pending, msg.ID)
			}
			b.mu.Unlock()
			if ok {
				ch <- msg
				close(ch)
			}
		case "advertisement":
			b.mu.Lock()
			ch, ok := b.scans[msg.ScanID]
			b.mu.Unlock()
			if !ok {
				continue
			}
			adv := ports.Advertisement{
				Handle:           domain.PeerHandle(msg.Handle),
				ServiceIDs:       msg.ServiceIDs,
				RSSI:             msg.RSSI,
				AdvertisedUserID: msg.UserID,
				ObservedAt:       time.Now(),
			}
			select {
			case ch <- adv:
			default:
				// Slow consumer; dropping one advertisement beats stalling
				// the read loop.
			}
		case "scan_complete":
			b.mu.Lock()
			ch, ok := b.scans[msg.ScanID]
			if ok {
				delete(b.scans, msg.ScanID)
			}
			b.mu.Unlock()
			if ok {
				close(ch)
			}
		}
	}
}

func (b *Bridge) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// request sends one message and waits for its ack or error.
func (b *Bridge) request(ctx context.Context, msg message) (message, error) {
	ch := make(chan message, 1)
	b.mu.Lock()
	b.nextID++
	msg.ID = b.nextID
	b.pending[msg.ID] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	err := b.conn.WriteJSON(msg)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		return message{}, fmt.Errorf("write %s: %w", msg.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return message{}, b.closedErr()
		}
		if reply.Type == "error" {
			return message{}, fmt.Errorf("radio daemon rejected %s: %s", msg.Type, reply.Message)
		}
		return reply, nil
	case <-b.done:
		return message{}, b.closedErr()
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		return message{}, ctx.Err()
	}
}

func (b *Bridge) closedErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return errors.New("radio daemon connection closed")
}

// StartAnnounce implements ports.Advertiser.
func (b *Bridge) StartAnnounce(ctx context.Context, ann ports.Announcement) error {
	_, err := b.request(ctx, message{
		Type:       "announce",
		ServiceID:  ann.ServiceID,
		Token:      ann.Token,
		Visibility: string(ann.Visibility),
	})
	return err
}

// StopAnnounce implements ports.Advertiser.
func (b *Bridge) StopAnnounce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.request(ctx, message{Type: "stop_announce"})
	return err
}

// RunScan implements ports.ScanRunner. The daemon closes the window after
// the requested duration by sending scan_complete; cancelling ctx abandons
// the window early.
func (b *Bridge) RunScan(ctx context.Context, cfg ports.ScanConfig) (<-chan ports.Advertisement, error) {
	scanID := uuid.NewString()
	results := make(chan ports.Advertisement, 64)

	b.mu.Lock()
	b.scans[scanID] = results
	b.mu.Unlock()

	_, err := b.request(ctx, message{
		Type:      "scan",
		ScanID:    scanID,
		ServiceID: cfg.ServiceID,
		WindowMS:  cfg.Window.Milliseconds(),
	})
	if err != nil {
		b.mu.Lock()
		delete(b.scans, scanID)
		b.mu.Unlock()
		close(results)
		return nil, err
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				ch, ok := b.scans[scanID]
				if ok {
					delete(b.scans, scanID)
				}
				b.mu.Unlock()
				if ok {
					close(ch)
				}
			case <-b.done:
			}
		}()
	}
	return results, nil
}

// Connect implements ports.PeerConnector.
func (b *Bridge) Connect(ctx context.Context, handle domain.PeerHandle) (ports.PeerConnection, error) {
	connID := uuid.NewString()
	if _, err := b.request(ctx, message{Type: "connect", ConnID: connID, Handle: string(handle)}); err != nil {
		return nil, err
	}
	return &bridgeConn{bridge: b, connID: connID}, nil
}

type bridgeConn struct {
	bridge    *Bridge
	connID    string
	closeOnce sync.Once
	closeErr  error
}

func (c *bridgeConn) DiscoverTokenService(ctx context.Context) error {
	_, err := c.bridge.request(ctx, message{Type: "discover", ConnID: c.connID})
	return err
}

func (c *bridgeConn) ReadToken(ctx context.Context) (string, error) {
	reply, err := c.bridge.request(ctx, message{Type: "read_token", ConnID: c.connID})
	if err != nil {
		return "", err
	}
	return reply.Token, nil
}

func (c *bridgeConn) WriteToken(ctx context.Context, token string) error {
	_, err := c.bridge.request(ctx, message{Type: "write_token", ConnID: c.connID, Token: token})
	return err
}

func (c *bridgeConn) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, c.closeErr = c.bridge.request(ctx, message{Type: "disconnect", ConnID: c.connID})
	})
	return c.closeErr
}
