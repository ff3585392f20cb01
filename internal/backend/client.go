// Package backend is the JSON client for the conversation pipeline API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

// Typed outcomes for the debug retranscribe endpoint, mirroring the server's
// status codes: 404 when debug mode is off, 400 when the session is not in a
// failed state, 409 when a job is already running.
var (
	ErrDebugDisabled      = errors.New("retranscribe unavailable: debug mode disabled")
	ErrNotFailed          = errors.New("retranscribe rejected: session is not in a failed state")
	ErrAlreadyInProgress  = errors.New("retranscribe rejected: job already in progress")
	ErrSessionNotOnServer = errors.New("session not found on server")
)

// Client talks to the backend over HTTP with bearer auth. JSON calls share
// one timeout-bounded client; audio transfers use a separate client with no
// overall timeout, since a session upload legitimately runs for minutes and
// is bounded by the caller's context instead.
type Client struct {
	baseURL    string
	httpClient *http.Client
	uploader   *http.Client
	tokens     ports.TokenSource
}

func New(baseURL string, timeout time.Duration, tokens ports.TokenSource) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		uploader:   &http.Client{},
		tokens:     tokens,
	}
}

// CreateSessionRequest is the body for POST /conversations.
type CreateSessionRequest struct {
	PeerUserID      *string   `json:"peer_user_id,omitempty"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

// SessionRecord is the server's view of a conversation.
type SessionRecord struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	AudioStorageKey string     `json:"audio_storage_key"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds *int       `json:"duration_seconds"`
}

// UploadTarget is the presigned destination for the audio file.
type UploadTarget struct {
	UploadURL string `json:"upload_url"`
	AudioKey  string `json:"audio_key"`
}

// CreateSessionResponse pairs the created record with its upload target.
type CreateSessionResponse struct {
	Conversation SessionRecord `json:"conversation"`
	Upload       UploadTarget  `json:"upload"`
}

// SessionDetail extends the record with pipeline artifacts for polling.
type SessionDetail struct {
	SessionRecord
	HasTranscript bool
	HasSummary    bool
	ErrorDetail   string
}

// CreateSession registers a finished local session and returns the server id
// plus a presigned upload target.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var out CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, err
	}
	if out.Conversation.ID == "" || out.Upload.UploadURL == "" {
		return nil, errors.New("create session response missing id or upload target")
	}
	return &out, nil
}

// UploadAudio streams the audio bytes to the presigned target. The storage
// backend requires Content-Type and Content-Length on the PUT. Cancellation
// comes from ctx only; the API timeout does not apply here.
func (c *Client) UploadAudio(ctx context.Context, uploadURL string, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = size
	if contentType == "" {
		contentType = "audio/mp4"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.uploader.Do(req)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload audio: storage returned %s", resp.Status)
	}
	return nil
}

// ConfirmUpload tells the backend the audio landed, which enqueues its
// processing pipeline.
func (c *Client) ConfirmUpload(ctx context.Context, serverID string, audioKey string) error {
	body := map[string]string{"audio_storage_key": audioKey}
	return c.doJSON(ctx, http.MethodPost, "/conversations/"+serverID+"/confirm-upload", body, nil)
}

// GetSession polls the server-side processing state.
func (c *Client) GetSession(ctx context.Context, serverID string) (*SessionDetail, error) {
	var raw struct {
		SessionRecord
		ErrorDetail *string          `json:"error_detail"`
		Transcript  *json.RawMessage `json:"transcript"`
		Summary     *json.RawMessage `json:"summary"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/conversations/"+serverID, nil, &raw); err != nil {
		return nil, err
	}

	detail := &SessionDetail{
		SessionRecord: raw.SessionRecord,
		HasTranscript: raw.Transcript != nil,
		HasSummary:    raw.Summary != nil,
	}
	if raw.ErrorDetail != nil {
		detail.ErrorDetail = *raw.ErrorDetail
	}
	return detail, nil
}

// Retranscribe forces the failed pipeline stage to re-run. Debug only.
func (c *Client) Retranscribe(ctx context.Context, serverID string) error {
	err := c.doJSON(ctx, http.MethodPost, "/conversations/"+serverID+"/retranscribe", nil, nil)
	var httpErr *StatusError
	if errors.As(err, &httpErr) {
		switch httpErr.Code {
		case http.StatusNotFound:
			return ErrDebugDisabled
		case http.StatusBadRequest:
			return ErrNotFailed
		case http.StatusConflict:
			return ErrAlreadyInProgress
		}
	}
	return err
}

// GetProfile resolves a peer identity to its display profile.
func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.PeerProfile, error) {
	var raw struct {
		ID          string  `json:"id"`
		DisplayName string  `json:"display_name"`
		PhotoURL    *string `json:"photo_url"`
		IsAnonymous bool    `json:"is_anonymous"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/profile/"+userID, nil, &raw); err != nil {
		return nil, err
	}

	profile := &domain.PeerProfile{
		UserID:      raw.ID,
		DisplayName: raw.DisplayName,
		IsAnonymous: raw.IsAnonymous,
	}
	if raw.PhotoURL != nil {
		profile.PhotoURL = *raw.PhotoURL
	}
	if profile.IsAnonymous {
		profile.DisplayName = ""
		profile.PhotoURL = ""
	}
	return profile, nil
}

// ListBlocked fetches the ids this user has blocked.
func (c *Client) ListBlocked(ctx context.Context) ([]string, error) {
	var raw []struct {
		BlockedID string `json:"blocked_id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/connections/blocked", nil, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		ids = append(ids, entry.BlockedID)
	}
	return ids, nil
}

// Block adds a user to the blocklist.
func (c *Client) Block(ctx context.Context, userID string) error {
	return c.doJSON(ctx, http.MethodPost, "/connections/blocked", map[string]string{"blocked_id": userID}, nil)
}

// Unblock removes a user from the blocklist.
func (c *Client) Unblock(ctx context.Context, userID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/connections/blocked/"+userID, nil, nil)
}

// StatusError carries a non-2xx response code for callers that branch on it.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Detail)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := extractDetail(payload)
		return &StatusError{Code: resp.StatusCode, Detail: detail}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractDetail(payload []byte) string {
	var wrapper struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Detail != "" {
		return wrapper.Detail
	}
	return strings.TrimSpace(string(payload))
}
