// Package storeclient is a core.SessionStore backed by a remote huddle server.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	api "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

// Client acts as one identity; every request carries it in headers.
type Client struct {
	base   string
	self   domain.Identity
	http   *http.Client
	dialer *websocket.Dialer
	logger zerolog.Logger
}

var _ core.SessionStore = (*Client)(nil)

func New(baseURL string, self domain.Identity) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		self:   self,
		http:   &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: log.With().Str("module", "storeclient").Str("self", self.ID.String()).Logger(),
	}
}

func (c *Client) Self() domain.Identity { return c.self }

func (c *Client) header() http.Header {
	h := make(http.Header)
	h.Set(api.HeaderParticipantID, c.self.ID.String())
	h.Set(api.HeaderParticipantName, c.self.DisplayName)
	h.Set(api.HeaderParticipantEmail, c.self.Email)
	return h
}

func callPath(id domain.CallID, parts ...string) string {
	p := "/api/calls/" + url.PathEscape(id.String())
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header = c.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %w", method, path, decodeError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError maps an error body back to its domain sentinel when it has one.
func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil {
		if sentinel := domain.ErrorFromCode(body.Code); sentinel != nil {
			return sentinel
		}
		if body.Error != "" {
			return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, body.Error)
		}
	}
	return fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)
}

func (c *Client) StartCall(ctx context.Context, description string, allowed []string) (*domain.CallSession, domain.Quota, error) {
	var out api.CreateCallResponse
	err := c.do(ctx, http.MethodPost, "/api/calls", api.CreateCallRequest{Description: description, AllowedIdentities: allowed}, &out)
	return out.Session, out.Quota, err
}

func (c *Client) Quota(ctx context.Context) (api.QuotaResponse, error) {
	var out api.QuotaResponse
	err := c.do(ctx, http.MethodGet, "/api/quota", nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context, id domain.CallID) (api.StatsResponse, error) {
	var out api.StatsResponse
	err := c.do(ctx, http.MethodGet, callPath(id, "stats"), nil, &out)
	return out, err
}

func (c *Client) Session(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	var out domain.CallSession
	if err := c.do(ctx, http.MethodGet, callPath(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (c *Client) SetParticipant(ctx context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error {
	return c.do(ctx, http.MethodPut, callPath(id, "participants", pid.String()), api.ParticipantRequest{DisplayName: p.DisplayName, LastSeenAt: p.LastSeenAt}, nil)
}

func (c *Client) DeleteParticipant(ctx context.Context, id domain.CallID, pid domain.ParticipantID) error {
	return c.do(ctx, http.MethodDelete, callPath(id, "participants", pid.String()), nil, nil)
}

func (c *Client) SetWaiting(ctx context.Context, id domain.CallID, pid domain.ParticipantID, w domain.WaitingEntry) error {
	return c.do(ctx, http.MethodPut, callPath(id, "waiting", pid.String()), api.WaitingRequest{DisplayName: w.DisplayName}, nil)
}

func (c *Client) DeleteWaiting(ctx context.Context, id domain.CallID, pid domain.ParticipantID) error {
	return c.do(ctx, http.MethodDelete, callPath(id, "waiting", pid.String()), nil, nil)
}

func (c *Client) SetMute(ctx context.Context, id domain.CallID, pid domain.ParticipantID, muted bool) error {
	return c.do(ctx, http.MethodPut, callPath(id, "mute", pid.String()), api.MuteRequest{Muted: muted}, nil)
}

// Admit asks the server to admit pid; the server re-checks ownership.
func (c *Client) Admit(ctx context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error {
	return c.do(ctx, http.MethodPost, callPath(id, "admit", pid.String()), api.AdmitRequest{DisplayName: p.DisplayName}, nil)
}

func (c *Client) AppendEnvelope(ctx context.Context, env domain.Envelope) error {
	return c.do(ctx, http.MethodPost, callPath(env.CallID, "envelopes"), env, nil)
}

// DeleteEnvelope acks one of the client's own envelopes.
func (c *Client) DeleteEnvelope(ctx context.Context, id domain.CallID, recipient domain.ParticipantID, envID domain.EnvelopeID) error {
	if recipient != c.self.ID {
		return domain.ErrAccessDenied
	}
	return c.do(ctx, http.MethodDelete, callPath(id, "envelopes", string(envID)), nil, nil)
}
