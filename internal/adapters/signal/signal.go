// Package signal streams store subscriptions to remote clients over websockets.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReadLimit  = 32768
	DefaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
)

// StreamController serves session and envelope subscriptions.
type StreamController struct {
	Store      core.SessionStore
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewStreamController(store core.SessionStore, readLimit int64, pingPeriod time.Duration) *StreamController {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}
	return &StreamController{Store: store, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

type WsStreamConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *WsStreamConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WsStreamConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeSession subscribes before upgrading so a missing call is still a plain 404.
func (ctl *StreamController) ServeSession(ctx context.Context, w http.ResponseWriter, r *http.Request, id domain.CallID) error {
	snaps, cancel, err := ctl.Store.SubscribeSession(ctx, id)
	if err != nil {
		return err
	}
	return ctl.serve(ctx, w, r, cancel, sessionFrames(snaps), log.With().
		Str("module", "signal").
		Str("call", id.String()).
		Str("topic", string(TopicSession)).
		Logger())
}

func (ctl *StreamController) ServeEnvelopes(ctx context.Context, w http.ResponseWriter, r *http.Request, id domain.CallID, recipient domain.ParticipantID) error {
	envs, cancel, err := ctl.Store.SubscribeEnvelopes(ctx, id, recipient)
	if err != nil {
		return err
	}
	return ctl.serve(ctx, w, r, cancel, envelopeFrames(envs), log.With().
		Str("module", "signal").
		Str("call", id.String()).
		Str("topic", string(TopicEnvelopes)).
		Str("recipient", recipient.String()).
		Logger())
}

func (ctl *StreamController) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, unsubscribe func(), frames frameSource, logger zerolog.Logger) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		logger.Error().Err(err).Msg("ws upgrade")
		return errUpgrade
	}
	logger.Info().Msg("new WS stream")

	conn := &WsStreamConn{conn: ws}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		unsubscribe()
		conn.Close()
	}()

	go ctl.writePump(ctx, cancel, conn, frames, &logger)
	go ctl.readPump(ctx, cancel, conn, &logger)
	return nil
}

// errUpgrade means the upgrader already answered the request.
var errUpgrade = errors.New("websocket upgrade failed")

func IsUpgradeError(err error) bool { return errors.Is(err, errUpgrade) }

// frameSource yields the next frame; ok is false once the subscription ended.
type frameSource func(ctx context.Context) (f Frame, ok bool)

func sessionFrames(in <-chan *domain.CallSession) frameSource {
	return func(ctx context.Context) (Frame, bool) {
		select {
		case <-ctx.Done():
			return Frame{}, false
		case s, ok := <-in:
			if !ok {
				return Frame{Type: FrameClosed}, false
			}
			return Frame{Type: FrameSession, Session: s}, true
		}
	}
}

func envelopeFrames(in <-chan domain.Envelope) frameSource {
	return func(ctx context.Context) (Frame, bool) {
		select {
		case <-ctx.Done():
			return Frame{}, false
		case env, ok := <-in:
			if !ok {
				return Frame{Type: FrameClosed}, false
			}
			return Frame{Type: FrameEnvelope, Envelope: &env}, true
		}
	}
}
