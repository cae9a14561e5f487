package storeclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/util"
	"github.com/gorilla/websocket"
)

func (c *Client) dial(ctx context.Context, id domain.CallID, topic signal.Topic) (*websocket.Conn, error) {
	u, err := url.Parse(c.base + callPath(id, "stream"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("topic", string(topic))
	if topic == signal.TopicEnvelopes {
		q.Set("recipient", c.self.ID.String())
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, decodeError(resp))
		}
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return conn, nil
}

// closer closes conn once; reading then stops with an error.
func closer(conn *websocket.Conn) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
			_ = conn.Close()
		})
	}
}

// SubscribeSession delivers snapshots with latest-wins coalescing. The
// channel closes when the call is removed or the stream breaks.
func (c *Client) SubscribeSession(ctx context.Context, id domain.CallID) (<-chan *domain.CallSession, func(), error) {
	conn, err := c.dial(ctx, id, signal.TopicSession)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *domain.CallSession, 1)
	cancel := closer(conn)
	go func() {
		defer close(out)
		for {
			var f signal.Frame
			if err := conn.ReadJSON(&f); err != nil {
				if !isClosed(err) {
					c.logger.Warn().Err(err).Str("call", id.String()).Msg("session stream ended")
				}
				return
			}
			switch f.Type {
			case signal.FrameClosed:
				return
			case signal.FrameSession:
				if f.Session == nil {
					continue
				}
				snap := f.Session.Clone()
				select {
				case out <- snap:
				default:
					select {
					case <-out:
					default:
					}
					out <- snap
				}
			}
		}
	}()
	return out, cancel, nil
}

// SubscribeEnvelopes queues envelopes without loss, pending ones first.
func (c *Client) SubscribeEnvelopes(ctx context.Context, id domain.CallID, recipient domain.ParticipantID) (<-chan domain.Envelope, func(), error) {
	if recipient != c.self.ID {
		return nil, nil, fmt.Errorf("subscribe envelopes of %s: %w", recipient, domain.ErrAccessDenied)
	}
	conn, err := c.dial(ctx, id, signal.TopicEnvelopes)
	if err != nil {
		return nil, nil, err
	}
	q := util.NewQueue[domain.Envelope]()
	stop := closer(conn)
	cancel := func() {
		stop()
		q.Close()
	}
	go func() {
		defer q.Close()
		for {
			var f signal.Frame
			if err := conn.ReadJSON(&f); err != nil {
				if !isClosed(err) {
					c.logger.Warn().Err(err).Str("call", id.String()).Msg("envelope stream ended")
				}
				return
			}
			switch f.Type {
			case signal.FrameClosed:
				return
			case signal.FrameEnvelope:
				if f.Envelope != nil {
					q.Push(*f.Envelope)
				}
			}
		}
	}()
	return q.Out(), cancel, nil
}

func isClosed(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func deadline() time.Time { return time.Now().Add(time.Second) }
