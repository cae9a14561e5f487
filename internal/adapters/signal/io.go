package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writePump is the only writer of conn: frames and pings.
func (ctl *StreamController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsStreamConn, next frameSource, logger *zerolog.Logger) {
	defer cancel()

	frames := make(chan Frame)
	go func() {
		defer close(frames)
		for {
			f, ok := next(ctx)
			if f.Type != "" {
				select {
				case frames <- f:
				case <-ctx.Done():
					return
				}
			}
			if !ok {
				return
			}
		}
	}()

	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("writePump ctx done")
			return
		case f, ok := <-frames:
			if !ok {
				logger.Info().Msg("writePump stream ended")
				return
			}
			if err := c.writeJSON(f); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
			if f.Type == FrameClosed {
				logger.Info().Msg("call removed, closing stream")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump only watches liveness: clients never send frames on a stream.
func (ctl *StreamController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsStreamConn, logger *zerolog.Logger) {
	defer func() {
		logger.Info().Msg("readPump closing")
		cancel()
	}()

	pongWait := ctl.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
	}
}
