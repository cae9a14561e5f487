// Package notify dispatches call invitations and plays the local chime.
// Delivery is best effort: failures are logged, never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Invitation tells one allowed identity that a call was started.
type Invitation struct {
	CallID      domain.CallID `json:"callId"`
	OwnerName   string        `json:"ownerName"`
	Description string        `json:"description"`
	To          string        `json:"to"`
	Link        string        `json:"link,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, inv Invitation) error
}

// LogNotifier only logs invitations.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, inv Invitation) error {
	log.Info().Str("module", "notify").Str("call", inv.CallID.String()).Str("to", inv.To).Msg("invitation")
	return nil
}

// HTTPNotifier posts invitations as JSON to an external mail service.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPNotifier(baseURL string) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, inv Invitation) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/invitations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post invitation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post invitation: status %d", resp.StatusCode)
	}
	return nil
}

// Dispatch sends every invitation on its own goroutine and returns at once.
// done, when non-nil, is called after all sends finished.
func Dispatch(n Notifier, timeout time.Duration, invs []Invitation, done func()) {
	if n == nil || len(invs) == 0 {
		if done != nil {
			done()
		}
		return
	}
	go func() {
		if done != nil {
			defer done()
		}
		for _, inv := range invs {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := n.Notify(ctx, inv); err != nil {
				log.Warn().Err(err).Str("module", "notify").Str("call", inv.CallID.String()).Str("to", inv.To).Msg("invitation not delivered")
			}
			cancel()
		}
	}()
}
