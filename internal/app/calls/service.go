// Package calls creates call sessions under the owner's daily quota and
// sweeps documents nobody else will delete.
package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/notify"
	"github.com/rs/zerolog/log"
)

const DefaultDailyLimit = 10

type StartRequest struct {
	Owner       domain.Identity
	Description string
	Allowed     []string
}

type Service struct {
	repo     core.CallRepository
	notifier notify.Notifier
	clock    clock.Clock
	linkBase string
	limit    atomic.Int64

	// dispatched, when set, is called after the invitations of a call were sent.
	dispatched func(domain.CallID)
}

func NewService(repo core.CallRepository, n notify.Notifier, clk clock.Clock, dailyLimit int, linkBase string) *Service {
	if clk == nil {
		clk = clock.New()
	}
	s := &Service{repo: repo, notifier: n, clock: clk, linkBase: strings.TrimRight(linkBase, "/")}
	s.SetDailyLimit(dailyLimit)
	return s
}

// SetDailyLimit changes the cap for subsequent creations. Non-positive values restore the default.
func (s *Service) SetDailyLimit(n int) {
	if n <= 0 {
		n = DefaultDailyLimit
	}
	old := s.limit.Swap(int64(n))
	if old != 0 && old != int64(n) {
		log.Info().Str("module", "calls").Int64("from", old).Int("to", n).Msg("daily call limit changed")
	}
}

func (s *Service) DailyLimit() int { return int(s.limit.Load()) }

// StartCall creates a session and then invites every allowed identity other
// than the owner. Invitations never delay or fail the creation.
func (s *Service) StartCall(ctx context.Context, req StartRequest) (*domain.CallSession, domain.Quota, error) {
	if err := domain.ValidateDisplayName(req.Owner.DisplayName); err != nil {
		return nil, domain.Quota{}, err
	}
	if req.Owner.ID == "" {
		return nil, domain.Quota{}, domain.ErrParticipantIDEmpty
	}
	sess := domain.NewCallSession(req.Owner, req.Description, req.Allowed, s.clock.Now())
	quota, err := s.repo.CreateCall(ctx, sess, s.DailyLimit())
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			log.Warn().Str("module", "calls").Str("owner", req.Owner.ID.String()).Int("count", quota.Count).Msg("daily call quota exceeded")
			return nil, quota, err
		}
		return nil, quota, fmt.Errorf("create call: %w", err)
	}

	invs := make([]notify.Invitation, 0, len(sess.AllowedIdentities))
	for _, email := range sess.AllowedIdentities {
		if email == sess.OwnerEmail {
			continue
		}
		invs = append(invs, notify.Invitation{
			CallID:      sess.ID,
			OwnerName:   sess.OwnerName,
			Description: sess.Description,
			To:          email,
			Link:        s.link(sess.ID),
		})
	}
	var done func()
	if s.dispatched != nil {
		id := sess.ID
		done = func() { s.dispatched(id) }
	}
	notify.Dispatch(s.notifier, 5*time.Second, invs, done)
	return sess, quota, nil
}

func (s *Service) link(id domain.CallID) string {
	if s.linkBase == "" {
		return ""
	}
	return s.linkBase + "/calls/" + id.String()
}
