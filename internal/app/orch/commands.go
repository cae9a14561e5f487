package orch

import (
	"context"

	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/mesh"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// do runs fn on the coordination loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-o.done:
		return ErrStopped
	default:
	}
	res := make(chan error, 1)
	o.inbox.Push(func(ctx context.Context) { res <- fn(ctx) })
	select {
	case err := <-res:
		return err
	case <-o.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept acquires local media and enters the call. Valid in the joining state.
func (o *Orchestrator) Accept(ctx context.Context) error {
	return o.do(ctx, o.accept)
}

// Decline walks away from a pending entry. Declining an admission writes
// nothing; declining from the waiting room removes the waiting entry.
func (o *Orchestrator) Decline(ctx context.Context) error {
	return o.do(ctx, func(context.Context) error {
		admitted := o.gate.State() == admission.StateJoining
		if err := o.gate.Decline(); err != nil {
			return err
		}
		o.declined = admitted
		o.finished = true
		return nil
	})
}

// Leave hangs up. Cleanup happens as the loop exits.
func (o *Orchestrator) Leave(ctx context.Context) error {
	err := o.do(ctx, func(context.Context) error {
		o.finished = true
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) ToggleMute(ctx context.Context) error {
	return o.do(ctx, func(ctx context.Context) error {
		return o.mute.Toggle(ctx, o.session)
	})
}

func (o *Orchestrator) SetMute(ctx context.Context, target domain.ParticipantID, muted bool) error {
	return o.do(ctx, func(ctx context.Context) error {
		return o.mute.Set(ctx, o.session, target, muted)
	})
}

// Admit lets a waiting participant in. Owner only.
func (o *Orchestrator) Admit(ctx context.Context, id domain.ParticipantID) error {
	return o.do(ctx, func(ctx context.Context) error {
		if o.opts.Chime != nil {
			o.opts.Chime.Init()
		}
		return admission.Admit(ctx, o.opts.Store, o.session, o.opts.Self.ID, id, "", o.opts.Clock.Now())
	})
}

// SwitchTrack replaces the outbound track of kind on every link.
func (o *Orchestrator) SwitchTrack(ctx context.Context, kind core.MediaKind, track webrtc.TrackLocal) error {
	return o.do(ctx, func(context.Context) error {
		return o.mesh.ReplaceTrack(kind, track)
	})
}

func (o *Orchestrator) State() admission.State { return admission.State(o.state.Load()) }

// Session returns the latest snapshot seen by the loop, or nil.
func (o *Orchestrator) Session() *domain.CallSession {
	if s := o.current.Load(); s != nil {
		return s.Clone()
	}
	return nil
}

func (o *Orchestrator) Connections() []mesh.LinkInfo { return o.mesh.Links() }

func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) Done() <-chan struct{} { return o.done }
