package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/notify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagAutoAccept bool
	flagAdmitAll   bool
	flagVideo      bool
	flagNoMedia    bool
	flagPolicy     string
	flagICE        []string
	flagHeartbeat  time.Duration
	flagWindow     time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join <call-id>",
	Short: "Join a call and stay connected until interrupted",
	Long: `Join a call. Guests wait in the waiting room until the owner admits them.

While running, type a command and press Enter:
  a  accept (enter the call once admitted)
  d  decline
  m  toggle own mute
  s  show the call
  l  leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		self := c.Self()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		chime := notify.NewChime(os.Stdout)
		o, err := orch.New(orch.Options{
			Self:              self,
			CallID:            domain.CallID(args[0]),
			Store:             c,
			Devices:           rtc.Devices{AllowAudio: !flagNoMedia, AllowVideo: flagVideo && !flagNoMedia},
			Constraints:       core.Constraints{Audio: true, Video: flagVideo},
			Transport:         rtc.NewTransport(rtc.ConfigFromURLs(flagICE)),
			Sink:              rtc.NewSink(),
			Policy:            app.PolicyByName(flagPolicy),
			Chime:             chime,
			HeartbeatInterval: flagHeartbeat,
			StalenessWindow:   flagWindow,
			AutoAccept:        flagAutoAccept,
		})
		if err != nil {
			return err
		}
		chime.Init()

		fmt.Printf("joining %s as %s (%s)\n", args[0], self.DisplayName, self.ID)
		go watch(ctx, o)
		go prompt(ctx, o)

		err = o.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	f := joinCmd.Flags()
	f.BoolVar(&flagAutoAccept, "auto-accept", true, "enter as soon as admitted")
	f.BoolVar(&flagAdmitAll, "admit-all", false, "as owner, admit everyone who waits")
	f.BoolVar(&flagVideo, "video", false, "send a video track too")
	f.BoolVar(&flagNoMedia, "deny-media", false, "refuse media acquisition, to exercise the joining state")
	f.StringVar(&flagPolicy, "policy", "lower-id", "initiator policy: lower-id or always")
	f.StringSliceVar(&flagICE, "ice", nil, "ICE server URLs")
	f.DurationVar(&flagHeartbeat, "heartbeat", 30*time.Second, "presence heartbeat interval")
	f.DurationVar(&flagWindow, "staleness", 60*time.Second, "presence staleness window")
}

// watch prints loop events and admits waiting guests when asked to.
func watch(ctx context.Context, o *orch.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.Done():
			return
		case ev := <-o.Events():
			switch ev.Kind {
			case orch.EventState:
				fmt.Printf("state: %s\n", ev.State)
				if ev.State == admission.StateJoining && !flagAutoAccept {
					fmt.Println("admitted: type a to enter")
				}
			case orch.EventWaitingRoom:
				fmt.Printf("waiting room: %v\n", ev.Waiting)
				if flagAdmitAll {
					for _, id := range ev.Waiting {
						if err := o.Admit(ctx, id); err != nil {
							log.Warn().Err(err).Str("participant", id.String()).Msg("admit failed")
						}
					}
				}
			case orch.EventLinks:
				parts := make([]string, 0, len(ev.Links))
				for _, l := range ev.Links {
					parts = append(parts, fmt.Sprintf("%s=%s", l.Peer, l.State))
				}
				fmt.Printf("links: %s\n", strings.Join(parts, " "))
			case orch.EventMute:
				fmt.Printf("muted: %v\n", ev.Mute)
			case orch.EventError:
				fmt.Printf("error: %v\n", ev.Err)
			}
		}
	}
}

func prompt(ctx context.Context, o *orch.Orchestrator) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var err error
		switch strings.TrimSpace(sc.Text()) {
		case "a":
			err = o.Accept(ctx)
		case "d":
			err = o.Decline(ctx)
		case "m":
			err = o.ToggleMute(ctx)
		case "s":
			if sess := o.Session(); sess != nil {
				renderSession(sess, time.Now())
			}
		case "l":
			err = o.Leave(ctx)
		case "":
		default:
			fmt.Println("commands: a d m s l")
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		if errors.Is(err, orch.ErrStopped) {
			return
		}
	}
}
