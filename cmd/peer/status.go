package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <call-id>",
	Short: "Show participants, waiting room and mute flags of a call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sess, err := c.Session(cmd.Context(), domain.CallID(args[0]))
		if err != nil {
			return err
		}
		renderSession(sess, time.Now())
		return nil
	},
}

func renderSession(sess *domain.CallSession, now time.Time) {
	live := presence.Live(sess, now, presence.DefaultWindow)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s  %s", sess.ID, sess.Description))
	t.AppendHeader(table.Row{"Participant", "Name", "State", "Muted", "Last seen"})

	ids := make([]domain.ParticipantID, 0, len(sess.Active))
	for id := range sess.Active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		p := sess.Active[id]
		state := "stale"
		if slices.Contains(live, id) {
			state = "live"
		}
		name := p.DisplayName
		if sess.IsOwner(id) {
			name += " (owner)"
		}
		t.AppendRow(table.Row{id, name, state, sess.IsMuted(id), now.Sub(p.LastSeenAt).Round(time.Second)})
	}

	waiting := make([]domain.ParticipantID, 0, len(sess.Waiting))
	for id := range sess.Waiting {
		waiting = append(waiting, id)
	}
	slices.Sort(waiting)
	for _, id := range waiting {
		t.AppendRow(table.Row{id, sess.Waiting[id].DisplayName, "waiting", sess.IsMuted(id), "-"})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignCenter},
		{Number: 5, Align: text.AlignRight},
	})
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d live", len(live)), "", fmt.Sprintf("%d waiting", len(waiting))})
	t.Render()
}
