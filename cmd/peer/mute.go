package main

import (
	"fmt"

	"github.com/dkeye/huddle/internal/app/mute"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/spf13/cobra"
)

var flagUnmute bool

var muteCmd = &cobra.Command{
	Use:   "mute <call-id> [participant-id]",
	Short: "Set a mute flag; the owner may mute others, only you may unmute yourself",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sess, err := c.Session(cmd.Context(), domain.CallID(args[0]))
		if err != nil {
			return err
		}
		target := c.Self().ID
		if len(args) == 2 {
			target = domain.ParticipantID(args[1])
		}
		muted := !flagUnmute
		if err := mute.Authorize(sess, c.Self().ID, target, muted); err != nil {
			return err
		}
		if err := c.SetMute(cmd.Context(), sess.ID, target, muted); err != nil {
			return err
		}
		fmt.Printf("%s muted=%t\n", target, muted)
		return nil
	},
}

func init() {
	muteCmd.Flags().BoolVar(&flagUnmute, "off", false, "unmute instead")
}
