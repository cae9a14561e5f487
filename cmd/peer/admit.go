package main

import (
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/spf13/cobra"
)

var admitCmd = &cobra.Command{
	Use:   "admit <call-id> <participant-id>",
	Short: "Admit a participant from the waiting room (owner only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sess, err := c.Session(cmd.Context(), domain.CallID(args[0]))
		if err != nil {
			return err
		}
		id := domain.ParticipantID(args[1])
		if err := admission.Admit(cmd.Context(), c, sess, c.Self().ID, id, "", time.Now()); err != nil {
			return err
		}
		fmt.Printf("admitted %s\n", id)
		return nil
	},
}
