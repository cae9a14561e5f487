package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	flagDescription string
	flagAllow       []string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a call and invite the allowed identities",
	Long: `Create a call owned by the current identity.

Examples:
  huddle-peer start -n Ada -e ada@example.com --allow bob@example.com,eve@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagEmail == "" {
			return fmt.Errorf("--email is required to own a call")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		sess, quota, err := c.StartCall(cmd.Context(), flagDescription, flagAllow)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.SetTitle("Call created")
		t.AppendRows([]table.Row{
			{"Call", sess.ID},
			{"Owner", fmt.Sprintf("%s (%s)", sess.OwnerName, sess.OwnerID)},
			{"Description", sess.Description},
			{"Allowed", strings.Join(sess.AllowedIdentities, "\n")},
			{"Calls today", fmt.Sprintf("%d (%s)", quota.Count, quota.Day)},
		})
		t.Render()
		fmt.Printf("\njoin with: huddle-peer join %s --id %s -n %q -e %s\n", sess.ID, sess.OwnerID, sess.OwnerName, sess.OwnerEmail)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVarP(&flagDescription, "description", "d", "", "call description")
	startCmd.Flags().StringSliceVar(&flagAllow, "allow", nil, "emails allowed to join")
}
