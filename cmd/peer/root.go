package main

import (
	"fmt"
	"os"

	"github.com/dkeye/huddle/internal/adapters/storeclient"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagServer  string
	flagID      string
	flagName    string
	flagEmail   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "huddle-peer",
	Short: "Headless huddle participant",
	Long: `huddle-peer joins calls hosted by a huddle server from the command line.

It creates calls under the daily quota, waits in the waiting room, admits
guests as the owner and forms direct WebRTC links with every other participant.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if flagVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagServer, "server", "s", "http://localhost:8080", "huddle server base URL")
	pf.StringVar(&flagID, "id", "", "participant id (generated when empty)")
	pf.StringVarP(&flagName, "name", "n", "", "display name")
	pf.StringVarP(&flagEmail, "email", "e", "", "email the call owner allowed")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkPersistentFlagRequired("name")

	rootCmd.AddCommand(startCmd, joinCmd, admitCmd, muteCmd, statusCmd)
}

func identity() (domain.Identity, error) {
	return domain.NewIdentity(domain.ParticipantID(flagID), flagName, flagEmail)
}

func newClient() (*storeclient.Client, error) {
	self, err := identity()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return storeclient.New(flagServer, self), nil
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
