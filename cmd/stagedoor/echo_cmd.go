package main

import (
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/daemon"
	"github.com/stagedoor-io/stagedoor/internal/obs"
	"github.com/stagedoor-io/stagedoor/internal/relay"
)

func newEchoCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		relayAddr   string
		name        string
		dialTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Register a line echo service, handy for checking a relay end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			log := obs.WithSubsystem(baseLogger, "echo")
			d, err := daemon.New(daemon.Config{
				RelayAddr:   relayAddr,
				Name:        name,
				DialTimeout: dialTimeout,
			}, daemon.Echo(log), log)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&relayAddr, "relay", "localhost"+relay.DefaultListen, "relay registration address")
	flags.StringVar(&name, "name", "echo", "service name to register")
	flags.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for dials to the relay and its callback endpoints")
	return cmd
}
