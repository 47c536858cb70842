package main

import (
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/daemon"
	"github.com/stagedoor-io/stagedoor/internal/obs"
	"github.com/stagedoor-io/stagedoor/internal/relay"
)

func newExposeCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		relayAddr   string
		name        string
		target      string
		dialTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "expose",
		Short: "Expose a local TCP service through a relay",
		Example: `
  # Make localhost:5432 reachable via the relay under the name "postgres"
  stagedoor expose --relay relay.example.net:7643 --name postgres --target localhost:5432
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			log := obs.WithSubsystem(baseLogger, "expose")
			d, err := daemon.New(daemon.Config{
				RelayAddr:   relayAddr,
				Name:        name,
				DialTimeout: dialTimeout,
			}, daemon.Proxy(target, log), log)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&relayAddr, "relay", "localhost"+relay.DefaultListen, "relay registration address")
	flags.StringVar(&name, "name", "", "service name to register")
	flags.StringVar(&target, "target", "", "local address relayed clients are forwarded to")
	flags.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for dials to the relay and its callback endpoints")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("target")
	return cmd
}
