package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newCallCommand() *cobra.Command {
	var dialTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <host:port>",
		Short: "Interactively exchange lines with a relayed service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			conn, err := net.DialTimeout("tcp", args[0], dialTimeout)
			if err != nil {
				return fmt.Errorf("dial %s: %w", args[0], err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()

			remote := bufio.NewReader(conn)
			stdin := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !stdin.Scan() {
					return stdin.Err()
				}
				if _, err := fmt.Fprintf(conn, "%s\n", stdin.Text()); err != nil {
					return fmt.Errorf("send: %w", err)
				}
				reply, err := remote.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read reply: %w", err)
				}
				fmt.Print(reply)
			}
		},
	}
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for the dial to the service address")
	return cmd
}
