package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// errInvalidPort indicates a port argument outside 1..65535.
var errInvalidPort = errors.New("port must be in 1..65535")

func broadcastCmd() *cobra.Command {
	var asHex bool

	cmd := &cobra.Command{
		Use:   "broadcast <port> <message>",
		Short: "Send a datagram to 255.255.255.255 and ff02::1",
		Long: "Binds a transport and sends <message> once to the IPv4 broadcast address " +
			"and, when an IPv6 socket is bound, once to the all-nodes multicast group.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("parse port %q: %w", args[0], errInvalidPort)
			}
			payload, err := payloadArg(args[1], asHex)
			if err != nil {
				return err
			}

			tr, err := openTransport(nil)
			if err != nil {
				return err
			}
			defer tr.Close(false)

			ok := tr.SendBroadcast(payload, len(payload), port)

			return printOut(cmd.OutOrStdout(), &broadcastView{
				Port:      port,
				Bytes:     len(payload),
				Delivered: ok,
			})
		},
	}

	cmd.Flags().BoolVar(&asHex, "hex", false, "message is hex-encoded")

	return cmd
}
