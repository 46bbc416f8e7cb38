package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpcore/internal/netio"
)

// errSendFailed indicates the transport accepted no bytes.
var errSendFailed = errors.New("send failed")

type reply struct {
	payload []byte
	from    *netio.Endpoint
	at      time.Time
}

// payloadArg decodes the message argument, as hex when asHex is set.
func payloadArg(arg string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(arg), nil
	}
	data, err := hex.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("decode hex payload: %w", err)
	}
	return data, nil
}

func sendCmd() *cobra.Command {
	var (
		asHex bool
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <addr:port> <message>",
		Short: "Send one datagram and optionally wait for a reply",
		Long: "Binds a transport, sends <message> to <addr:port> and, with --wait, " +
			"prints the first datagram received before the timeout (e.g., from an echoing udpcored).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := netip.ParseAddrPort(args[0])
			if err != nil {
				return fmt.Errorf("parse destination %q: %w", args[0], err)
			}
			payload, err := payloadArg(args[1], asHex)
			if err != nil {
				return err
			}

			replies := make(chan reply, 1)
			tr, err := openTransport(func(data []byte, from *netio.Endpoint) {
				r := reply{payload: append([]byte(nil), data...), from: from, at: time.Now()}
				select {
				case replies <- r:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer tr.Close(false)

			start := time.Now()
			n, err := tr.SendToAddr(payload, dst)
			if err != nil {
				return fmt.Errorf("send to %s: %w", dst, err)
			}
			if n <= 0 {
				return fmt.Errorf("send to %s returned %d: %w", dst, n, errSendFailed)
			}

			view := &sendView{Destination: dst.String(), Bytes: n}
			if wait > 0 {
				select {
				case r := <-replies:
					view.Reply = printable(r.payload)
					view.ReplyFrom = r.from.String()
					view.RTT = r.at.Sub(start).String()
				case <-time.After(wait):
				}
			}

			return printOut(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().BoolVar(&asHex, "hex", false, "message is hex-encoded")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for a reply")

	return cmd
}
